package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestMockGateway(t *testing.T) {
	mock := NewMockGateway("secret")
	ctx := context.Background()

	intent, err := mock.CreateIntent(ctx, domain.GatewayIntentRequest{AmountMinor: 3750, Currency: "USD"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if intent.ID == "" || intent.Status != domain.GatewayStatusPending {
		t.Fatalf("unexpected intent: %+v", intent)
	}

	confirmation, err := mock.Confirm(ctx, intent.ID, domain.PaymentMethodDetails{})
	if err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}
	if confirmation.Status != domain.GatewayStatusSucceeded || confirmation.Card == nil {
		t.Fatalf("unexpected confirmation: %+v", confirmation)
	}

	refund, err := mock.Refund(ctx, domain.GatewayRefundRequest{IntentID: intent.ID, AmountMinor: 100})
	if err != nil {
		t.Fatalf("unexpected refund error: %v", err)
	}
	if refund.ID == "" {
		t.Fatal("expected provider refund id")
	}

	mock.CreateErr = errors.New("create failed")
	mock.ConfirmErr = errors.New("confirm failed")
	mock.RefundErr = errors.New("refund failed")

	if _, err := mock.CreateIntent(ctx, domain.GatewayIntentRequest{AmountMinor: 1}); err == nil {
		t.Fatal("expected create error")
	}
	if _, err := mock.Confirm(ctx, intent.ID, domain.PaymentMethodDetails{}); err == nil {
		t.Fatal("expected confirm error")
	}
	if _, err := mock.Refund(ctx, domain.GatewayRefundRequest{}); err == nil {
		t.Fatal("expected refund error")
	}

	if mock.CreateCalls != 2 || mock.ConfirmCalls != 2 || mock.RefundCalls != 2 {
		t.Fatalf("unexpected call counters: create=%d confirm=%d refund=%d",
			mock.CreateCalls, mock.ConfirmCalls, mock.RefundCalls)
	}
}

func TestMockGatewaySignature(t *testing.T) {
	mock := NewMockGateway("secret")
	payload := []byte(`{"id":"evt_1"}`)

	if err := mock.VerifyWebhookSignature(payload, mock.Sign(payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name      string
		signature string
	}{
		{name: "not hex", signature: "zz"},
		{name: "other secret", signature: NewMockGateway("other").Sign(payload)},
		{name: "empty", signature: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mock.VerifyWebhookSignature(payload, tt.signature); !errors.Is(err, domain.ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestMockGatewayLatencyHonoursContext(t *testing.T) {
	mock := NewMockGateway("secret")
	mock.Latency = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := mock.CreateIntent(ctx, domain.GatewayIntentRequest{AmountMinor: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
