package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`{"metadata":{"eventId":"e-1","eventType":"payment.succeeded","timestamp":"2024-03-01T12:00:00Z",
		"version":"1.0","priority":"high","source":"payment-service","correlationId":"c-1"},
		"data":{"paymentId":"pay_1","orderId":"order-1","amount":"37.5","currency":"USD","status":"SUCCEEDED"}}`)

	event, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Metadata.EventID != "e-1" || event.Metadata.Priority != PriorityHigh {
		t.Fatalf("unexpected metadata: %+v", event.Metadata)
	}
	if !event.Metadata.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", event.Metadata.Timestamp)
	}

	var payload PaymentEventPayload
	if err := event.DecodeData(&payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload.PaymentID != "pay_1" || !payload.Amount.Equal(MustMoney("37.50")) {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDecodeEventErrors(t *testing.T) {
	tests := map[string][]byte{
		"not json":   []byte("{"),
		"no eventId": []byte(`{"metadata":{"eventType":"order.created"},"data":{}}`),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEvent(raw); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEventMetadataOmitsEmptyOptionalFields(t *testing.T) {
	raw, err := json.Marshal(EventMetadata{EventID: "e", EventType: TopicOrderCreated, Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["correlationId"]; ok {
		t.Fatal("empty correlationId must be omitted")
	}
	if _, ok := fields["userId"]; ok {
		t.Fatal("empty userId must be omitted")
	}
}

func TestIsFinancialTopic(t *testing.T) {
	for topic, want := range map[string]bool{
		TopicPaymentSucceeded:     true,
		TopicRefundSucceeded:      true,
		TopicPaymentRefundRequest: true,
		TopicOrderCreated:         false,
		TopicInventoryRelease:     false,
	} {
		if got := IsFinancialTopic(topic); got != want {
			t.Fatalf("IsFinancialTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}
