package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// MockGateway — конфигурируемая заглушка платёжного шлюза для локального запуска и тестов.
// Webhook подписываются HMAC-SHA256 секретом шлюза.
type MockGateway struct {
	mu sync.Mutex

	Secret        string
	IntentStatus  domain.GatewayStatus
	ConfirmStatus domain.GatewayStatus
	ConfirmCard   *domain.CardSummary
	RefundStatus  domain.GatewayStatus
	// Latency эмулирует медленный провайдер; вызов прерывается отменой ctx.
	Latency time.Duration

	CreateErr  error
	ConfirmErr error
	CancelErr  error
	RefundErr  error

	CreateCalls  int
	ConfirmCalls int
	CancelCalls  int
	RefundCalls  int

	// refunds хранит возвраты провайдера по ключу идемпотентности (RefundID).
	refunds map[string]string
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway(secret string) *MockGateway {
	return &MockGateway{
		Secret:        secret,
		IntentStatus:  domain.GatewayStatusPending,
		ConfirmStatus: domain.GatewayStatusSucceeded,
		ConfirmCard:   &domain.CardSummary{Last4: "4242", Brand: "visa", ExpMonth: 12, ExpYear: 2030},
		RefundStatus:  domain.GatewayStatusPending,
	}
}

// Name возвращает имя провайдера.
func (m *MockGateway) Name() string { return "mock" }

// CreateIntent возвращает новый intent и считает вызовы.
func (m *MockGateway) CreateIntent(ctx context.Context, req domain.GatewayIntentRequest) (domain.GatewayIntent, error) {
	m.mu.Lock()
	m.CreateCalls++
	status, err := m.IntentStatus, m.CreateErr
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return domain.GatewayIntent{}, err
	}
	if err != nil {
		return domain.GatewayIntent{}, err
	}
	if req.AmountMinor <= 0 {
		return domain.GatewayIntent{}, domain.Validationf("amount must be positive")
	}
	id := "pi_" + uuid.NewString()
	return domain.GatewayIntent{ID: id, ClientSecret: id + "_secret", Status: status}, nil
}

// Confirm возвращает заранее настроенный результат.
func (m *MockGateway) Confirm(ctx context.Context, _ string, _ domain.PaymentMethodDetails) (domain.GatewayConfirmation, error) {
	m.mu.Lock()
	m.ConfirmCalls++
	status, card, err := m.ConfirmStatus, m.ConfirmCard, m.ConfirmErr
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return domain.GatewayConfirmation{}, err
	}
	if err != nil {
		return domain.GatewayConfirmation{}, err
	}
	return domain.GatewayConfirmation{Status: status, Card: card}, nil
}

// Cancel возвращает настроенную ошибку и считает вызовы.
func (m *MockGateway) Cancel(ctx context.Context, _ string) error {
	m.mu.Lock()
	m.CancelCalls++
	err := m.CancelErr
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return err
	}
	return err
}

// Refund возвращает refund провайдера. Повтор с тем же RefundID отдаёт тот же возврат.
// Возврат фиксируется до ожидания Latency: при таймауте клиента провайдер его уже выполнил.
func (m *MockGateway) Refund(ctx context.Context, req domain.GatewayRefundRequest) (domain.GatewayRefund, error) {
	m.mu.Lock()
	m.RefundCalls++
	status, err := m.RefundStatus, m.RefundErr
	id := ""
	if err == nil {
		id = m.refundFor(req.RefundID)
	}
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return domain.GatewayRefund{}, err
	}
	if err != nil {
		return domain.GatewayRefund{}, err
	}
	return domain.GatewayRefund{ID: id, Status: status}, nil
}

// ProviderRefunds — сколько разных возвратов провайдер выполнил.
func (m *MockGateway) ProviderRefunds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refunds)
}

func (m *MockGateway) refundFor(key string) string {
	if m.refunds == nil {
		m.refunds = make(map[string]string)
	}
	if key == "" {
		key = uuid.NewString()
	}
	id, ok := m.refunds[key]
	if !ok {
		id = "re_" + uuid.NewString()
		m.refunds[key] = id
	}
	return id
}

// VerifyWebhookSignature сравнивает подпись с HMAC-SHA256 от тела запроса.
func (m *MockGateway) VerifyWebhookSignature(payload []byte, signature string) error {
	expected, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, m.sign(payload)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign подписывает тело webhook так же, как это делает провайдер.
func (m *MockGateway) Sign(payload []byte) string {
	return hex.EncodeToString(m.sign(payload))
}

func (m *MockGateway) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(m.Secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func (m *MockGateway) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
