// Package httptransport содержит HTTP-поверхность сервисов: оформление заказа, webhook платёжного шлюза,
// чтение заказов и платежей, health и метрики.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/checkout"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

const (
	// SignatureHeader — заголовок с HMAC-подписью тела webhook.
	SignatureHeader = "Webhook-Signature"
	// IdempotencyKeyHeader — ключ идемпотентности команды оформления.
	IdempotencyKeyHeader = "Idempotency-Key"

	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
)

// Checkouts — команда оформления заказа.
type Checkouts interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

// Orders — операции сервиса заказов, доступные по HTTP.
type Orders interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	History(ctx context.Context, id string) ([]domain.OrderStatusHistory, error)
	UpdateOrderStatus(ctx context.Context, id string, target domain.OrderStatus, opts order.UpdateStatusOptions) (domain.Order, error)
	CancelOrder(ctx context.Context, id, reason, actor string) (domain.Order, error)
}

// Payments — операции платёжного сервиса, доступные по HTTP.
type Payments interface {
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
	ListRefunds(ctx context.Context, paymentID string) ([]domain.Refund, error)
	CreateRefund(ctx context.Context, cmd payment.CreateRefundCommand) (domain.Refund, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Dependencies — зависимости роутера. Маршруты регистрируются только для заданных сервисов:
// роль payment не отдаёт заказы, роль order не принимает webhook.
type Dependencies struct {
	Checkout    Checkouts
	Orders      Orders
	Payments    Payments
	Idempotency domain.IdempotencyRepository
	Health      *health.Handler
	Metrics     http.Handler
	Logger      *log.Entry
}

// Handler обслуживает HTTP-запросы.
type Handler struct {
	checkout    Checkouts
	orders      Orders
	payments    Payments
	idempotency domain.IdempotencyRepository
	logger      *log.Entry
	now         func() time.Time
}

// NewRouter собирает chi-роутер.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	h := &Handler{
		checkout:    deps.Checkout,
		orders:      deps.Orders,
		payments:    deps.Payments,
		idempotency: deps.Idempotency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.ServeHTTP)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	r.Get("/livez", health.LivenessHandler)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(middleware.AllowContentType("application/json"))

		if h.checkout != nil {
			r.Post("/checkout", h.idempotent(h.handleCheckout))
		}
		if h.orders != nil {
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.listOrders)
				r.Get("/{id}", h.getOrder)
				r.Get("/{id}/history", h.orderHistory)
				r.Post("/{id}/status", h.updateOrderStatus)
				r.Post("/{id}/cancel", h.cancelOrder)
			})
		}
		if h.payments != nil {
			r.Post("/webhooks/payments", h.handlePaymentWebhook)
			r.Route("/payments/{id}", func(r chi.Router) {
				r.Get("/", h.getPayment)
				r.Get("/refunds", h.listRefunds)
				r.Post("/refunds", h.createRefund)
			})
		}
	})

	return r
}

// requestLogger пишет одну строку на запрос в logrus.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(started).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				entry.Warn("http request failed")
			default:
				entry.Debug("http request")
			}
		})
	}
}
