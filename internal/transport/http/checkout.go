package httptransport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/checkout"
)

const idempotencyTTL = 24 * time.Hour

type checkoutRequest struct {
	UserID          string          `json:"user_id"`
	Items           []itemDTO       `json:"items"`
	Currency        string          `json:"currency"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentMethodID string          `json:"payment_method_id"`
	ReturnURL       string          `json:"return_url,omitempty"`
	ShippingAddress addressDTO      `json:"shipping_address"`
	BillingAddress  *addressDTO     `json:"billing_address,omitempty"`
}

func (r checkoutRequest) toCommand() checkout.Request {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	billing := r.ShippingAddress
	if r.BillingAddress != nil {
		billing = *r.BillingAddress
	}
	return checkout.Request{
		UserID:         r.UserID,
		Items:          items,
		Currency:       r.Currency,
		ShippingCost:   r.ShippingCost,
		TaxAmount:      r.TaxAmount,
		DiscountAmount: r.DiscountAmount,
		PaymentMethod:  r.PaymentMethod,
		PaymentDetails: domain.PaymentMethodDetails{
			PaymentMethodID: r.PaymentMethodID,
			ReturnURL:       r.ReturnURL,
		},
		ShippingAddress: r.ShippingAddress.toDomain(),
		BillingAddress:  billing.toDomain(),
	}
}

type checkoutResponse struct {
	Order   orderDTO   `json:"order"`
	Payment paymentDTO `json:"payment"`
}

// handleCheckout оформляет заказ: создаёт заказ и платёж, подтверждает оплату.
// Платёж в REQUIRES_ACTION возвращается с 202: исход придёт webhook-ом.
func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.checkout.Checkout(r.Context(), req.toCommand())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Payment.Status == domain.PaymentStatusRequiresAction || result.Payment.Status == domain.PaymentStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, checkoutResponse{
		Order:   orderFromDomain(result.Order),
		Payment: paymentFromDomain(result.Payment),
	})
}

// idempotent оборачивает команду ключом Idempotency-Key: первый запрос выполняется, ответ
// сохраняется, повтор с тем же телом получает сохранённый ответ.
func (h *Handler) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.idempotency == nil {
			next(w, r)
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			h.writeError(w, r, domain.ErrIdempotencyKeyRequired)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, r, domain.Validationf("read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		logger := h.logger.WithField("idempotency_key", key)
		record, err := h.idempotency.CreateProcessing(key, requestHash(r, body), h.now().Add(idempotencyTTL))
		if err != nil {
			h.replay(w, r, err, record)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status >= http.StatusBadRequest {
			if err := h.idempotency.MarkFailed(key, rec.body.Bytes(), rec.status); err != nil {
				logger.WithError(err).Warn("failed to store idempotency failure response")
			}
			return
		}
		if err := h.idempotency.MarkDone(key, rec.body.Bytes(), rec.status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent success response")
		}
	}
}

// replay отвечает на повтор запроса с уже занятым ключом.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		h.writeError(w, r, createErr)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			w.Header().Set("Idempotent-Replayed", "true")
			if len(record.ResponseBody) == 0 {
				w.WriteHeader(record.HTTPStatus)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.HTTPStatus)
			_, _ = w.Write(record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			writeJSON(w, http.StatusConflict, errorResponse{
				Code:    "request_in_progress",
				Message: "request with the same idempotency key is already processing",
			})
		default:
			h.writeError(w, r, errors.New("unknown idempotency record status"))
		}
	default:
		h.logger.WithError(createErr).Warn("failed to create idempotency record")
		h.writeError(w, r, createErr)
	}
}

func requestHash(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method + " " + r.URL.Path + "\n"))
	if compact := compactJSON(body); compact != nil {
		sum.Write(compact)
	} else {
		sum.Write(body)
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// compactJSON убирает пробелы, чтобы форматирование тела не меняло хеш.
func compactJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil
	}
	return buf.Bytes()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
