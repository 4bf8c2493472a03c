package httptransport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

const defaultListLimit = 50

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(o))
}

// listOrders: GET /v1/orders?user_id=...&status=PAID,SHIPPED&from=RFC3339&to=RFC3339&limit=&offset=
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOrderFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]orderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderFromDomain(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func parseOrderFilter(r *http.Request) (domain.OrderFilter, error) {
	q := r.URL.Query()
	filter := domain.OrderFilter{UserID: q.Get("user_id"), Limit: defaultListLimit}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !status.Valid() {
				return domain.OrderFilter{}, domain.Validationf("unknown order status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.OrderFilter{}, domain.Validationf("%s must be RFC3339: %v", name, err)
		}
		*dst = ts
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.OrderFilter{}, domain.Validationf("%s must be an integer", name)
		}
		*dst = n
	}
	return filter, nil
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.orders.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyDTO, 0, len(history))
	for _, entry := range history {
		out = append(out, historyDTO{
			Status:    entry.Status,
			Note:      entry.Note,
			UpdatedBy: entry.UpdatedBy,
			Timestamp: entry.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

type updateStatusRequest struct {
	Status         domain.OrderStatus `json:"status"`
	Actor          string             `json:"actor"`
	Reason         string             `json:"reason,omitempty"`
	PaymentID      string             `json:"payment_id,omitempty"`
	TrackingNumber string             `json:"tracking_number,omitempty"`
	Carrier        string             `json:"carrier,omitempty"`
	EstimatedDays  int                `json:"estimated_days,omitempty"`
}

// updateOrderStatus — операторский перевод заказа (PROCESSING, PREPARING, SHIPPED, DELIVERED, CANCELLED).
func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.orders.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), req.Status, order.UpdateStatusOptions{
		Actor:          req.Actor,
		Reason:         req.Reason,
		PaymentID:      req.PaymentID,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		EstimatedDays:  req.EstimatedDays,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(o))
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(o))
}
