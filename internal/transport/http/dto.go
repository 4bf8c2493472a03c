package httptransport

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type addressDTO struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a addressDTO) toDomain() domain.Address {
	return domain.Address(a)
}

func addressFromDomain(a domain.Address) addressDTO {
	return addressDTO(a)
}

type itemDTO struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total_price"`
}

type historyDTO struct {
	Status    domain.OrderStatus `json:"status"`
	Note      string             `json:"note,omitempty"`
	UpdatedBy string             `json:"updated_by"`
	Timestamp time.Time          `json:"timestamp"`
}

type orderDTO struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"order_number"`
	UserID             string             `json:"user_id"`
	Status             domain.OrderStatus `json:"status"`
	Items              []itemDTO          `json:"items"`
	Currency           string             `json:"currency"`
	Subtotal           decimal.Decimal    `json:"subtotal"`
	ShippingCost       decimal.Decimal    `json:"shipping_cost"`
	TaxAmount          decimal.Decimal    `json:"tax_amount"`
	DiscountAmount     decimal.Decimal    `json:"discount_amount"`
	Total              decimal.Decimal    `json:"total"`
	PaymentMethod      string             `json:"payment_method"`
	PaymentID          string             `json:"payment_id,omitempty"`
	PaidAt             *time.Time         `json:"paid_at,omitempty"`
	ShippingAddress    addressDTO         `json:"shipping_address"`
	TrackingNumber     string             `json:"tracking_number,omitempty"`
	Carrier            string             `json:"carrier,omitempty"`
	ShippedAt          *time.Time         `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time         `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func orderFromDomain(o domain.Order) orderDTO {
	items := make([]itemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemDTO{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Total:     it.TotalPrice,
		})
	}
	return orderDTO{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		UserID:             o.UserID,
		Status:             o.Status,
		Items:              items,
		Currency:           o.Currency,
		Subtotal:           o.Subtotal,
		ShippingCost:       o.ShippingCost,
		TaxAmount:          o.TaxAmount,
		DiscountAmount:     o.DiscountAmount,
		Total:              o.Total,
		PaymentMethod:      o.PaymentMethod,
		PaymentID:          o.PaymentID,
		PaidAt:             o.PaidAt,
		ShippingAddress:    addressFromDomain(o.ShippingAddress),
		TrackingNumber:     o.TrackingNumber,
		Carrier:            o.Carrier,
		ShippedAt:          o.ShippedAt,
		DeliveredAt:        o.DeliveredAt,
		CancelledAt:        o.CancelledAt,
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

type paymentDTO struct {
	ID             string               `json:"id"`
	OrderID        string               `json:"order_id"`
	Status         domain.PaymentStatus `json:"status"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	Method         string               `json:"method"`
	RefundedAmount decimal.Decimal      `json:"refunded_amount"`
	CardLast4      string               `json:"card_last4,omitempty"`
	CardBrand      string               `json:"card_brand,omitempty"`
	FailureCode    string               `json:"failure_code,omitempty"`
	FailureMessage string               `json:"failure_message,omitempty"`
	PaidAt         *time.Time           `json:"paid_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

func paymentFromDomain(p domain.Payment) paymentDTO {
	dto := paymentDTO{
		ID:             p.ID,
		OrderID:        p.OrderID,
		Status:         p.Status,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         p.Method,
		RefundedAmount: p.RefundedAmount,
		FailureCode:    p.FailureCode,
		FailureMessage: p.FailureMessage,
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
	}
	if p.Card != nil {
		dto.CardLast4 = p.Card.Last4
		dto.CardBrand = p.Card.Brand
	}
	return dto
}

type refundDTO struct {
	ID            string              `json:"id"`
	PaymentID     string              `json:"payment_id"`
	OrderID       string              `json:"order_id"`
	Status        domain.RefundStatus `json:"status"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
	Reason        string              `json:"reason"`
	FailureReason string              `json:"failure_reason,omitempty"`
	RefundedAt    *time.Time          `json:"refunded_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func refundFromDomain(r domain.Refund) refundDTO {
	return refundDTO{
		ID:            r.ID,
		PaymentID:     r.PaymentID,
		OrderID:       r.OrderID,
		Status:        r.Status,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Reason:        r.Reason,
		FailureReason: r.FailureReason,
		RefundedAt:    r.RefundedAt,
		CreatedAt:     r.CreatedAt,
	}
}
