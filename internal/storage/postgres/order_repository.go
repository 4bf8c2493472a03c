package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const orderColumns = `id, order_number, user_id, status, currency, subtotal, shipping_cost, tax_amount,
	discount_amount, total, payment_method, payment_id, paid_at, shipping_address, billing_address,
	tracking_number, carrier, shipped_at, estimated_delivery, delivered_at, cancelled_at,
	cancellation_reason, cancelled_by, version, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// orderRepository хранит заказы, позиции и историю статусов.
// Save пишет новый статус и новые строки истории в одной транзакции.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository и OrderHistoryRepository.
func NewOrderRepository(store *Store) *orderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	shipping, billing, err := marshalAddresses(order)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		`,
			order.ID, order.OrderNumber, order.UserID, string(order.Status), order.Currency,
			order.Subtotal, order.ShippingCost, order.TaxAmount, order.DiscountAmount, order.Total,
			order.PaymentMethod, order.PaymentID, order.PaidAt, shipping, billing,
			order.TrackingNumber, order.Carrier, order.ShippedAt, order.EstimatedDelivery, order.DeliveredAt,
			order.CancelledAt, order.CancellationReason, order.CancelledBy, order.Version, order.CreatedAt, order.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicate
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					order_id, position, product_id, variant_id, name, sku, quantity, unit_price, total_price
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`,
				order.ID, i, item.ProductID, item.VariantID, item.Name, item.SKU,
				item.Quantity, item.UnitPrice, item.TotalPrice,
			); err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}

		return insertHistoryTx(ctx, tx, order.History)
	})
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	return r.getBy("id", id)
}

func (r *orderRepository) GetByNumber(orderNumber string) (domain.Order, error) {
	return r.getBy("order_number", orderNumber)
}

func (r *orderRepository) getBy(column, value string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query, args, err := psql.Select(orderColumns).From("orders").Where(sq.Eq{column: value}).ToSql()
	if err != nil {
		return domain.Order{}, fmt.Errorf("build order query: %w", err)
	}

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	if err := r.loadChildren(ctx, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// List строит запрос через squirrel: набор фильтров заранее не известен.
func (r *orderRepository) List(filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	builder := psql.Select(orderColumns).From("orders").OrderBy("created_at DESC", "id DESC")
	if filter.UserID != "" {
		builder = builder.Where(sq.Eq{"user_id": filter.UserID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	}
	if !filter.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		builder = builder.Where(sq.Lt{"created_at": filter.To})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list orders query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		if err := r.loadChildren(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

// Save обновляет заказ с оптимистичной блокировкой по version.
func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	shipping, billing, err := marshalAddresses(order)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    subtotal = $2,
			    shipping_cost = $3,
			    tax_amount = $4,
			    discount_amount = $5,
			    total = $6,
			    payment_method = $7,
			    payment_id = $8,
			    paid_at = $9,
			    shipping_address = $10,
			    billing_address = $11,
			    tracking_number = $12,
			    carrier = $13,
			    shipped_at = $14,
			    estimated_delivery = $15,
			    delivered_at = $16,
			    cancelled_at = $17,
			    cancellation_reason = $18,
			    cancelled_by = $19,
			    version = version + 1,
			    updated_at = $20
			WHERE id = $21
			  AND version = $22
		`,
			string(order.Status), order.Subtotal, order.ShippingCost, order.TaxAmount, order.DiscountAmount,
			order.Total, order.PaymentMethod, order.PaymentID, order.PaidAt, shipping, billing,
			order.TrackingNumber, order.Carrier, order.ShippedAt, order.EstimatedDelivery, order.DeliveredAt,
			order.CancelledAt, order.CancellationReason, order.CancelledBy, order.UpdatedAt,
			order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := r.orderExistsTx(ctx, tx, order.ID)
			switch {
			case err != nil:
				return err
			case !exists:
				return domain.ErrOrderNotFound
			default:
				return domain.ErrOrderVersionConflict
			}
		}

		return insertHistoryTx(ctx, tx, order.History)
	})
}

func (r *orderRepository) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// Append добавляет строку истории вне перехода (например, служебную заметку).
func (r *orderRepository) Append(entry domain.OrderStatusHistory) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_status_history (id, order_id, status, note, updated_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.OrderID, string(entry.Status), entry.Note, entry.UpdatedBy, entry.Timestamp)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("append order history: %w", err)
	}
	return nil
}

// ListByOrder возвращает историю заказа в хронологическом порядке.
func (r *orderRepository) ListByOrder(orderID string) ([]domain.OrderStatusHistory, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.loadHistory(ctx, orderID)
}

func (r *orderRepository) loadChildren(ctx context.Context, order *domain.Order) error {
	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return err
	}
	history, err := r.loadHistory(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Items = items
	order.History = history
	return nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, variant_id, name, sku, quantity, unit_price, total_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ProductID, &item.VariantID, &item.Name, &item.SKU,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderRepository) loadHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, status, note, updated_by, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.OrderStatusHistory, 0)
	for rows.Next() {
		var (
			entry  domain.OrderStatusHistory
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &status, &entry.Note, &entry.UpdatedBy, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan order history: %w", err)
		}
		entry.Status = domain.OrderStatus(status)
		entry.Timestamp = entry.Timestamp.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order history: %w", err)
	}

	return history, nil
}

func (r *orderRepository) orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

// insertHistoryTx дописывает строки истории; уже сохранённые пропускаются по id.
func insertHistoryTx(ctx context.Context, tx *sql.Tx, history []domain.OrderStatusHistory) error {
	for _, entry := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (id, order_id, status, note, updated_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO NOTHING
		`, entry.ID, entry.OrderID, string(entry.Status), entry.Note, entry.UpdatedBy, entry.Timestamp); err != nil {
			return fmt.Errorf("insert order history: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order             domain.Order
		status            string
		shipping, billing []byte
	)
	if err := row.Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &status, &order.Currency,
		&order.Subtotal, &order.ShippingCost, &order.TaxAmount, &order.DiscountAmount, &order.Total,
		&order.PaymentMethod, &order.PaymentID, &order.PaidAt, &shipping, &billing,
		&order.TrackingNumber, &order.Carrier, &order.ShippedAt, &order.EstimatedDelivery, &order.DeliveredAt,
		&order.CancelledAt, &order.CancellationReason, &order.CancelledBy, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &order.BillingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode billing address: %w", err)
	}
	return order, nil
}

func marshalAddresses(order domain.Order) ([]byte, []byte, error) {
	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("encode billing address: %w", err)
	}
	return shipping, billing, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

var (
	_ domain.OrderRepository        = (*orderRepository)(nil)
	_ domain.OrderHistoryRepository = (*orderRepository)(nil)
)
