package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const paymentColumns = `id, order_id, user_id, amount, currency, status, method, provider,
	provider_payment_intent_id, card_last4, card_brand, card_exp_month, card_exp_year,
	paid_at, failed_at, cancelled_at, failure_code, failure_message, refunded_amount,
	version, created_at, updated_at`

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Create(payment domain.Payment) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	last4, brand, expMonth, expYear := cardColumns(payment.Card)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		payment.ID, payment.OrderID, payment.UserID, payment.Amount, payment.Currency,
		string(payment.Status), payment.Method, payment.Provider, payment.ProviderPaymentIntentID,
		last4, brand, expMonth, expYear,
		payment.PaidAt, payment.FailedAt, payment.CancelledAt, payment.FailureCode, payment.FailureMessage,
		payment.RefundedAmount, payment.Version, payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(id string) (domain.Payment, error) {
	return r.getOne(`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) GetByProviderIntentID(intentID string) (domain.Payment, error) {
	if intentID == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.getOne(`SELECT `+paymentColumns+` FROM payments WHERE provider_payment_intent_id = $1`, intentID)
}

func (r *paymentRepository) getOne(query string, arg string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByOrder(orderID string) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 1)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

func (r *paymentRepository) Save(payment domain.Payment) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	last4, brand, expMonth, expYear := cardColumns(payment.Card)
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    provider_payment_intent_id = $2,
		    card_last4 = $3,
		    card_brand = $4,
		    card_exp_month = $5,
		    card_exp_year = $6,
		    paid_at = $7,
		    failed_at = $8,
		    cancelled_at = $9,
		    failure_code = $10,
		    failure_message = $11,
		    refunded_amount = $12,
		    version = version + 1,
		    updated_at = $13
		WHERE id = $14
		  AND version = $15
	`,
		string(payment.Status), payment.ProviderPaymentIntentID, last4, brand, expMonth, expYear,
		payment.PaidAt, payment.FailedAt, payment.CancelledAt, payment.FailureCode, payment.FailureMessage,
		payment.RefundedAmount, payment.UpdatedAt, payment.ID, payment.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return checkVersionedUpdate(ctx, r.db, res, "payments", payment.ID, domain.ErrPaymentNotFound)
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		payment           domain.Payment
		status            string
		last4, brand      sql.NullString
		expMonth, expYear sql.NullInt32
	)
	if err := row.Scan(
		&payment.ID, &payment.OrderID, &payment.UserID, &payment.Amount, &payment.Currency,
		&status, &payment.Method, &payment.Provider, &payment.ProviderPaymentIntentID,
		&last4, &brand, &expMonth, &expYear,
		&payment.PaidAt, &payment.FailedAt, &payment.CancelledAt, &payment.FailureCode, &payment.FailureMessage,
		&payment.RefundedAmount, &payment.Version, &payment.CreatedAt, &payment.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}
	payment.Status = domain.PaymentStatus(status)
	if last4.Valid || brand.Valid {
		payment.Card = &domain.CardSummary{
			Last4:    last4.String,
			Brand:    brand.String,
			ExpMonth: int(expMonth.Int32),
			ExpYear:  int(expYear.Int32),
		}
	}
	return payment, nil
}

func cardColumns(card *domain.CardSummary) (sql.NullString, sql.NullString, sql.NullInt32, sql.NullInt32) {
	if card == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullInt32{}, sql.NullInt32{}
	}
	return sql.NullString{String: card.Last4, Valid: true},
		sql.NullString{String: card.Brand, Valid: true},
		sql.NullInt32{Int32: int32(card.ExpMonth), Valid: card.ExpMonth > 0},
		sql.NullInt32{Int32: int32(card.ExpYear), Valid: card.ExpYear > 0}
}

// checkVersionedUpdate различает «нет строки» и «версия устарела» после UPDATE ... AND version = $n.
func checkVersionedUpdate(ctx context.Context, db *sql.DB, res sql.Result, table, id string, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s exists: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return domain.ErrVersionConflict
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
