package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const refundColumns = `id, payment_id, order_id, amount, currency, status, reason, provider_refund_id,
	refunded_at, failed_at, failure_reason, version, created_at, updated_at`

type refundRepository struct {
	db *sql.DB
}

// NewRefundRepository создаёт PostgreSQL-реализацию RefundRepository.
func NewRefundRepository(store *Store) domain.RefundRepository {
	return &refundRepository{db: store.DB()}
}

func (r *refundRepository) Create(refund domain.Refund) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		refund.ID, refund.PaymentID, refund.OrderID, refund.Amount, refund.Currency,
		string(refund.Status), refund.Reason, refund.ProviderRefundID,
		refund.RefundedAt, refund.FailedAt, refund.FailureReason, refund.Version,
		refund.CreatedAt, refund.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return domain.ErrPaymentNotFound
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (r *refundRepository) Get(id string) (domain.Refund, error) {
	return r.getOne(`SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
}

func (r *refundRepository) GetByProviderRefundID(providerRefundID string) (domain.Refund, error) {
	if providerRefundID == "" {
		return domain.Refund{}, domain.ErrRefundNotFound
	}
	return r.getOne(`SELECT `+refundColumns+` FROM refunds WHERE provider_refund_id = $1`, providerRefundID)
}

func (r *refundRepository) getOne(query, arg string) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	refund, err := scanRefund(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Refund{}, domain.ErrRefundNotFound
		}
		return domain.Refund{}, fmt.Errorf("select refund: %w", err)
	}
	return refund, nil
}

func (r *refundRepository) ListByPayment(paymentID string) ([]domain.Refund, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refunds: %w", err)
	}
	return refunds, nil
}

func (r *refundRepository) Save(refund domain.Refund) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE refunds
		SET status = $1,
		    provider_refund_id = $2,
		    refunded_at = $3,
		    failed_at = $4,
		    failure_reason = $5,
		    version = version + 1,
		    updated_at = $6
		WHERE id = $7
		  AND version = $8
	`,
		string(refund.Status), refund.ProviderRefundID, refund.RefundedAt, refund.FailedAt,
		refund.FailureReason, refund.UpdatedAt, refund.ID, refund.Version,
	)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	return checkVersionedUpdate(ctx, r.db, res, "refunds", refund.ID, domain.ErrRefundNotFound)
}

func scanRefund(row rowScanner) (domain.Refund, error) {
	var (
		refund domain.Refund
		status string
	)
	if err := row.Scan(
		&refund.ID, &refund.PaymentID, &refund.OrderID, &refund.Amount, &refund.Currency,
		&status, &refund.Reason, &refund.ProviderRefundID,
		&refund.RefundedAt, &refund.FailedAt, &refund.FailureReason, &refund.Version,
		&refund.CreatedAt, &refund.UpdatedAt,
	); err != nil {
		return domain.Refund{}, err
	}
	refund.Status = domain.RefundStatus(status)
	return refund, nil
}

var _ domain.RefundRepository = (*refundRepository)(nil)
