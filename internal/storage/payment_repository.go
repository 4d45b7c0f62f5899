package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/models"
	"github.com/payment-verifier/internal/types"
)

// PaymentRepository handles payment persistence. The engine only ever moves
// payments across the pending -> terminal edge; both Mark operations are
// conditional updates that no-op on already-terminal rows.
type PaymentRepository struct {
	db *PostgresDB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *PostgresDB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `
	id, user_id, expected_amount, amount_usd, asset, network, wallet_address,
	status, transaction_hash, failure_reason, created_at, completed_at, updated_at
`

// Create inserts a new pending payment. Used by the checkout flow and by
// tests; the engine itself never creates payments.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	payment.Status = types.StatusPending

	query := `
		INSERT INTO payments (id, user_id, expected_amount, amount_usd, asset, network, wallet_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		payment.ID,
		payment.UserID,
		payment.ExpectedAmount,
		payment.AmountUSD,
		payment.Asset,
		payment.Network,
		payment.WalletAddress,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("create payment", err)
	}

	return nil
}

// GetByID retrieves a payment by id
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1`, paymentColumns)

	payment, err := scanPayment(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment not found: %s", id)
		}
		return nil, apperrors.NewDatabaseError("get payment", err)
	}

	return payment, nil
}

// FindExpiredPending returns pending payments created more than olderThan
// ago, oldest first. These are the candidates for the expiry-aware
// verification pass.
func (r *PaymentRepository) FindExpiredPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, paymentColumns)

	cutoff := time.Now().UTC().Add(-olderThan)
	return r.queryPayments(ctx, query, cutoff, limit)
}

// FindRecentPending returns pending payments created within the given
// window, newest first. These get early-verification attempts so a fast
// on-chain confirmation completes a payment well before the hard expiry.
func (r *PaymentRepository) FindRecentPending(ctx context.Context, within time.Duration, limit int) ([]*models.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE status = 'pending' AND created_at > $1
		ORDER BY created_at DESC
		LIMIT $2
	`, paymentColumns)

	cutoff := time.Now().UTC().Add(-within)
	return r.queryPayments(ctx, query, cutoff, limit)
}

// MarkCompleted atomically transitions a pending payment to completed,
// recording the transfer hash and timestamp. Returns false without error if
// the payment was already terminal, which guards against double-processing.
func (r *PaymentRepository) MarkCompleted(ctx context.Context, id string, transactionHash string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'completed', transaction_hash = $2, completed_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, transactionHash, completedAt.UTC())
	if err != nil {
		return false, apperrors.NewDatabaseError("mark payment completed", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkFailed atomically transitions a pending payment to failed with the
// given reason. Returns false without error if the payment was already
// terminal.
func (r *PaymentRepository) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return false, apperrors.NewDatabaseError("mark payment failed", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*models.Payment, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query payments", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan payment", err)
		}
		payments = append(payments, payment)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate payments", err)
	}

	return payments, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var payment models.Payment
	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.ExpectedAmount,
		&payment.AmountUSD,
		&payment.Asset,
		&payment.Network,
		&payment.WalletAddress,
		&payment.Status,
		&payment.TransactionHash,
		&payment.FailureReason,
		&payment.CreatedAt,
		&payment.CompletedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
