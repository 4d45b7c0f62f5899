package storage

import (
	"context"
	"fmt"

	"github.com/payment-verifier/internal/models"
)

// AuditRepository appends resolution events to ClickHouse for offline
// analysis. Writes are best-effort: the engine logs failures but never lets
// an audit error block a payment resolution.
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// BatchInsert appends one cycle's resolution events
func (r *AuditRepository) BatchInsert(ctx context.Context, events []*models.ResolutionEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO resolution_events (
			event_id, run_id, payment_id, user_id, network, asset,
			expected_amount, outcome, transaction_hash, detail, payment_age_ms, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID,
			e.RunID,
			e.PaymentID,
			e.UserID,
			e.Network,
			e.Asset,
			e.ExpectedAmount,
			string(e.Outcome),
			e.TransactionHash,
			e.Detail,
			e.PaymentAgeMs,
			e.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}

	return nil
}
