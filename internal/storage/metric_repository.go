package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/models"
)

// MetricContribution is one payment resolution's additive contribution to a
// user's daily rollup. Volume fields are USD, never crypto quantities, so
// aggregates stay comparable across assets.
type MetricContribution struct {
	UserID         string
	Day            time.Time // UTC calendar day
	SalesUSD       float64
	CompletedDelta int64
	FailedDelta    int64
	Asset          string // normalized asset symbol, empty for no volume contribution
	AssetUSD       float64
}

// DailyMetricRepository persists per-user, per-day rollups. All writes are
// find-or-create upserts that only ever add.
type DailyMetricRepository struct {
	db *PostgresDB
}

// NewDailyMetricRepository creates a new daily metric repository
func NewDailyMetricRepository(db *PostgresDB) *DailyMetricRepository {
	return &DailyMetricRepository{db: db}
}

// Apply adds a contribution to the (user, day) rollup, creating the row on
// first contribution. The jsonb merge keeps per-asset volume additive.
func (r *DailyMetricRepository) Apply(ctx context.Context, c *MetricContribution) error {
	query := `
		INSERT INTO daily_metrics (
			user_id, metric_date, total_sales_usd, tx_count, completed_count, failed_count, asset_volume_usd, updated_at
		) VALUES (
			$1, $2, $3, 1, $4, $5,
			CASE WHEN $6::text = '' THEN '{}'::jsonb ELSE jsonb_build_object($6::text, $7::numeric) END,
			now()
		)
		ON CONFLICT (user_id, metric_date) DO UPDATE SET
			total_sales_usd = daily_metrics.total_sales_usd + EXCLUDED.total_sales_usd,
			tx_count        = daily_metrics.tx_count + 1,
			completed_count = daily_metrics.completed_count + EXCLUDED.completed_count,
			failed_count    = daily_metrics.failed_count + EXCLUDED.failed_count,
			asset_volume_usd = CASE
				WHEN $6::text = '' THEN daily_metrics.asset_volume_usd
				ELSE daily_metrics.asset_volume_usd || jsonb_build_object(
					$6::text,
					COALESCE((daily_metrics.asset_volume_usd->>$6::text)::numeric, 0) + $7::numeric
				)
			END,
			updated_at = now()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		c.UserID,
		models.MetricDay(c.Day),
		c.SalesUSD,
		c.CompletedDelta,
		c.FailedDelta,
		c.Asset,
		c.AssetUSD,
	)
	if err != nil {
		return apperrors.NewDatabaseError("apply daily metric", err)
	}

	return nil
}

// GetByUserAndDay retrieves a user's rollup for one UTC day, or nil if no
// payment has contributed yet
func (r *DailyMetricRepository) GetByUserAndDay(ctx context.Context, userID string, day time.Time) (*models.DailyMetric, error) {
	query := `
		SELECT user_id, metric_date, total_sales_usd, tx_count, completed_count, failed_count, asset_volume_usd
		FROM daily_metrics
		WHERE user_id = $1 AND metric_date = $2
	`

	var metric models.DailyMetric
	var assetVolumeJSON []byte

	err := r.db.Pool().QueryRow(ctx, query, userID, models.MetricDay(day)).Scan(
		&metric.UserID,
		&metric.Date,
		&metric.TotalSalesUSD,
		&metric.TxCount,
		&metric.CompletedCount,
		&metric.FailedCount,
		&assetVolumeJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get daily metric", err)
	}

	if len(assetVolumeJSON) > 0 {
		if err := json.Unmarshal(assetVolumeJSON, &metric.AssetVolumeUSD); err != nil {
			return nil, apperrors.NewDatabaseError("decode asset volume", err)
		}
	}

	return &metric, nil
}
