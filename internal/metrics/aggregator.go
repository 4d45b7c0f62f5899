// Package metrics keeps per-user daily rollups in lockstep with payment
// resolutions. Each terminal payment contributes to exactly one DailyMetric
// exactly once: the aggregator is only invoked at the moment of a successful
// state transition, never on retries of already-terminal payments.
package metrics

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/matcher"
	"github.com/payment-verifier/internal/models"
	"github.com/payment-verifier/internal/pricing"
	"github.com/payment-verifier/internal/storage"
)

// MetricStore persists additive rollup contributions
type MetricStore interface {
	Apply(ctx context.Context, c *storage.MetricContribution) error
}

// lockStripes is the size of the fixed lock table serializing rollup
// updates. Striping bounds memory over the process lifetime; distinct
// (user, day) keys sharing a stripe only adds contention, never lost updates.
const lockStripes = 64

// Aggregator records payment outcomes into daily rollups. Updates for a
// single (user, day) key are serialized under a striped lock so concurrent
// workers cannot lose additive updates.
type Aggregator struct {
	store  MetricStore
	rates  pricing.RateSource
	logger *logging.Logger

	locks [lockStripes]sync.Mutex
}

// NewAggregator creates a metrics aggregator
func NewAggregator(store MetricStore, rates pricing.RateSource, logger *logging.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		rates:  rates,
		logger: logger,
	}
}

// RecordCompletion adds a completed payment to its owner's rollup for the
// completion day. Called exactly once, synchronously, after the repository
// transition succeeds.
func (a *Aggregator) RecordCompletion(ctx context.Context, payment *models.Payment) error {
	day := time.Now().UTC()
	if payment.CompletedAt != nil {
		day = *payment.CompletedAt
	}

	usd, err := a.usdValue(ctx, payment)
	if err != nil {
		return fmt.Errorf("failed to price payment %s: %w", payment.ID, err)
	}

	contribution := &storage.MetricContribution{
		UserID:         payment.UserID,
		Day:            day,
		SalesUSD:       usd,
		CompletedDelta: 1,
		Asset:          matcher.NormalizeAsset(payment.Asset),
		AssetUSD:       usd,
	}

	return a.apply(ctx, contribution)
}

// RecordExpiry adds a failed payment to its owner's rollup for the expiry
// day. Failed payments count transactions but contribute no sales volume.
func (a *Aggregator) RecordExpiry(ctx context.Context, payment *models.Payment) error {
	contribution := &storage.MetricContribution{
		UserID:      payment.UserID,
		Day:         time.Now().UTC(),
		FailedDelta: 1,
	}

	return a.apply(ctx, contribution)
}

func (a *Aggregator) apply(ctx context.Context, c *storage.MetricContribution) error {
	lock := a.lockFor(c.UserID, c.Day)
	lock.Lock()
	defer lock.Unlock()

	return a.store.Apply(ctx, c)
}

// usdValue resolves the payment's USD amount, preferring the value quoted at
// checkout and falling back to a spot conversion
func (a *Aggregator) usdValue(ctx context.Context, payment *models.Payment) (float64, error) {
	if payment.AmountUSD > 0 {
		return payment.AmountUSD, nil
	}

	rate, err := a.rates.GetUSDRate(ctx, payment.Asset)
	if err != nil {
		return 0, err
	}
	return payment.ExpectedAmount * rate, nil
}

func (a *Aggregator) lockFor(userID string, day time.Time) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte(models.MetricDay(day).Format("2006-01-02")))
	return &a.locks[h.Sum32()%lockStripes]
}
