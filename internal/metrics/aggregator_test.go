package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/models"
	"github.com/payment-verifier/internal/storage"
	"github.com/payment-verifier/internal/types"
)

// memoryMetricStore folds contributions into an in-memory rollup the way the
// Postgres upsert does
type memoryMetricStore struct {
	mu      sync.Mutex
	rollups map[string]*models.DailyMetric
	applied int
}

func newMemoryMetricStore() *memoryMetricStore {
	return &memoryMetricStore{rollups: make(map[string]*models.DailyMetric)}
}

func (s *memoryMetricStore) Apply(ctx context.Context, c *storage.MetricContribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied++
	day := models.MetricDay(c.Day)
	key := fmt.Sprintf("%s:%s", c.UserID, day.Format("2006-01-02"))

	metric, ok := s.rollups[key]
	if !ok {
		metric = &models.DailyMetric{
			UserID:         c.UserID,
			Date:           day,
			AssetVolumeUSD: make(map[string]float64),
		}
		s.rollups[key] = metric
	}

	metric.TotalSalesUSD += c.SalesUSD
	metric.TxCount++
	metric.CompletedCount += c.CompletedDelta
	metric.FailedCount += c.FailedDelta
	if c.Asset != "" {
		metric.AssetVolumeUSD[c.Asset] += c.AssetUSD
	}
	return nil
}

func (s *memoryMetricStore) get(userID string, day time.Time) *models.DailyMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollups[fmt.Sprintf("%s:%s", userID, models.MetricDay(day).Format("2006-01-02"))]
}

type staticRates struct {
	rates map[string]float64
}

func (r *staticRates) GetUSDRate(ctx context.Context, symbol string) (float64, error) {
	rate, ok := r.rates[symbol]
	if !ok {
		return 0, fmt.Errorf("no rate for %s", symbol)
	}
	return rate, nil
}

func completedPayment(id, userID, asset string, amount, amountUSD float64, completedAt time.Time) *models.Payment {
	hash := "0x" + id
	return &models.Payment{
		ID:              id,
		UserID:          userID,
		ExpectedAmount:  amount,
		AmountUSD:       amountUSD,
		Asset:           asset,
		Status:          types.StatusCompleted,
		TransactionHash: &hash,
		CompletedAt:     &completedAt,
		CreatedAt:       completedAt.Add(-5 * time.Minute),
	}
}

func newTestAggregator(store MetricStore, rates map[string]float64) *Aggregator {
	return NewAggregator(store, &staticRates{rates: rates},
		logging.NewLogger(logging.LevelError, logging.FormatText))
}

func TestRecordCompletion_QuotedUSDPreferred(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)
	completedAt := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	payment := completedPayment("pay-1", "user-1", "USDT", 100, 99.8, completedAt)
	require.NoError(t, agg.RecordCompletion(context.Background(), payment))

	metric := store.get("user-1", completedAt)
	require.NotNil(t, metric)
	assert.Equal(t, 99.8, metric.TotalSalesUSD)
	assert.Equal(t, int64(1), metric.TxCount)
	assert.Equal(t, int64(1), metric.CompletedCount)
	assert.Equal(t, int64(0), metric.FailedCount)
	assert.Equal(t, 99.8, metric.AssetVolumeUSD["USDT"])
}

func TestRecordCompletion_SpotConversionFallback(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, map[string]float64{"ETH": 3000})
	completedAt := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	payment := completedPayment("pay-2", "user-1", "ETH", 0.05, 0, completedAt)
	require.NoError(t, agg.RecordCompletion(context.Background(), payment))

	metric := store.get("user-1", completedAt)
	require.NotNil(t, metric)
	assert.InDelta(t, 150.0, metric.TotalSalesUSD, 1e-9)
	assert.InDelta(t, 150.0, metric.AssetVolumeUSD["ETH"], 1e-9)
}

func TestRecordCompletion_AssetAliasFoldedIntoOneBucket(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)
	completedAt := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	require.NoError(t, agg.RecordCompletion(context.Background(),
		completedPayment("pay-3", "user-1", "MATIC", 200, 100, completedAt)))
	require.NoError(t, agg.RecordCompletion(context.Background(),
		completedPayment("pay-4", "user-1", "POL", 200, 100, completedAt)))

	metric := store.get("user-1", completedAt)
	require.NotNil(t, metric)
	assert.Equal(t, 200.0, metric.AssetVolumeUSD["POL"])
	assert.NotContains(t, metric.AssetVolumeUSD, "MATIC")
}

func TestRecordCompletion_RateFailurePropagates(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)

	payment := completedPayment("pay-5", "user-1", "XYZ", 10, 0, time.Now().UTC())
	err := agg.RecordCompletion(context.Background(), payment)
	require.Error(t, err)
	assert.Equal(t, 0, store.applied, "pricing failure must not write a partial rollup")
}

func TestRecordExpiry_CountsWithoutVolume(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)

	payment := &models.Payment{
		ID:     "pay-6",
		UserID: "user-2",
		Asset:  "USDT",
		Status: types.StatusFailed,
	}
	require.NoError(t, agg.RecordExpiry(context.Background(), payment))

	metric := store.get("user-2", time.Now().UTC())
	require.NotNil(t, metric)
	assert.Equal(t, 0.0, metric.TotalSalesUSD)
	assert.Equal(t, int64(1), metric.TxCount)
	assert.Equal(t, int64(0), metric.CompletedCount)
	assert.Equal(t, int64(1), metric.FailedCount)
	assert.Empty(t, metric.AssetVolumeUSD)
}

func TestRecordCompletion_ConcurrentSameUserDay(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)
	completedAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payment := completedPayment(fmt.Sprintf("pay-%d", i), "user-hot", "USDT", 10, 10, completedAt)
			if err := agg.RecordCompletion(context.Background(), payment); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	metric := store.get("user-hot", completedAt)
	require.NotNil(t, metric)
	assert.InDelta(t, float64(n*10), metric.TotalSalesUSD, 1e-9)
	assert.Equal(t, int64(n), metric.CompletedCount)
	assert.Equal(t, int64(n), metric.TxCount)
}

func TestLockFor_SameUserDaySharesOneLock(t *testing.T) {
	agg := newTestAggregator(newMemoryMetricStore(), nil)
	day := time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)

	// Any hour inside the same UTC day resolves to the same stripe
	first := agg.lockFor("user-1", day)
	second := agg.lockFor("user-1", day.Add(19*time.Hour))
	if first != second {
		t.Error("same (user, day) must serialize on one lock")
	}

	// The lock table is fixed-size; arbitrary key volume stays inside it
	for i := 0; i < 10*lockStripes; i++ {
		lock := agg.lockFor(fmt.Sprintf("user-%d", i), day.AddDate(0, 0, i))
		found := false
		for s := range agg.locks {
			if lock == &agg.locks[s] {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("lockFor returned a lock outside the stripe table for key %d", i)
		}
	}
}

func TestRecordCompletion_CompletionDayOwnsTheRollup(t *testing.T) {
	store := newMemoryMetricStore()
	agg := newTestAggregator(store, nil)

	// Created one day, completed the next: the completion day gets the sale
	completedAt := time.Date(2026, 3, 6, 0, 2, 0, 0, time.UTC)
	payment := completedPayment("pay-7", "user-3", "USDT", 50, 50, completedAt)
	payment.CreatedAt = time.Date(2026, 3, 5, 23, 55, 0, 0, time.UTC)

	require.NoError(t, agg.RecordCompletion(context.Background(), payment))

	assert.Nil(t, store.get("user-3", payment.CreatedAt))
	require.NotNil(t, store.get("user-3", completedAt))
}
