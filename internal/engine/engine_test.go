package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/matcher"
	"github.com/payment-verifier/internal/models"
	"github.com/payment-verifier/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	expired []*models.Payment
	recent  []*models.Payment

	completeOK  bool
	completeErr error
	failOK      bool
	failErr     error
	findErr     error

	completed map[string]string // payment id -> transaction hash
	failed    map[string]string // payment id -> failure reason
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		completeOK: true,
		failOK:     true,
		completed:  make(map[string]string),
		failed:     make(map[string]string),
	}
}

func (s *fakeStore) FindExpiredPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Payment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.expired, nil
}

func (s *fakeStore) FindRecentPending(ctx context.Context, within time.Duration, limit int) ([]*models.Payment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.recent, nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, id string, transactionHash string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return false, s.completeErr
	}
	if !s.completeOK {
		return false, nil
	}
	s.completed[id] = transactionHash
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	if !s.failOK {
		return false, nil
	}
	s.failed[id] = reason
	return true, nil
}

type fakeMatcher struct {
	mu    sync.Mutex
	calls int
	match func(req *matcher.MatchRequest) (*types.TransferRecord, error)
}

func (m *fakeMatcher) FindMatch(ctx context.Context, req *matcher.MatchRequest) (*types.TransferRecord, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.match == nil {
		return nil, nil
	}
	return m.match(req)
}

type fakeRecorder struct {
	mu          sync.Mutex
	completions []*models.Payment
	expiries    []*models.Payment
}

func (r *fakeRecorder) RecordCompletion(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, payment)
	return nil
}

func (r *fakeRecorder) RecordExpiry(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiries = append(r.expiries, payment)
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*models.ResolutionEvent
}

func (a *fakeAudit) BatchInsert(ctx context.Context, events []*models.ResolutionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

func pendingPayment(id string, age time.Duration) *models.Payment {
	createdAt := time.Now().UTC().Add(-age)
	return &models.Payment{
		ID:             id,
		UserID:         "user-1",
		ExpectedAmount: 100,
		AmountUSD:      100,
		Asset:          "USDT",
		Network:        "polygon",
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		Status:         types.StatusPending,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func newTestEngine(t *testing.T, store *fakeStore, m *fakeMatcher, recorder *fakeRecorder, audit *fakeAudit) *VerificationEngine {
	t.Helper()

	cfg := &Config{
		Payments:     store,
		Matcher:      m,
		Recorder:     recorder,
		Stats:        NewStatsTracker(10),
		Logger:       logging.NewLogger(logging.LevelError, logging.FormatText),
		ExpiryWindow: 10 * time.Minute,
	}
	if audit != nil {
		cfg.Audit = audit
	}

	eng, err := NewVerificationEngine(cfg)
	require.NoError(t, err)
	return eng
}

func TestNewVerificationEngine_Validation(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	store := newFakeStore()
	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	stats := NewStatsTracker(10)

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil payments", &Config{Matcher: m, Recorder: recorder, Stats: stats, Logger: logger}},
		{"nil matcher", &Config{Payments: store, Recorder: recorder, Stats: stats, Logger: logger}},
		{"nil recorder", &Config{Payments: store, Matcher: m, Stats: stats, Logger: logger}},
		{"nil stats", &Config{Payments: store, Matcher: m, Recorder: recorder, Logger: logger}},
		{"nil logger", &Config{Payments: store, Matcher: m, Recorder: recorder, Stats: stats}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerificationEngine(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRunCycle_CompletesMatchedPayment(t *testing.T) {
	store := newFakeStore()
	store.recent = []*models.Payment{pendingPayment("pay-1", 3*time.Minute)}

	transfer := &types.TransferRecord{
		Hash:      "0xabc",
		Asset:     "USDT",
		Value:     99.5,
		Timestamp: time.Now().UTC(),
	}
	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		return transfer, nil
	}}
	recorder := &fakeRecorder{}
	audit := &fakeAudit{}
	eng := newTestEngine(t, store, m, recorder, audit)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, "0xabc", store.completed["pay-1"])
	require.Len(t, recorder.completions, 1)
	assert.Equal(t, types.StatusCompleted, recorder.completions[0].Status)
	require.NotNil(t, recorder.completions[0].TransactionHash)
	assert.Equal(t, "0xabc", *recorder.completions[0].TransactionHash)
	require.NotNil(t, recorder.completions[0].CompletedAt)
	assert.Equal(t, transfer.Timestamp, *recorder.completions[0].CompletedAt)

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.PaymentsChecked)
	assert.Equal(t, int64(1), stats.PaymentsVerified)
	assert.Equal(t, int64(0), stats.PaymentsExpired)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.OutcomeCompleted, audit.events[0].Outcome)
	assert.Equal(t, "0xabc", audit.events[0].TransactionHash)
}

func TestRunCycle_ExpiresAgedPayment(t *testing.T) {
	store := newFakeStore()
	store.expired = []*models.Payment{pendingPayment("pay-old", 15*time.Minute)}

	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	audit := &fakeAudit{}
	eng := newTestEngine(t, store, m, recorder, audit)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, ExpiredReason, store.failed["pay-old"])
	require.Len(t, recorder.expiries, 1)
	assert.Equal(t, types.StatusFailed, recorder.expiries[0].Status)
	assert.Empty(t, recorder.completions)

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(1), stats.PaymentsExpired)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.OutcomeExpired, audit.events[0].Outcome)
}

func TestRunCycle_YoungUnmatchedStaysPending(t *testing.T) {
	store := newFakeStore()
	store.recent = []*models.Payment{pendingPayment("pay-young", 3*time.Minute)}

	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	audit := &fakeAudit{}
	eng := newTestEngine(t, store, m, recorder, audit)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.Empty(t, recorder.completions)
	assert.Empty(t, recorder.expiries)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.OutcomePending, audit.events[0].Outcome)
}

func TestRunCycle_TerminalPaymentIsNoOp(t *testing.T) {
	store := newFakeStore()
	done := pendingPayment("pay-done", 20*time.Minute)
	done.Status = types.StatusCompleted
	store.expired = []*models.Payment{done}

	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, 0, m.calls, "terminal payments must not reach the matcher")
	assert.Empty(t, store.failed)
	assert.Empty(t, recorder.expiries)

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(0), stats.PaymentsChecked)
}

func TestRunCycle_LostRaceSkipsMetrics(t *testing.T) {
	store := newFakeStore()
	store.completeOK = false
	store.recent = []*models.Payment{pendingPayment("pay-race", 3*time.Minute)}

	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		return &types.TransferRecord{Hash: "0xabc", Asset: "USDT", Value: 100, Timestamp: time.Now().UTC()}, nil
	}}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	// The conditional update reported no transition, so the metrics side
	// must not be touched.
	assert.Empty(t, recorder.completions)

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(0), stats.PaymentsVerified)
}

func TestRunCycle_MatcherErrorLeavesYoungPaymentPending(t *testing.T) {
	store := newFakeStore()
	store.recent = []*models.Payment{pendingPayment("pay-flaky", 3*time.Minute)}

	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		return nil, apperrors.NewProviderTimeoutError("polygon")
	}}
	recorder := &fakeRecorder{}
	audit := &fakeAudit{}
	eng := newTestEngine(t, store, m, recorder, audit)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)

	stats := eng.Stats().Snapshot()
	require.NotEmpty(t, stats.RecentErrors)
	assert.Equal(t, "match", stats.RecentErrors[0].Stage)

	require.Len(t, audit.events, 1)
	assert.Equal(t, models.OutcomeError, audit.events[0].Outcome)
}

func TestRunCycle_MatcherErrorStillExpiresAgedPayment(t *testing.T) {
	store := newFakeStore()
	store.expired = []*models.Payment{pendingPayment("pay-stuck", 30*time.Minute)}

	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		return nil, apperrors.NewProviderTimeoutError("polygon")
	}}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	// A permanently flaky provider must not strand aged payments in pending.
	assert.Equal(t, ExpiredReason, store.failed["pay-stuck"])
	require.Len(t, recorder.expiries, 1)
}

func TestRunCycle_UnsupportedNetworkExpiresWithoutErrorNoise(t *testing.T) {
	store := newFakeStore()
	old := pendingPayment("pay-sol", 15*time.Minute)
	old.Network = "solana"
	young := pendingPayment("pay-sol-young", 2*time.Minute)
	young.Network = "solana"
	store.expired = []*models.Payment{old}
	store.recent = []*models.Payment{young}

	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		return nil, apperrors.NewUnsupportedNetworkError(req.Network)
	}}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, ExpiredReason, store.failed["pay-sol"])
	assert.NotContains(t, store.failed, "pay-sol-young")

	stats := eng.Stats().Snapshot()
	assert.Empty(t, stats.RecentErrors, "unsupported network is not an operational error")
}

func TestRunCycle_DeduplicatesCandidates(t *testing.T) {
	store := newFakeStore()
	shared := pendingPayment("pay-both", 12*time.Minute)
	store.expired = []*models.Payment{shared}
	store.recent = []*models.Payment{shared}

	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, 1, m.calls, "payment in both batches must be processed once")

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(1), stats.PaymentsChecked)
}

func TestRunCycle_GatherFailureAbortsCycle(t *testing.T) {
	store := newFakeStore()
	store.findErr = fmt.Errorf("connection refused")

	m := &fakeMatcher{}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	err := eng.RunCycle(context.Background())
	require.Error(t, err)

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Nil(t, stats.LastSuccessAt)
	require.NotEmpty(t, stats.RecentErrors)
	assert.Equal(t, "gather", stats.RecentErrors[0].Stage)
}

func TestRunCycle_MixedBatch(t *testing.T) {
	store := newFakeStore()
	store.expired = []*models.Payment{pendingPayment("pay-exp", 20*time.Minute)}
	store.recent = []*models.Payment{
		pendingPayment("pay-hit", 3*time.Minute),
		pendingPayment("pay-wait", 4*time.Minute),
	}

	m := &fakeMatcher{match: func(req *matcher.MatchRequest) (*types.TransferRecord, error) {
		// Only the payment created most recently gets a transfer
		if req.CreatedAt.After(time.Now().UTC().Add(-210 * time.Second)) {
			return &types.TransferRecord{Hash: "0xhit", Asset: "USDT", Value: 100, Timestamp: time.Now().UTC()}, nil
		}
		return nil, nil
	}}
	recorder := &fakeRecorder{}
	eng := newTestEngine(t, store, m, recorder, nil)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.Equal(t, "0xhit", store.completed["pay-hit"])
	assert.Equal(t, ExpiredReason, store.failed["pay-exp"])
	assert.NotContains(t, store.failed, "pay-wait")
	assert.NotContains(t, store.completed, "pay-wait")

	stats := eng.Stats().Snapshot()
	assert.Equal(t, int64(3), stats.PaymentsChecked)
	assert.Equal(t, int64(1), stats.PaymentsVerified)
	assert.Equal(t, int64(1), stats.PaymentsExpired)
}
