// Package engine implements the payment verification and expiration engine:
// one authoritative expiry-aware loop that reconciles pending payment intents
// against on-chain transfers and resolves each to a terminal state within a
// bounded time window.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/matcher"
	"github.com/payment-verifier/internal/models"
	"github.com/payment-verifier/internal/types"
)

// ExpiredReason is the failure reason recorded when a payment ages out with
// no matching transfer
const ExpiredReason = "expired - no transaction received within window"

// PaymentStore is the persistence contract the engine consumes. Mark
// operations must be atomic conditional transitions that report false when
// the payment was already terminal.
type PaymentStore interface {
	FindExpiredPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Payment, error)
	FindRecentPending(ctx context.Context, within time.Duration, limit int) ([]*models.Payment, error)
	MarkCompleted(ctx context.Context, id string, transactionHash string, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
}

// Matcher finds an on-chain transfer satisfying a payment's expectation
type Matcher interface {
	FindMatch(ctx context.Context, req *matcher.MatchRequest) (*types.TransferRecord, error)
}

// Recorder keeps daily rollups in lockstep with payment outcomes
type Recorder interface {
	RecordCompletion(ctx context.Context, payment *models.Payment) error
	RecordExpiry(ctx context.Context, payment *models.Payment) error
}

// AuditSink receives the per-payment resolution audit trail
type AuditSink interface {
	BatchInsert(ctx context.Context, events []*models.ResolutionEvent) error
}

// Config holds configuration for the verification engine
type Config struct {
	Payments PaymentStore
	Matcher  Matcher
	Recorder Recorder
	Audit    AuditSink // optional, nil disables the audit trail
	Stats    *StatsTracker
	Logger   *logging.Logger

	ExpiryWindow time.Duration // age at which an unmatched payment fails (default 10m)
	RecentWindow time.Duration // early-verification lookback (default = ExpiryWindow)
	TolerancePct float64       // amount tolerance (default 2%)
	Workers      int           // bounded per-cycle concurrency (default 4)
	BatchLimit   int           // max candidates per query per cycle (default 200)
}

// VerificationEngine runs one verification-and-expiration cycle at a time
type VerificationEngine struct {
	payments PaymentStore
	matcher  Matcher
	recorder Recorder
	audit    AuditSink
	stats    *StatsTracker
	logger   *logging.Logger

	expiryWindow time.Duration
	recentWindow time.Duration
	tolerancePct float64
	workers      int
	batchLimit   int
}

// NewVerificationEngine creates a verification engine
func NewVerificationEngine(cfg *Config) (*VerificationEngine, error) {
	if cfg.Payments == nil {
		return nil, fmt.Errorf("payment store cannot be nil")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if cfg.Stats == nil {
		return nil, fmt.Errorf("stats tracker cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	expiryWindow := cfg.ExpiryWindow
	if expiryWindow == 0 {
		expiryWindow = 10 * time.Minute
	}
	recentWindow := cfg.RecentWindow
	if recentWindow == 0 {
		recentWindow = expiryWindow
	}
	tolerance := cfg.TolerancePct
	if tolerance == 0 {
		tolerance = matcher.DefaultTolerancePct
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 200
	}

	return &VerificationEngine{
		payments:     cfg.Payments,
		matcher:      cfg.Matcher,
		recorder:     cfg.Recorder,
		audit:        cfg.Audit,
		stats:        cfg.Stats,
		logger:       cfg.Logger,
		expiryWindow: expiryWindow,
		recentWindow: recentWindow,
		tolerancePct: tolerance,
		workers:      workers,
		batchLimit:   batchLimit,
	}, nil
}

// Stats returns the engine's stats tracker
func (e *VerificationEngine) Stats() *StatsTracker {
	return e.stats
}

// cycleResult accumulates one cycle's outcome counters and audit events
type cycleResult struct {
	mu       sync.Mutex
	checked  int64
	verified int64
	expired  int64
	events   []*models.ResolutionEvent
}

func (r *cycleResult) record(event *models.ResolutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checked++
	switch event.Outcome {
	case models.OutcomeCompleted:
		r.verified++
	case models.OutcomeExpired:
		r.expired++
	}
	r.events = append(r.events, event)
}

// RunCycle executes one verification-and-expiration cycle: gather pending
// candidates, attempt a transfer match for each under a bounded worker pool,
// and apply terminal transitions with their metric contributions. A
// job-level error ends the cycle early; per-payment errors are recorded and
// never abort the batch.
func (e *VerificationEngine) RunCycle(ctx context.Context) error {
	runID := uuid.New().String()
	logger := e.logger.WithField("runId", runID)
	started := time.Now()

	e.stats.CycleStarted()

	candidates, err := e.gatherCandidates(ctx)
	if err != nil {
		e.stats.RecordError("gather", err)
		return err
	}

	result := &cycleResult{}
	if len(candidates) > 0 {
		e.processBatch(ctx, runID, candidates, result)
	}

	if e.audit != nil && len(result.events) > 0 {
		// Best-effort: an audit failure never fails the cycle
		if err := e.audit.BatchInsert(ctx, result.events); err != nil {
			logger.WithError(err).Warn("failed to write resolution audit trail")
		}
	}

	e.stats.CycleSucceeded(result.checked, result.verified, result.expired)

	logger.WithFields(map[string]interface{}{
		"checked":  result.checked,
		"verified": result.verified,
		"expired":  result.expired,
		"duration": time.Since(started).String(),
	}).Info("verification cycle finished")

	return nil
}

// gatherCandidates merges the expiry batch (pending past the window) with
// the early-verification batch (recently created), deduplicated by id so no
// payment is handed to more than one worker per cycle.
func (e *VerificationEngine) gatherCandidates(ctx context.Context) ([]*models.Payment, error) {
	expired, err := e.payments.FindExpiredPending(ctx, e.expiryWindow, e.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load expired pending payments: %w", err)
	}

	recent, err := e.payments.FindRecentPending(ctx, e.recentWindow, e.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent pending payments: %w", err)
	}

	seen := make(map[string]bool, len(expired)+len(recent))
	candidates := make([]*models.Payment, 0, len(expired)+len(recent))
	for _, payment := range append(expired, recent...) {
		if seen[payment.ID] {
			continue
		}
		seen[payment.ID] = true
		candidates = append(candidates, payment)
	}

	return candidates, nil
}

// processBatch fans candidates out to the worker pool and waits for all of
// them. Stop() never interrupts this; in-flight work finishes to preserve
// the exactly-once terminal transition.
func (e *VerificationEngine) processBatch(ctx context.Context, runID string, candidates []*models.Payment, result *cycleResult) {
	jobs := make(chan *models.Payment)
	var wg sync.WaitGroup

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payment := range jobs {
				event := e.resolvePayment(ctx, runID, payment)
				if event != nil {
					result.record(event)
				}
			}
		}()
	}

	for _, payment := range candidates {
		jobs <- payment
	}
	close(jobs)
	wg.Wait()
}

// resolvePayment runs the state machine for one payment:
//
//	pending -> completed  when a qualifying transfer is found
//	pending -> failed     when the payment aged past the expiry window
//	pending -> pending    otherwise (retried next cycle)
//
// Unsupported networks skip matching and go straight to the expiry check.
// A matching error is recorded and still falls through to the expiry check,
// so a flaky provider cannot strand a payment in pending forever.
func (e *VerificationEngine) resolvePayment(ctx context.Context, runID string, payment *models.Payment) *models.ResolutionEvent {
	logger := e.logger.WithFields(map[string]interface{}{
		"runId":     runID,
		"paymentId": payment.ID,
	})

	if payment.IsTerminal() {
		// Terminal records are never mutated again; re-runs no-op
		return nil
	}

	now := time.Now().UTC()
	var matchErr error
	var transfer *types.TransferRecord

	req := &matcher.MatchRequest{
		Network:        payment.Network,
		WalletAddress:  payment.WalletAddress,
		ExpectedAmount: payment.ExpectedAmount,
		ExpectedAsset:  payment.Asset,
		CreatedAt:      payment.CreatedAt,
		TolerancePct:   e.tolerancePct,
	}

	transfer, matchErr = e.matcher.FindMatch(ctx, req)
	if matchErr != nil {
		if apperrors.IsUnsupportedNetwork(matchErr) {
			logger.WithField("network", payment.Network).Debug("network not supported, applying expiry check only")
		} else {
			logger.WithError(matchErr).Warn("transfer matching failed")
			e.stats.RecordError("match", matchErr)
		}
	}

	if transfer != nil {
		return e.completePayment(ctx, runID, payment, transfer, now, logger)
	}

	// No match; the expiry check runs even after a matcher error as a
	// safety net against a permanently flaky provider.
	if payment.Age(now) >= e.expiryWindow {
		return e.expirePayment(ctx, runID, payment, now, logger)
	}

	detail := "no matching transfer yet"
	outcome := models.OutcomePending
	if matchErr != nil && !apperrors.IsUnsupportedNetwork(matchErr) {
		detail = matchErr.Error()
		outcome = models.OutcomeError
	}

	return e.auditEvent(runID, payment, outcome, "", detail, now)
}

func (e *VerificationEngine) completePayment(ctx context.Context, runID string, payment *models.Payment, transfer *types.TransferRecord, now time.Time, logger *logging.Logger) *models.ResolutionEvent {
	ok, err := e.payments.MarkCompleted(ctx, payment.ID, transfer.Hash, transfer.Timestamp)
	if err != nil {
		// Transition not acknowledged; payment stays pending and the
		// idempotent update makes the retry safe next cycle.
		logger.WithError(err).Error("failed to persist completed transition")
		e.stats.RecordError("complete", err)
		return e.auditEvent(runID, payment, models.OutcomeError, transfer.Hash, err.Error(), now)
	}
	if !ok {
		logger.Debug("payment already terminal, completion skipped")
		return nil
	}

	payment.Status = types.StatusCompleted
	payment.TransactionHash = &transfer.Hash
	completedAt := transfer.Timestamp
	payment.CompletedAt = &completedAt

	// Metrics update only after the repository acknowledged the write, so a
	// failed transition is never counted.
	if err := e.recorder.RecordCompletion(ctx, payment); err != nil {
		logger.WithError(err).Error("failed to record completion metrics")
		e.stats.RecordError("metrics", err)
	}

	logger.WithFields(map[string]interface{}{
		"transactionHash": transfer.Hash,
		"asset":           transfer.Asset,
		"value":           transfer.Value,
	}).Info("payment completed")

	return e.auditEvent(runID, payment, models.OutcomeCompleted, transfer.Hash, "", now)
}

func (e *VerificationEngine) expirePayment(ctx context.Context, runID string, payment *models.Payment, now time.Time, logger *logging.Logger) *models.ResolutionEvent {
	ok, err := e.payments.MarkFailed(ctx, payment.ID, ExpiredReason)
	if err != nil {
		logger.WithError(err).Error("failed to persist failed transition")
		e.stats.RecordError("expire", err)
		return e.auditEvent(runID, payment, models.OutcomeError, "", err.Error(), now)
	}
	if !ok {
		logger.Debug("payment already terminal, expiry skipped")
		return nil
	}

	payment.Status = types.StatusFailed
	reason := ExpiredReason
	payment.FailureReason = &reason

	if err := e.recorder.RecordExpiry(ctx, payment); err != nil {
		logger.WithError(err).Error("failed to record expiry metrics")
		e.stats.RecordError("metrics", err)
	}

	logger.WithField("age", payment.Age(now).String()).Info("payment expired")

	return e.auditEvent(runID, payment, models.OutcomeExpired, "", ExpiredReason, now)
}

func (e *VerificationEngine) auditEvent(runID string, payment *models.Payment, outcome models.ResolutionOutcome, txHash, detail string, now time.Time) *models.ResolutionEvent {
	return &models.ResolutionEvent{
		EventID:         uuid.New().String(),
		RunID:           runID,
		PaymentID:       payment.ID,
		UserID:          payment.UserID,
		Network:         payment.Network,
		Asset:           payment.Asset,
		ExpectedAmount:  payment.ExpectedAmount,
		Outcome:         outcome,
		TransactionHash: txHash,
		Detail:          detail,
		PaymentAgeMs:    payment.Age(now).Milliseconds(),
		OccurredAt:      now,
	}
}
