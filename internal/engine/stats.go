package engine

import (
	"sync"
	"time"
)

// JobError is one captured cycle error, kept in a bounded most-recent-N list
type JobError struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// JobStats is a point-in-time snapshot of the engine's operational counters.
// Stats are process-local and reset on restart.
type JobStats struct {
	Runs             int64      `json:"runs"`
	SkippedRuns      int64      `json:"skippedRuns"`
	PaymentsChecked  int64      `json:"paymentsChecked"`
	PaymentsVerified int64      `json:"paymentsVerified"`
	PaymentsExpired  int64      `json:"paymentsExpired"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	RecentErrors     []JobError `json:"recentErrors"`
}

// StatsTracker owns the engine's operational counters. It replaces a global
// mutable stats object: the tracker is created once, handed to the engine
// and scheduler, and read through immutable snapshots.
type StatsTracker struct {
	mu        sync.Mutex
	stats     JobStats
	maxErrors int
}

// NewStatsTracker creates a stats tracker keeping at most maxErrors recent
// errors (default 50)
func NewStatsTracker(maxErrors int) *StatsTracker {
	if maxErrors <= 0 {
		maxErrors = 50
	}
	return &StatsTracker{maxErrors: maxErrors}
}

// CycleStarted records the start of a verification cycle
func (t *StatsTracker) CycleStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.stats.Runs++
	t.stats.LastRunAt = &now
}

// CycleSucceeded records a cycle that completed without a job-level error
func (t *StatsTracker) CycleSucceeded(checked, verified, expired int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.stats.PaymentsChecked += checked
	t.stats.PaymentsVerified += verified
	t.stats.PaymentsExpired += expired
	t.stats.LastSuccessAt = &now
}

// CycleSkipped records a tick that was dropped because the previous cycle
// was still running
func (t *StatsTracker) CycleSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.SkippedRuns++
}

// RecordError appends an error to the bounded recent-errors list
func (t *StatsTracker) RecordError(stage string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.RecentErrors = append(t.stats.RecentErrors, JobError{
		At:      time.Now().UTC(),
		Stage:   stage,
		Message: err.Error(),
	})
	if len(t.stats.RecentErrors) > t.maxErrors {
		t.stats.RecentErrors = t.stats.RecentErrors[len(t.stats.RecentErrors)-t.maxErrors:]
	}
}

// Snapshot returns a copy of the current stats
func (t *StatsTracker) Snapshot() JobStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.stats
	snapshot.RecentErrors = make([]JobError, len(t.stats.RecentErrors))
	copy(snapshot.RecentErrors, t.stats.RecentErrors)
	if t.stats.LastRunAt != nil {
		lastRun := *t.stats.LastRunAt
		snapshot.LastRunAt = &lastRun
	}
	if t.stats.LastSuccessAt != nil {
		lastSuccess := *t.stats.LastSuccessAt
		snapshot.LastSuccessAt = &lastSuccess
	}
	return snapshot
}
