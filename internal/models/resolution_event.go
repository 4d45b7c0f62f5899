package models

import "time"

// ResolutionOutcome describes what a verification cycle decided for a payment
type ResolutionOutcome string

const (
	// OutcomeCompleted means a satisfying transfer was found
	OutcomeCompleted ResolutionOutcome = "completed"
	// OutcomeExpired means the payment aged out with no matching transfer
	OutcomeExpired ResolutionOutcome = "expired"
	// OutcomePending means no match yet, payment left for the next cycle
	OutcomePending ResolutionOutcome = "pending"
	// OutcomeError means matching failed for this payment this cycle
	OutcomeError ResolutionOutcome = "error"
)

// ResolutionEvent is one row of the audit trail written to ClickHouse for
// every payment evaluated by a verification cycle. Audit writes are
// best-effort and never block a resolution.
type ResolutionEvent struct {
	EventID         string            `json:"eventId"`
	RunID           string            `json:"runId"`
	PaymentID       string            `json:"paymentId"`
	UserID          string            `json:"userId"`
	Network         string            `json:"network"`
	Asset           string            `json:"asset"`
	ExpectedAmount  float64           `json:"expectedAmount"`
	Outcome         ResolutionOutcome `json:"outcome"`
	TransactionHash string            `json:"transactionHash"`
	Detail          string            `json:"detail"`
	PaymentAgeMs    int64             `json:"paymentAgeMs"`
	OccurredAt      time.Time         `json:"occurredAt"`
}
