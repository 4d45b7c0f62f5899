package models

import (
	"time"

	"github.com/payment-verifier/internal/types"
)

// Payment represents a payment intent awaiting an on-chain transfer.
// Intent fields are written once by the checkout flow; the engine only
// mutates the resolution fields, and only on the pending -> terminal edge.
type Payment struct {
	ID              string              `json:"id"`
	UserID          string              `json:"userId"`
	ExpectedAmount  float64             `json:"expectedAmount"`
	AmountUSD       float64             `json:"amountUsd"`
	Asset           string              `json:"asset"`
	Network         string              `json:"network"`
	WalletAddress   string              `json:"walletAddress"`
	Status          types.PaymentStatus `json:"status"`
	TransactionHash *string             `json:"transactionHash,omitempty"`
	FailureReason   *string             `json:"failureReason,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Age returns how long the payment has been waiting, relative to now
func (p *Payment) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// IsTerminal reports whether the payment has reached an absorbing state
func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}
