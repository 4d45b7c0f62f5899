// Package types defines the shared domain types used across the payment
// verification engine.
package types

import (
	"fmt"
	"time"
)

// NetworkID identifies a supported blockchain network by its canonical name
type NetworkID string

const (
	NetworkEthereum NetworkID = "ethereum"
	NetworkPolygon  NetworkID = "polygon"
	NetworkArbitrum NetworkID = "arbitrum"
)

// SupportedNetworks is the verification allow-list. Payments on networks
// outside this list skip matching and go straight to the expiry check.
var SupportedNetworks = []NetworkID{
	NetworkEthereum,
	NetworkPolygon,
	NetworkArbitrum,
}

// IsSupportedNetwork reports whether a canonical network id is on the allow-list
func IsSupportedNetwork(network NetworkID) bool {
	for _, n := range SupportedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

// PaymentStatus represents the lifecycle state of a payment intent
type PaymentStatus string

const (
	// StatusPending means the payment is awaiting an on-chain transfer
	StatusPending PaymentStatus = "pending"
	// StatusCompleted means a satisfying transfer was found (terminal)
	StatusCompleted PaymentStatus = "completed"
	// StatusFailed means the payment expired or was rejected (terminal)
	StatusFailed PaymentStatus = "failed"
)

// IsTerminal reports whether the status is absorbing. Terminal payments are
// never mutated again by the engine.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TransferCategory distinguishes native-asset from token transfers as
// reported by the blockchain provider
type TransferCategory string

const (
	CategoryNative TransferCategory = "native"
	CategoryToken  TransferCategory = "token"
)

// TransferRecord is a candidate inbound on-chain transfer observed by the
// blockchain provider. Records are ephemeral: produced per query, consumed
// during matching, never persisted.
type TransferRecord struct {
	Hash        string           `json:"hash"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Asset       string           `json:"asset"`
	Value       float64          `json:"value"`
	Category    TransferCategory `json:"category"`
	BlockNumber uint64           `json:"blockNumber"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ServiceError represents a structured error surfaced by services and the
// operational API
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
