// Package matcher decides whether a real on-chain transfer satisfies a
// pending payment's expectation of amount, asset, destination and time.
package matcher

import (
	"context"
	"time"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/provider"
	"github.com/payment-verifier/internal/types"
)

// DefaultTolerancePct is the default allowed deviation between expected and
// observed transfer value. Network fees and rounding in the upstream
// price-to-crypto conversion shift the received amount slightly from the
// quoted amount.
const DefaultTolerancePct = 2.0

// MatchRequest describes the expectation a transfer must satisfy
type MatchRequest struct {
	Network        string  // network identifier as stored on the payment (pre-canonicalization)
	WalletAddress  string  // destination wallet
	ExpectedAmount float64 // expected crypto quantity
	ExpectedAsset  string  // expected asset symbol (pre-normalization)
	CreatedAt      time.Time
	TolerancePct   float64 // 0 means DefaultTolerancePct
}

// TransferMatcher evaluates candidate transfers against payment expectations
type TransferMatcher struct {
	provider provider.TransferProvider
	logger   *logging.Logger
}

// NewTransferMatcher creates a transfer matcher backed by the given provider
func NewTransferMatcher(p provider.TransferProvider, logger *logging.Logger) *TransferMatcher {
	return &TransferMatcher{
		provider: p,
		logger:   logger,
	}
}

// FindMatch returns the first (newest) transfer satisfying the request, or
// (nil, nil) when no qualifying transfer exists. An unsupported-network
// error short-circuits before any provider call.
//
// When several transfers qualify the newest wins; the ambiguity is logged so
// operators can audit near-simultaneous inflows rather than the engine
// silently guessing.
func (m *TransferMatcher) FindMatch(ctx context.Context, req *MatchRequest) (*types.TransferRecord, error) {
	network, ok := CanonicalNetwork(req.Network)
	if !ok || !m.provider.SupportsNetwork(network) {
		return nil, apperrors.NewUnsupportedNetworkError(req.Network)
	}

	transfers, err := m.provider.GetInboundTransfers(ctx, network, req.WalletAddress)
	if err != nil {
		return nil, err
	}

	tolerance := req.TolerancePct
	if tolerance == 0 {
		tolerance = DefaultTolerancePct
	}
	expectedAsset := NormalizeAsset(req.ExpectedAsset)

	var match *types.TransferRecord
	qualifying := 0
	for _, transfer := range transfers {
		if !m.qualifies(transfer, req, expectedAsset, tolerance) {
			continue
		}
		qualifying++
		if match == nil {
			// List is newest-first, so the first hit is the newest
			match = transfer
		}
	}

	if qualifying > 1 {
		m.logger.WithFields(map[string]interface{}{
			"network":    string(network),
			"wallet":     req.WalletAddress,
			"asset":      expectedAsset,
			"qualifying": qualifying,
			"chosenHash": match.Hash,
		}).Warn("multiple transfers qualify for one payment, newest selected")
	}

	return match, nil
}

// qualifies applies the time-floor, asset and tolerance checks to one transfer
func (m *TransferMatcher) qualifies(transfer *types.TransferRecord, req *MatchRequest, expectedAsset string, tolerance float64) bool {
	// Transfers before the payment was created are never candidates; this
	// prevents matching unrelated historical inflows to the same wallet.
	if transfer.Timestamp.Before(req.CreatedAt) {
		return false
	}
	if NormalizeAsset(transfer.Asset) != expectedAsset {
		return false
	}
	return WithinTolerance(req.ExpectedAmount, transfer.Value, tolerance)
}

// WithinTolerance reports whether actual falls inside
// [expected*(1-t/100), expected*(1+t/100)]
func WithinTolerance(expected, actual, tolerancePct float64) bool {
	if expected <= 0 {
		return false
	}
	delta := expected * tolerancePct / 100
	return actual >= expected-delta && actual <= expected+delta
}
