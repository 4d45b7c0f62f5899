// Package provider implements clients for the external blockchain data
// provider that reports inbound transfers to a wallet address.
package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/payment-verifier/internal/types"
)

// TransferProvider fetches inbound on-chain transfers for an address on a
// given network. Implementations must merge native and token transfer
// categories and return the result sorted newest-first.
type TransferProvider interface {
	// GetInboundTransfers retrieves all inbound transfers to the address,
	// covering both native-asset and token-asset categories, newest-first.
	// Returns an unsupported-network error if the network has no configured
	// endpoint.
	GetInboundTransfers(ctx context.Context, network types.NetworkID, address string) ([]*types.TransferRecord, error)

	// SupportsNetwork reports whether the provider has an endpoint for the
	// network.
	SupportsNetwork(network types.NetworkID) bool

	// Close releases underlying connections.
	Close()
}

// ValidAddress checks whether the destination wallet address is a valid
// EVM hex address
func ValidAddress(address string) bool {
	return common.IsHexAddress(address)
}
