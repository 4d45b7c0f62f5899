package matcher

import (
	"strings"

	"github.com/payment-verifier/internal/types"
)

// networkAliases maps the network identifiers that appear on payment intents
// to the provider's canonical network names. Lookup is case-insensitive.
var networkAliases = map[string]types.NetworkID{
	"ethereum":     types.NetworkEthereum,
	"eth":          types.NetworkEthereum,
	"eth-mainnet":  types.NetworkEthereum,
	"mainnet":      types.NetworkEthereum,
	"polygon":      types.NetworkPolygon,
	"matic":        types.NetworkPolygon,
	"pol":          types.NetworkPolygon,
	"arbitrum":     types.NetworkArbitrum,
	"arb":          types.NetworkArbitrum,
	"arbitrum-one": types.NetworkArbitrum,
}

// CanonicalNetwork normalizes a network identifier from a payment intent to
// the provider's canonical name. The second return value is false when the
// network is not on the verification allow-list.
func CanonicalNetwork(raw string) (types.NetworkID, bool) {
	network, ok := networkAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", false
	}
	return network, types.IsSupportedNetwork(network)
}

// assetAliases maps equivalent asset tickers onto one normalized symbol.
// MATIC was rebranded to POL; wrapped native assets count as the native
// asset for matching purposes.
var assetAliases = map[string]string{
	"MATIC":  "POL",
	"WETH":   "ETH",
	"WPOL":   "POL",
	"WMATIC": "POL",
}

// NormalizeAsset uppercases an asset symbol and resolves known aliases
func NormalizeAsset(symbol string) string {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if alias, ok := assetAliases[normalized]; ok {
		return alias
	}
	return normalized
}
