package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/payment-verifier/internal/circuitbreaker"
	"github.com/payment-verifier/internal/config"
	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/retry"
	"github.com/payment-verifier/internal/types"
)

// maxTransfersPerQuery caps a single alchemy_getAssetTransfers page.
// 0x64 = 100; newest-first ordering means the window covers recent inflows,
// which is all the matcher ever considers.
const maxTransfersPerQuery = "0x64"

// nativeCategories and tokenCategories are the provider-side transfer
// categories queried for each network
var (
	nativeCategories = []string{"external"}
	tokenCategories  = []string{"erc20"}
)

// networkClient holds the per-network RPC connection and its guards
type networkClient struct {
	rpc         *rpc.Client
	cfg         config.NetworkConfig
	breaker     *circuitbreaker.CircuitBreaker
	rateLimiter *rate.Limiter
}

// AlchemyClient implements TransferProvider against Alchemy-style JSON-RPC
// endpoints (alchemy_getAssetTransfers). Each configured network gets its own
// endpoint, circuit breaker and request rate limiter.
type AlchemyClient struct {
	networks map[types.NetworkID]*networkClient
	timeout  time.Duration
	logger   *logging.Logger
}

// AlchemyClientConfig holds configuration for creating an AlchemyClient
type AlchemyClientConfig struct {
	Networks config.NetworksConfig
	Timeout  time.Duration // per-request timeout, default 15s
	Logger   *logging.Logger
	// RequestsPerSecond limits outbound RPC calls per network. Default: 5.
	RequestsPerSecond float64
}

// NewAlchemyClient creates a transfer provider from the network configuration.
// Networks without an RPC URL are skipped and treated as unsupported.
func NewAlchemyClient(cfg *AlchemyClientConfig) (*AlchemyClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	networks := make(map[types.NetworkID]*networkClient)
	for name, netCfg := range cfg.Networks.Networks {
		if netCfg.RPCURL == "" {
			cfg.Logger.WithField("network", name).Warn("no RPC URL configured, network disabled for verification")
			continue
		}

		client, err := rpc.Dial(netCfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC endpoint for network %s: %w", name, err)
		}

		networks[types.NetworkID(name)] = &networkClient{
			rpc:         client,
			cfg:         netCfg,
			breaker:     circuitbreaker.New(circuitbreaker.DefaultConfig("provider:"+name), cfg.Logger),
			rateLimiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		}
	}

	return &AlchemyClient{
		networks: networks,
		timeout:  timeout,
		logger:   cfg.Logger,
	}, nil
}

// SupportsNetwork reports whether the provider has an endpoint for the network
func (c *AlchemyClient) SupportsNetwork(network types.NetworkID) bool {
	_, ok := c.networks[network]
	return ok
}

// Close releases all RPC connections
func (c *AlchemyClient) Close() {
	for _, nc := range c.networks {
		nc.rpc.Close()
	}
}

// GetInboundTransfers retrieves inbound transfers to the address on the
// network, merging native and token categories, sorted newest-first
func (c *AlchemyClient) GetInboundTransfers(ctx context.Context, network types.NetworkID, address string) ([]*types.TransferRecord, error) {
	nc, ok := c.networks[network]
	if !ok {
		return nil, apperrors.NewUnsupportedNetworkError(string(network))
	}
	if !ValidAddress(address) {
		return nil, apperrors.NewValidationError("address", fmt.Sprintf("not a valid hex address: %s", address))
	}

	native, err := c.fetchCategory(ctx, nc, network, address, nativeCategories)
	if err != nil {
		return nil, err
	}
	tokens, err := c.fetchCategory(ctx, nc, network, address, tokenCategories)
	if err != nil {
		return nil, err
	}

	merged := append(native, tokens...)
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		return merged[i].BlockNumber > merged[j].BlockNumber
	})

	c.logger.WithFields(map[string]interface{}{
		"network":   string(network),
		"address":   address,
		"transfers": len(merged),
	}).Debug("fetched inbound transfers")

	return merged, nil
}

// assetTransfersParams is the request payload for alchemy_getAssetTransfers
type assetTransfersParams struct {
	ToAddress    string   `json:"toAddress"`
	Category     []string `json:"category"`
	Order        string   `json:"order"`
	WithMetadata bool     `json:"withMetadata"`
	MaxCount     string   `json:"maxCount"`
}

// assetTransfersResult is the response payload from alchemy_getAssetTransfers
type assetTransfersResult struct {
	Transfers []assetTransfer `json:"transfers"`
}

type assetTransfer struct {
	BlockNum string   `json:"blockNum"`
	Hash     string   `json:"hash"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Value    *float64 `json:"value"`
	Asset    string   `json:"asset"`
	Category string   `json:"category"`
	Metadata struct {
		BlockTimestamp string `json:"blockTimestamp"`
	} `json:"metadata"`
}

// fetchCategory queries one transfer category with rate limiting, circuit
// breaking and backoff retry
func (c *AlchemyClient) fetchCategory(ctx context.Context, nc *networkClient, network types.NetworkID, address string, categories []string) ([]*types.TransferRecord, error) {
	params := &assetTransfersParams{
		ToAddress:    address,
		Category:     categories,
		Order:        "desc",
		WithMetadata: true,
		MaxCount:     maxTransfersPerQuery,
	}

	var result assetTransfersResult
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		if err := nc.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		return nc.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return nc.rpc.CallContext(callCtx, &result, "alchemy_getAssetTransfers", params)
		})
	})
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "deadline exceeded") {
			return nil, apperrors.NewProviderTimeoutError(string(network))
		}
		return nil, apperrors.NewProviderError(string(network), err)
	}

	records := make([]*types.TransferRecord, 0, len(result.Transfers))
	for _, t := range result.Transfers {
		record, err := normalizeTransfer(t, nc.cfg)
		if err != nil {
			c.logger.WithFields(map[string]interface{}{
				"network": string(network),
				"hash":    t.Hash,
				"error":   err.Error(),
			}).Warn("skipping malformed transfer record")
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// normalizeTransfer converts a raw provider transfer into a TransferRecord
func normalizeTransfer(t assetTransfer, netCfg config.NetworkConfig) (*types.TransferRecord, error) {
	if t.Value == nil {
		return nil, fmt.Errorf("transfer %s has no decoded value", t.Hash)
	}

	blockNum, err := parseHexUint(t.BlockNum)
	if err != nil {
		return nil, fmt.Errorf("invalid block number %q: %w", t.BlockNum, err)
	}

	timestamp, err := time.Parse(time.RFC3339, t.Metadata.BlockTimestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid block timestamp %q: %w", t.Metadata.BlockTimestamp, err)
	}

	category := types.CategoryToken
	asset := t.Asset
	if t.Category == "external" {
		category = types.CategoryNative
		if asset == "" {
			asset = netCfg.NativeAsset
		}
	}

	return &types.TransferRecord{
		Hash:        t.Hash,
		From:        strings.ToLower(t.From),
		To:          strings.ToLower(t.To),
		Asset:       asset,
		Value:       *t.Value,
		Category:    category,
		BlockNumber: blockNum,
		Timestamp:   timestamp.UTC(),
	}, nil
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
