// Package pricing supplies USD conversion rates for crypto assets, with
// Redis caching, a short TTL and a static fallback table.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/payment-verifier/internal/errors"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/storage"
)

// RateSource supplies the latest USD spot price for an asset symbol
type RateSource interface {
	GetUSDRate(ctx context.Context, symbol string) (float64, error)
}

// stablecoins are pinned at 1.0 USD with no network call
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
	"TUSD": true,
}

// fallbackRates is used when both the cache and the live endpoint fail.
// Deliberately coarse: a stale-but-sane rate beats an unresolvable payment.
var fallbackRates = map[string]float64{
	"ETH": 3000,
	"POL": 0.50,
	"BTC": 60000,
	"BNB": 550,
	"SOL": 150,
	"ARB": 0.80,
}

// Service implements RateSource against an HTTP spot-price endpoint
type Service struct {
	endpoint string
	client   *http.Client
	cache    *storage.RedisCache // nil disables caching
	cacheTTL time.Duration
	logger   *logging.Logger
}

// ServiceConfig holds configuration for creating a rate Service
type ServiceConfig struct {
	Endpoint string
	Timeout  time.Duration
	Cache    *storage.RedisCache
	CacheTTL time.Duration
	Logger   *logging.Logger
}

// NewService creates a rate service
func NewService(cfg *ServiceConfig) *Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &Service{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		cache:    cfg.Cache,
		cacheTTL: ttl,
		logger:   cfg.Logger,
	}
}

// GetUSDRate returns the USD spot price for an asset symbol. Stablecoins are
// fixed at 1.0; other symbols are served from cache, then the live endpoint,
// then the static fallback table.
func (s *Service) GetUSDRate(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, apperrors.NewValidationError("symbol", "empty asset symbol")
	}
	if stablecoins[symbol] {
		return 1.0, nil
	}

	if rate, ok := s.cachedRate(ctx, symbol); ok {
		return rate, nil
	}

	rate, err := s.fetchRate(ctx, symbol)
	if err != nil {
		if fallback, ok := fallbackRates[symbol]; ok {
			s.logger.WithFields(map[string]interface{}{
				"symbol": symbol,
				"rate":   fallback,
				"error":  err.Error(),
			}).Warn("live rate fetch failed, using static fallback")
			return fallback, nil
		}
		return 0, err
	}

	s.storeRate(ctx, symbol, rate)
	return rate, nil
}

func (s *Service) cacheKey(symbol string) string {
	return fmt.Sprintf("rate:usd:%s", symbol)
}

func (s *Service) cachedRate(ctx context.Context, symbol string) (float64, bool) {
	if s.cache == nil {
		return 0, false
	}

	value, found, err := s.cache.Get(ctx, s.cacheKey(symbol))
	if err != nil {
		s.logger.WithError(err).Warn("rate cache read failed")
		return 0, false
	}
	if !found {
		return 0, false
	}

	rate, err := strconv.ParseFloat(value, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func (s *Service) storeRate(ctx context.Context, symbol string, rate float64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(symbol), strconv.FormatFloat(rate, 'f', -1, 64), s.cacheTTL); err != nil {
		s.logger.WithError(err).Warn("rate cache write failed")
	}
}

// fetchRate calls the spot-price endpoint: GET <endpoint>?fsym=ETH&tsyms=USD
// returning {"USD": 3141.59}
func (s *Service) fetchRate(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("fsym", symbol)
	query.Set("tsyms", "USD")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return 0, apperrors.NewProviderError("rates", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, apperrors.NewProviderError("rates", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apperrors.NewProviderError("rates", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, apperrors.NewProviderError("rates", fmt.Errorf("failed to decode response: %w", err))
	}

	rate, ok := payload["USD"]
	if !ok || rate <= 0 {
		return 0, apperrors.NewProviderError("rates", fmt.Errorf("no USD rate for %s in response", symbol))
	}

	return rate, nil
}
