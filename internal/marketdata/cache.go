package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// CachedProvider wraps a Provider with a Redis quote cache. Cache misses
// fall through to the upstream provider; upstream outages degrade to
// whatever is still cached.
type CachedProvider struct {
	upstream Provider
	rdb      *redis.Client
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewCachedProvider creates a Redis-backed caching layer over upstream.
func NewCachedProvider(upstream Provider, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedProvider{
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
		logger:   logger.With().Str("component", "quote_cache").Logger(),
	}
}

// Name identifies the underlying provider for attribution.
func (c *CachedProvider) Name() string { return c.upstream.Name() }

func quoteKey(symbol string) string { return "quote:" + symbol }

// GetStockPrices returns cached quotes where fresh and fetches the rest
// from upstream, writing fetched quotes back with the configured TTL.
func (c *CachedProvider) GetStockPrices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	quotes := make(map[string]Quote, len(symbols))
	var missing []string

	for _, symbol := range symbols {
		raw, err := c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
		if err == redis.Nil {
			missing = append(missing, symbol)
			continue
		}
		if err != nil {
			// Cache trouble is not fatal; treat as a miss.
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache read failed")
			missing = append(missing, symbol)
			continue
		}
		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			missing = append(missing, symbol)
			continue
		}
		quotes[symbol] = q
	}

	if len(missing) == 0 {
		return quotes, nil
	}

	fetched, err := c.upstream.GetStockPrices(ctx, missing)
	if err != nil {
		if len(quotes) > 0 {
			// Partial result from cache while upstream is down.
			c.logger.Warn().Err(err).Int("cached", len(quotes)).Int("missing", len(missing)).
				Msg("Upstream fetch failed, serving cached quotes only")
			return quotes, nil
		}
		return nil, err
	}

	for symbol, q := range fetched {
		quotes[symbol] = q
		raw, err := json.Marshal(q)
		if err != nil {
			continue
		}
		if err := c.rdb.Set(ctx, quoteKey(symbol), raw, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache write failed")
		}
	}
	return quotes, nil
}

// GetFundHoldings passes through to upstream; holdings change slowly but
// are fetched rarely enough that caching buys little.
func (c *CachedProvider) GetFundHoldings(ctx context.Context, symbol string) ([]Holding, error) {
	holdings, err := c.upstream.GetFundHoldings(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fund holdings for %s: %w", symbol, err)
	}
	return holdings, nil
}
