// Package marketdata provides the market data collaborator consumed by the
// batch engines: stock prices and fund holdings with provider attribution,
// fronted by a rate limiter, a circuit breaker, and a Redis quote cache.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Quote is a single symbol price with attribution.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	AsOf     time.Time       `json:"as_of"`
	Provider string          `json:"provider"`
}

// Holding is one constituent of a fund.
type Holding struct {
	Symbol string          `json:"symbol"`
	Weight decimal.Decimal `json:"weight"`
}

// Provider is the market data capability consumed by engines.
type Provider interface {
	// GetStockPrices fetches current prices for the given symbols. Symbols
	// the provider cannot price are absent from the result.
	GetStockPrices(ctx context.Context, symbols []string) (map[string]Quote, error)

	// GetFundHoldings fetches constituent holdings for a fund symbol.
	GetFundHoldings(ctx context.Context, symbol string) ([]Holding, error)

	// Name identifies the provider for attribution.
	Name() string
}

// HTTPProvider talks to a JSON price API behind a token-bucket rate limiter
// and a circuit breaker. Repeated upstream failures open the breaker and
// fail fast until the probe interval elapses.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	Name           string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// NewHTTPProvider creates a rate-limited, circuit-broken HTTP provider.
func NewHTTPProvider(cfg HTTPProviderConfig, logger zerolog.Logger) *HTTPProvider {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	p := &HTTPProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With().Str("provider", cfg.Name).Logger(),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Market data circuit breaker state change")
		},
	})

	return p
}

// Name identifies the provider for attribution.
func (p *HTTPProvider) Name() string { return p.name }

// GetStockPrices fetches current prices for the given symbols.
func (p *HTTPProvider) GetStockPrices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetchPrices(ctx, symbols)
	})
	if err != nil {
		return nil, fmt.Errorf("price fetch via %s failed: %w", p.name, err)
	}
	return result.(map[string]Quote), nil
}

// GetFundHoldings fetches constituent holdings for a fund symbol.
func (p *HTTPProvider) GetFundHoldings(ctx context.Context, symbol string) ([]Holding, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetchHoldings(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("holdings fetch via %s failed: %w", p.name, err)
	}
	return result.([]Holding), nil
}

type priceResponse struct {
	Prices map[string]struct {
		Close float64 `json:"close"`
		AsOf  string  `json:"as_of"`
	} `json:"prices"`
}

func (p *HTTPProvider) fetchPrices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	endpoint := fmt.Sprintf("%s/v1/prices?symbols=%s", p.baseURL, url.QueryEscape(strings.Join(symbols, ",")))

	var resp priceResponse
	if err := p.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	quotes := make(map[string]Quote, len(resp.Prices))
	for symbol, pr := range resp.Prices {
		asOf := now
		if ts, err := time.Parse(time.RFC3339, pr.AsOf); err == nil {
			asOf = ts
		}
		quotes[symbol] = Quote{
			Symbol:   symbol,
			Price:    decimal.NewFromFloat(pr.Close).Round(2),
			AsOf:     asOf,
			Provider: p.name,
		}
	}

	p.logger.Debug().Int("requested", len(symbols)).Int("priced", len(quotes)).Msg("Prices fetched")
	return quotes, nil
}

type holdingsResponse struct {
	Holdings []struct {
		Symbol string  `json:"symbol"`
		Weight float64 `json:"weight"`
	} `json:"holdings"`
}

func (p *HTTPProvider) fetchHoldings(ctx context.Context, symbol string) ([]Holding, error) {
	endpoint := fmt.Sprintf("%s/v1/funds/%s/holdings", p.baseURL, url.PathEscape(symbol))

	var resp holdingsResponse
	if err := p.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(resp.Holdings))
	for _, h := range resp.Holdings {
		holdings = append(holdings, Holding{
			Symbol: h.Symbol,
			Weight: decimal.NewFromFloat(h.Weight).Round(6),
		})
	}
	return holdings, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("provider rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
