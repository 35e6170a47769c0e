package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	quotes map[string]Quote
	err    error
	calls  [][]string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) GetStockPrices(_ context.Context, symbols []string) (map[string]Quote, error) {
	p.calls = append(p.calls, symbols)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := p.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (p *stubProvider) GetFundHoldings(context.Context, string) ([]Holding, error) {
	return nil, errors.New("not implemented")
}

func quote(symbol, price string) Quote {
	return Quote{
		Symbol:   symbol,
		Price:    decimal.RequireFromString(price),
		AsOf:     time.Date(2026, 8, 28, 16, 0, 0, 0, time.UTC),
		Provider: "stub",
	}
}

func TestCachedProvider_HitSkipsUpstream(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cached := quote("AAPL", "232.10")
	raw, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectGet("quote:AAPL").SetVal(string(raw))

	upstream := &stubProvider{}
	c := NewCachedProvider(upstream, rdb, time.Minute, zerolog.Nop())

	quotes, err := c.GetStockPrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Contains(t, quotes, "AAPL")
	assert.True(t, quotes["AAPL"].Price.Equal(cached.Price))
	assert.Empty(t, upstream.calls, "cache hit must not reach upstream")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedProvider_MissFetchesAndWritesBack(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	fetched := quote("MSFT", "512.44")
	raw, err := json.Marshal(fetched)
	require.NoError(t, err)

	mock.ExpectGet("quote:MSFT").RedisNil()
	mock.ExpectSet("quote:MSFT", raw, time.Minute).SetVal("OK")

	upstream := &stubProvider{quotes: map[string]Quote{"MSFT": fetched}}
	c := NewCachedProvider(upstream, rdb, time.Minute, zerolog.Nop())

	quotes, err := c.GetStockPrices(context.Background(), []string{"MSFT"})
	require.NoError(t, err)
	assert.Contains(t, quotes, "MSFT")
	require.Len(t, upstream.calls, 1)
	assert.Equal(t, []string{"MSFT"}, upstream.calls[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedProvider_UpstreamDownServesCachedSubset(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cached := quote("AAPL", "232.10")
	raw, err := json.Marshal(cached)
	require.NoError(t, err)

	mock.ExpectGet("quote:AAPL").SetVal(string(raw))
	mock.ExpectGet("quote:MSFT").RedisNil()

	upstream := &stubProvider{err: errors.New("503 service unavailable")}
	c := NewCachedProvider(upstream, rdb, time.Minute, zerolog.Nop())

	quotes, err := c.GetStockPrices(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err, "partial cache coverage degrades, not fails")
	assert.Contains(t, quotes, "AAPL")
	assert.NotContains(t, quotes, "MSFT")
}

func TestCachedProvider_UpstreamDownNothingCached(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("quote:MSFT").RedisNil()

	upstream := &stubProvider{err: errors.New("503 service unavailable")}
	c := NewCachedProvider(upstream, rdb, time.Minute, zerolog.Nop())

	_, err := c.GetStockPrices(context.Background(), []string{"MSFT"})
	assert.Error(t, err)
}

func TestCachedProvider_CorruptCacheEntryRefetches(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	fetched := quote("AAPL", "232.10")
	raw, err := json.Marshal(fetched)
	require.NoError(t, err)

	mock.ExpectGet("quote:AAPL").SetVal("{not json")
	mock.ExpectSet("quote:AAPL", raw, time.Minute).SetVal("OK")

	upstream := &stubProvider{quotes: map[string]Quote{"AAPL": fetched}}
	c := NewCachedProvider(upstream, rdb, time.Minute, zerolog.Nop())

	quotes, err := c.GetStockPrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Contains(t, quotes, "AAPL")
	require.Len(t, upstream.calls, 1)
}
