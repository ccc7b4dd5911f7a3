package dexscreener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := credential.NewPool(credential.Config{BaseCooldown: time.Minute, MaxCooldown: time.Minute, DeadAfter: 3},
		map[string][]string{providerName: nil}, logger)
	caller := provider.NewCaller(pool, provider.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, logger)
	return NewClient(baseURL, provider.NewHTTPClient(time.Second), caller, logger)
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/mintA", r.URL.Path)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMarketDataPicksDeepestSolanaPair(t *testing.T) {
	srv := serve(t, `{"pairs":[
	  {"chainId":"ethereum","pairAddress":"e","baseToken":{"address":"mintA"},"quoteToken":{"address":"x"},"priceNative":"1","priceUsd":"9","liquidity":{"usd":900000}},
	  {"chainId":"solana","pairAddress":"p1","baseToken":{"address":"mintA"},"quoteToken":{"address":"So11111111111111111111111111111111111111112"},"priceNative":"0.0002","priceUsd":"0.03","liquidity":{"usd":12000},"fdv":250000,"pairCreatedAt":1760000000000},
	  {"chainId":"solana","pairAddress":"p2","baseToken":{"address":"mintA"},"quoteToken":{"address":"usdc"},"priceNative":"0.03","priceUsd":"0.03","liquidity":{"usd":5000}}
	]}`)

	md, err := newTestClient(t, srv.URL).MarketData(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Equal(t, 12000.0, md.LiquidityUSD)
	assert.Equal(t, 250000.0, md.FDVUSD)
	assert.InDelta(t, 0.03, md.PriceUSD, 1e-12)
	assert.True(t, md.PriceSOL.Equal(decimal.RequireFromString("0.0002")))
	assert.Equal(t, time.UnixMilli(1760000000000), md.PairCreatedAt)
	assert.Equal(t, "dexscreener", md.Source)
}

func TestMarketDataInvertsQuoteSidePrice(t *testing.T) {
	srv := serve(t, `{"pairs":[
	  {"chainId":"solana","baseToken":{"address":"So11111111111111111111111111111111111111112"},"quoteToken":{"address":"mintA"},"priceNative":"4000","liquidity":{"usd":10}}
	]}`)

	md, err := newTestClient(t, srv.URL).MarketData(context.Background(), "mintA")
	require.NoError(t, err)
	assert.True(t, md.PriceSOL.Equal(decimal.RequireFromString("0.00025")))
}

func TestMarketDataNoPairs(t *testing.T) {
	srv := serve(t, `{"pairs":null}`)

	_, err := newTestClient(t, srv.URL).MarketData(context.Background(), "mintA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrNoMarket))
}
