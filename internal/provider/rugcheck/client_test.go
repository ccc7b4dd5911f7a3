package rugcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

const sampleReport = `{
  "score": 501,
  "score_normalised": 12,
  "mintAuthority": null,
  "freezeAuthority": "Fr3ez3Auth0rity1111111111111111111111111111",
  "tokenMeta": {"mutable": false, "buyTax": "5%"},
  "transferFee": {"pct": 0, "authority": "11111111111111111111111111111111"},
  "risks": [{"name": "Low Liquidity", "level": "warn", "description": "thin"}],
  "topHolders": [
    {"address": "pool", "owner": "amm", "pct": 40},
    {"address": "whale", "owner": "w", "pct": 9},
    {"address": "locker", "owner": "l", "pct": 12},
    {"address": "small", "owner": "s", "pct": 3}
  ],
  "markets": [{"pubkey": "pool"}],
  "lockers": {"locker": {}},
  "rugged": false,
  "detectedAt": "2026-10-01T10:00:00Z"
}`

func TestReportMapsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mintA/report", r.URL.Path)
		_, _ = w.Write([]byte(sampleReport))
	}))
	defer srv.Close()

	rep, err := newTestClient(t, srv.URL).Report(context.Background(), "mintA")
	require.NoError(t, err)

	assert.InDelta(t, 88, rep.Score, 1e-9)
	assert.False(t, rep.MintAuthority)
	assert.True(t, rep.FreezeAuthority)
	assert.False(t, rep.MutableTransferFee)
	assert.InDelta(t, 5, rep.BuyTaxPct, 1e-9)
	require.Len(t, rep.Flags, 1)
	assert.Equal(t, "warn", rep.Flags[0].Level)
	assert.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), rep.CreatedAt.UTC())

	// Remaining supply is 60%; the locker is excluded.
	assert.InDelta(t, 9.0/60, rep.MaxHolderShare, 1e-9)
	assert.InDelta(t, 12.0/60, rep.TopHoldersShare, 1e-9)
}

func TestReportRawScoreFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score": 3000, "tokenMeta": {}}`))
	}))
	defer srv.Close()

	rep, err := newTestClient(t, srv.URL).Report(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Zero(t, rep.Score)
	assert.Equal(t, -1.0, rep.BuyTaxPct)
	assert.True(t, rep.CreatedAt.IsZero())
}

func TestReportUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Report(context.Background(), "mintA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrProviderUnavailable))
}
