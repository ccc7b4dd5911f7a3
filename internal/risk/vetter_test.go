package risk

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

type marketFunc func(ctx context.Context, mint string) (*provider.MarketData, error)

func (f marketFunc) MarketData(ctx context.Context, mint string) (*provider.MarketData, error) {
	return f(ctx, mint)
}

type safetyFunc func(ctx context.Context, mint string) (*provider.SafetyReport, error)

func (f safetyFunc) Report(ctx context.Context, mint string) (*provider.SafetyReport, error) {
	return f(ctx, mint)
}

func staticMarket(md provider.MarketData) marketFunc {
	return func(context.Context, string) (*provider.MarketData, error) {
		out := md
		return &out, nil
	}
}

func staticSafety(sr provider.SafetyReport) safetyFunc {
	return func(context.Context, string) (*provider.SafetyReport, error) {
		out := sr
		return &out, nil
	}
}

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MinLiquidityUSD:      1000,
		FullSizeLiquidityUSD: 3000,
		MaxFDVToLiquidity:    33,
		MaxEntryFDVUSD:       1_000_000,
		MinSafetyScore:       20,
		ReportTTL:            30 * time.Second,
		RejectAuthorities:    true,
		MaxBuyTaxPct:         25,
		MaxTopHoldersShare:   0.3,
		MaxHolderShare:       0.1,
	}
}

func healthyMarket() provider.MarketData {
	return provider.MarketData{LiquidityUSD: 50_000, FDVUSD: 400_000, PriceUSD: 0.01, PairCreatedAt: testNow.Add(-2 * time.Hour)}
}

func healthySafety() provider.SafetyReport {
	return provider.SafetyReport{Score: 90, BuyTaxPct: -1}
}

func newVetter(t *testing.T, cfg config.RiskConfig, m provider.MarketSource, s provider.SafetySource) *Vetter {
	return NewVetter(cfg, m, s, zaptest.NewLogger(t), WithClock(func() time.Time { return testNow }))
}

func TestApproveHealthyToken(t *testing.T) {
	r := newVetter(t, testConfig(), staticMarket(healthyMarket()), staticSafety(healthySafety())).
		Evaluate(context.Background(), "mint")

	require.True(t, r.Approved(), r.Reasons)
	assert.Equal(t, 1.0, r.SizeFactor)
	assert.False(t, r.NoAdd)
	assert.Equal(t, int64(7200), r.AgeSeconds)
	assert.Equal(t, testNow.Add(30*time.Second), r.ExpiresAt)
	assert.False(t, r.Expired(testNow.Add(29*time.Second)))
	assert.True(t, r.Expired(testNow.Add(30*time.Second)))
}

func TestLiquidityBelowFloorAlwaysRejects(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := testConfig()
	for i := 0; i < 200; i++ {
		md := provider.MarketData{
			LiquidityUSD:  rng.Float64() * cfg.MinLiquidityUSD * 0.999,
			FDVUSD:        rng.Float64() * 10_000,
			PriceUSD:      rng.Float64(),
			PairCreatedAt: testNow.Add(-time.Duration(rng.Intn(1000)) * time.Hour),
		}
		sr := provider.SafetyReport{Score: 100 * rng.Float64(), BuyTaxPct: -1}
		r := newVetter(t, cfg, staticMarket(md), staticSafety(sr)).Evaluate(context.Background(), "mint")
		require.Equal(t, types.VerdictRejected, r.Verdict)
		require.Contains(t, r.Reasons, ReasonLiquidityBelowFloor)
	}
}

func TestNoCredentialFailsClosed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := credential.NewPool(credential.Config{BaseCooldown: time.Minute, MaxCooldown: time.Hour, DeadAfter: 3},
		map[string][]string{"birdeye": {"only-key"}}, logger)
	lease, err := pool.Acquire("birdeye")
	require.NoError(t, err)
	pool.ReportOutcome(lease, credential.OutcomeRateLimited, time.Hour)

	caller := provider.NewCaller(pool, provider.DefaultRetryPolicy(), logger)
	called := false
	market := marketFunc(func(ctx context.Context, mint string) (*provider.MarketData, error) {
		return provider.Do(ctx, caller, "birdeye", "market-data",
			func(context.Context, credential.Lease) (*provider.MarketData, error) {
				called = true
				return &provider.MarketData{LiquidityUSD: 1e9}, nil
			})
	})

	r := newVetter(t, testConfig(), market, staticSafety(healthySafety())).Evaluate(context.Background(), "mint")
	assert.False(t, called)
	assert.Equal(t, types.VerdictRejected, r.Verdict)
	assert.Equal(t, []string{ReasonRiskDataUnavailable}, r.Reasons)
}

func TestSafetyFailureFailsClosed(t *testing.T) {
	failing := safetyFunc(func(context.Context, string) (*provider.SafetyReport, error) {
		return nil, provider.NewError(provider.ErrTransientNetwork, "rugcheck", "report", errors.New("timeout"))
	})
	r := newVetter(t, testConfig(), staticMarket(healthyMarket()), failing).Evaluate(context.Background(), "mint")
	assert.Equal(t, []string{ReasonRiskDataUnavailable}, r.Reasons)
}

func TestRejectionReasons(t *testing.T) {
	cases := []struct {
		name   string
		market func(*provider.MarketData)
		safety func(*provider.SafetyReport)
		cfg    func(*config.RiskConfig)
		want   string
	}{
		{name: "fdv ratio", market: func(m *provider.MarketData) { m.FDVUSD = m.LiquidityUSD * 40 }, want: ReasonFDVToLiquidity},
		{name: "safety score", safety: func(s *provider.SafetyReport) { s.Score = 5 }, want: ReasonSafetyScore},
		{name: "rugged", safety: func(s *provider.SafetyReport) { s.Rugged = true }, want: ReasonRugged},
		{name: "honeypot", safety: func(s *provider.SafetyReport) {
			s.Flags = []provider.RiskFlag{{Name: "Possible Honeypot", Level: "warn"}}
		}, want: ReasonHoneypot},
		{name: "danger", safety: func(s *provider.SafetyReport) {
			s.Flags = []provider.RiskFlag{{Name: "Copycat token", Level: "danger"}}
		}, want: ReasonDangerFlag + ":Copycat token"},
		{name: "transfer fee", safety: func(s *provider.SafetyReport) { s.MutableTransferFee = true }, want: ReasonMutableTransferFee},
		{name: "mint authority", safety: func(s *provider.SafetyReport) { s.MintAuthority = true }, want: ReasonMintAuthority},
		{name: "freeze authority", safety: func(s *provider.SafetyReport) { s.FreezeAuthority = true }, want: ReasonFreezeAuthority},
		{name: "buy tax", safety: func(s *provider.SafetyReport) { s.BuyTaxPct = 30 }, want: ReasonBuyTax},
		{name: "single holder", safety: func(s *provider.SafetyReport) { s.MaxHolderShare = 0.15 }, want: ReasonHolderConcentration},
		{name: "top holders", safety: func(s *provider.SafetyReport) { s.TopHoldersShare = 0.35 }, want: ReasonTopHoldersShare},
		{
			name:   "too young",
			market: func(m *provider.MarketData) { m.PairCreatedAt = testNow.Add(-time.Minute) },
			cfg:    func(c *config.RiskConfig) { c.MinTokenAge = time.Hour },
			want:   ReasonTokenTooYoung,
		},
		{
			name:   "unknown age",
			market: func(m *provider.MarketData) { m.PairCreatedAt = time.Time{} },
			cfg:    func(c *config.RiskConfig) { c.MinTokenAge = time.Hour },
			want:   ReasonTokenAgeUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			md, sr, cfg := healthyMarket(), healthySafety(), testConfig()
			if tc.market != nil {
				tc.market(&md)
			}
			if tc.safety != nil {
				tc.safety(&sr)
			}
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			r := newVetter(t, cfg, staticMarket(md), staticSafety(sr)).Evaluate(context.Background(), "mint")
			assert.Equal(t, types.VerdictRejected, r.Verdict)
			assert.Contains(t, r.Reasons, tc.want)
		})
	}
}

func TestAuthoritiesAllowedWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RejectAuthorities = false
	sr := healthySafety()
	sr.MintAuthority = true
	r := newVetter(t, cfg, staticMarket(healthyMarket()), staticSafety(sr)).Evaluate(context.Background(), "mint")
	assert.True(t, r.Approved(), strings.Join(r.Reasons, ","))
}

func TestThinLiquidityHalvesEntry(t *testing.T) {
	md := healthyMarket()
	md.LiquidityUSD = 2000
	md.FDVUSD = 20_000
	r := newVetter(t, testConfig(), staticMarket(md), staticSafety(healthySafety())).Evaluate(context.Background(), "mint")
	require.True(t, r.Approved())
	assert.Equal(t, 0.5, r.SizeFactor)
	assert.True(t, r.NoAdd)
}
