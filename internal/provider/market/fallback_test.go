package market

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
)

type stubSource struct {
	md    *provider.MarketData
	err   error
	calls int
}

func (s *stubSource) MarketData(context.Context, string) (*provider.MarketData, error) {
	s.calls++
	return s.md, s.err
}

func TestFallbackPrefersPrimary(t *testing.T) {
	primary := &stubSource{md: &provider.MarketData{LiquidityUSD: 10, Source: "a"}}
	secondary := &stubSource{md: &provider.MarketData{LiquidityUSD: 20, Source: "b"}}

	md, err := NewFallback(zaptest.NewLogger(t), primary, secondary).MarketData(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "a", md.Source)
	assert.Zero(t, secondary.calls)
}

func TestFallbackOnError(t *testing.T) {
	primary := &stubSource{err: provider.NewError(provider.ErrProviderUnavailable, "a", "x", errors.New("down"))}
	secondary := &stubSource{md: &provider.MarketData{LiquidityUSD: 20, Source: "b"}}

	md, err := NewFallback(zaptest.NewLogger(t), primary, secondary).MarketData(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "b", md.Source)
}

func TestFallbackKeepsSOLPriceFromZeroLiquidityAnswer(t *testing.T) {
	primary := &stubSource{md: &provider.MarketData{PriceSOL: decimal.RequireFromString("0.1"), Source: "a"}}
	secondary := &stubSource{md: &provider.MarketData{LiquidityUSD: 20, Source: "b"}}

	md, err := NewFallback(zaptest.NewLogger(t), primary, secondary).MarketData(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "b", md.Source)
	assert.True(t, md.PriceSOL.Equal(decimal.RequireFromString("0.1")))
}

func TestFallbackNoPoolAnywhere(t *testing.T) {
	noPool := fmt.Errorf("%w: m", provider.ErrNoMarket)
	md, err := NewFallback(zaptest.NewLogger(t), &stubSource{err: noPool}, &stubSource{err: noPool}).
		MarketData(context.Background(), "m")
	require.NoError(t, err)
	assert.Zero(t, md.LiquidityUSD)
}

func TestFallbackAllFailed(t *testing.T) {
	down := provider.NewError(provider.ErrProviderUnavailable, "a", "x", errors.New("down"))
	_, err := NewFallback(zaptest.NewLogger(t), &stubSource{err: down}, &stubSource{err: fmt.Errorf("%w: m", provider.ErrNoMarket)}).
		MarketData(context.Background(), "m")
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrProviderUnavailable))
}
