// Package market combines market data sources in priority order.
package market

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
)

// Fallback asks each source in turn and returns the first usable answer.
// An answer is usable when it reports positive liquidity. When every source
// knows no market for the token, the result is an empty pool rather than an error.
type Fallback struct {
	sources []provider.MarketSource
	logger  *zap.Logger
}

var _ provider.MarketSource = (*Fallback)(nil)

func NewFallback(logger *zap.Logger, sources ...provider.MarketSource) *Fallback {
	return &Fallback{sources: sources, logger: logger.Named("market")}
}

func (f *Fallback) MarketData(ctx context.Context, mint string) (*provider.MarketData, error) {
	var (
		errs    []error
		noPool  int
		partial *provider.MarketData
	)
	for _, src := range f.sources {
		md, err := src.MarketData(ctx, mint)
		switch {
		case errors.Is(err, provider.ErrNoMarket):
			noPool++
			continue
		case err != nil:
			f.logger.Debug("Market source failed", zap.String("mint", mint), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if md.LiquidityUSD > 0 {
			if partial != nil && md.PriceSOL.IsZero() {
				md.PriceSOL = partial.PriceSOL
			}
			return md, nil
		}
		if partial == nil {
			partial = md
		}
	}

	switch {
	case partial != nil:
		return partial, nil
	case len(errs) == 0 && noPool > 0:
		return &provider.MarketData{Source: "none"}, nil
	case len(errs) == 0:
		return nil, provider.NewError(provider.ErrProviderUnavailable, "market", "market-data", errors.New("no market sources configured"))
	}
	return nil, errors.Join(errs...)
}
