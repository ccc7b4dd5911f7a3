// Package dexscreener reads pair data for price, liquidity and pool age.
package dexscreener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

const providerName = "dexscreener"

type token struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   token  `json:"baseToken"`
	QuoteToken  token  `json:"quoteToken"`
	PriceNative string `json:"priceNative"`
	PriceUSD    string `json:"priceUsd"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV           float64 `json:"fdv"`
	PairCreatedAt int64   `json:"pairCreatedAt"`
}

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type Client struct {
	baseURL string
	http    *provider.HTTPClient
	caller  *provider.Caller
	logger  *zap.Logger
}

var _ provider.MarketSource = (*Client)(nil)

func NewClient(baseURL string, httpClient *provider.HTTPClient, caller *provider.Caller, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		caller:  caller,
		logger:  logger.Named("dexscreener"),
	}
}

// MarketData returns the deepest Solana pair for mint.
func (c *Client) MarketData(ctx context.Context, mint string) (*provider.MarketData, error) {
	endpoint := c.baseURL + "/latest/dex/tokens/" + mint
	resp, err := provider.Do(ctx, c.caller, providerName, "tokens",
		func(ctx context.Context, _ credential.Lease) (*pairsResponse, error) {
			var out pairsResponse
			err := c.http.GetJSON(ctx, endpoint, nil, &out)
			return &out, err
		})
	if err != nil {
		return nil, err
	}

	best := bestPair(resp.Pairs)
	if best == nil {
		return nil, fmt.Errorf("%w: %s on %s", provider.ErrNoMarket, mint, providerName)
	}

	md := &provider.MarketData{
		LiquidityUSD: best.Liquidity.USD,
		FDVUSD:       best.FDV,
		PriceSOL:     solPrice(best, mint),
		Source:       providerName,
	}
	if p, err := decimal.NewFromString(best.PriceUSD); err == nil {
		md.PriceUSD = p.InexactFloat64()
	}
	if best.PairCreatedAt > 0 {
		md.PairCreatedAt = time.UnixMilli(best.PairCreatedAt)
	}
	c.logger.Debug("Market data loaded",
		zap.String("mint", mint),
		zap.String("pair", best.PairAddress),
		zap.Float64("liquidity_usd", md.LiquidityUSD))
	return md, nil
}

func bestPair(pairs []pair) *pair {
	var best *pair
	for i := range pairs {
		p := &pairs[i]
		if p.ChainID != "solana" || p.Liquidity == nil {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best
}

// solPrice orients priceNative so the result is SOL per token, or zero when the pair is not against SOL.
func solPrice(p *pair, mint string) decimal.Decimal {
	native, err := decimal.NewFromString(p.PriceNative)
	if err != nil || native.IsZero() {
		return decimal.Zero
	}
	switch {
	case p.BaseToken.Address == mint && p.QuoteToken.Address == types.WSOLMint:
		return native
	case p.QuoteToken.Address == mint && p.BaseToken.Address == types.WSOLMint:
		return decimal.NewFromInt(1).Div(native)
	}
	return decimal.Zero
}
