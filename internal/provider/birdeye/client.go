// Package birdeye is the secondary market data source.
package birdeye

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

const providerName = "birdeye"

type marketResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Price     float64 `json:"price"`
		Liquidity float64 `json:"liquidity"`
		FDV       float64 `json:"fdv"`
	} `json:"data"`
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
		logger:  logger.Named("birdeye"),
	}
}

// MarketData has no SOL price or pool age; both stay zero.
func (c *Client) MarketData(ctx context.Context, mint string) (*provider.MarketData, error) {
	endpoint := c.baseURL + "/defi/v3/token/market-data?address=" + url.QueryEscape(mint)
	resp, err := provider.Do(ctx, c.caller, providerName, "market-data",
		func(ctx context.Context, lease credential.Lease) (*marketResponse, error) {
			hdr := map[string]string{"x-chain": "solana"}
			if !lease.Anonymous() {
				hdr["X-API-KEY"] = lease.Secret
			}
			var out marketResponse
			err := c.http.GetJSON(ctx, endpoint, hdr, &out)
			return &out, err
		})
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("%w: %s on %s", provider.ErrNoMarket, mint, providerName)
	}
	return &provider.MarketData{
		PriceUSD:     resp.Data.Price,
		LiquidityUSD: resp.Data.Liquidity,
		FDVUSD:       resp.Data.FDV,
		Source:       providerName,
	}, nil
}
