// Package jupiter quotes and builds swaps through the Jupiter swap API.
package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

const providerName = "jupiter"

type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	SlippageBps    int    `json:"slippageBps"`
	PriceImpactPct string `json:"priceImpactPct"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type Client struct {
	baseURL string
	http    *provider.HTTPClient
	caller  *provider.Caller
	logger  *zap.Logger
}

var _ provider.SwapSource = (*Client)(nil)

func NewClient(baseURL string, httpClient *provider.HTTPClient, caller *provider.Caller, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		caller:  caller,
		logger:  logger.Named("jupiter"),
	}
}

func headers(lease credential.Lease) map[string]string {
	if lease.Anonymous() {
		return nil
	}
	return map[string]string{"x-api-key": lease.Secret}
}

// Quote prices swapping amount base units of inputMint into outputMint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*provider.Quote, error) {
	if amount == 0 {
		return nil, provider.NewError(provider.ErrPermanent, providerName, "quote", fmt.Errorf("zero amount"))
	}
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))
	q.Set("onlyDirectRoutes", "false")
	q.Set("asLegacyTransaction", "false")
	endpoint := c.baseURL + "/quote?" + q.Encode()

	raw, err := provider.Do(ctx, c.caller, providerName, "quote",
		func(ctx context.Context, lease credential.Lease) (json.RawMessage, error) {
			var body json.RawMessage
			err := c.http.GetJSON(ctx, endpoint, headers(lease), &body)
			return body, err
		})
	if err != nil {
		return nil, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, provider.NewError(provider.ErrParse, providerName, "quote", err)
	}
	in, errIn := strconv.ParseUint(qr.InAmount, 10, 64)
	out, errOut := strconv.ParseUint(qr.OutAmount, 10, 64)
	if errIn != nil || errOut != nil || out == 0 {
		return nil, provider.NewError(provider.ErrParse, providerName, "quote",
			fmt.Errorf("bad amounts in=%q out=%q", qr.InAmount, qr.OutAmount))
	}
	impact, _ := strconv.ParseFloat(qr.PriceImpactPct, 64)

	return &provider.Quote{
		InputMint:      qr.InputMint,
		OutputMint:     qr.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		SlippageBps:    qr.SlippageBps,
		PriceImpactPct: impact,
		Raw:            raw,
	}, nil
}

// BuildSwap asks Jupiter for the transaction executing quote and decodes it.
func (c *Client) BuildSwap(ctx context.Context, quote *provider.Quote, userPublicKey string) (*solana.Transaction, error) {
	body := map[string]any{
		"userPublicKey":                 userPublicKey,
		"quoteResponse":                 quote.Raw,
		"wrapAndUnwrapSol":              true,
		"computeUnitPriceMicroLamports": "auto",
	}

	res, err := provider.Do(ctx, c.caller, providerName, "swap",
		func(ctx context.Context, lease credential.Lease) (*swapResponse, error) {
			var sr swapResponse
			err := c.http.PostJSON(ctx, c.baseURL+"/swap", headers(lease), body, &sr)
			return &sr, err
		})
	if err != nil {
		return nil, err
	}
	if res.SwapTransaction == "" {
		return nil, provider.NewError(provider.ErrParse, providerName, "swap", fmt.Errorf("response has no swapTransaction"))
	}

	tx, err := solana.TransactionFromBase64(res.SwapTransaction)
	if err != nil {
		return nil, provider.NewError(provider.ErrParse, providerName, "swap", err)
	}
	return tx, nil
}
