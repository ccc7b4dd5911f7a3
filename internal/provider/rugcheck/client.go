// Package rugcheck fetches token safety reports.
package rugcheck

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

const providerName = "rugcheck"

// rawScoreCeiling maps the unbounded raw score onto 0..100 when no normalised score is present.
const rawScoreCeiling = 2000.0

type risk struct {
	Name        string `json:"name"`
	Level       string `json:"level"`
	Description string `json:"description"`
}

type holder struct {
	Address string  `json:"address"`
	Owner   string  `json:"owner"`
	Pct     float64 `json:"pct"`
}

type market struct {
	Pubkey string `json:"pubkey"`
}

type report struct {
	Score           float64  `json:"score"`
	ScoreNormalised *float64 `json:"score_normalised"`
	Risks           []risk   `json:"risks"`
	MintAuthority   *string  `json:"mintAuthority"`
	FreezeAuthority *string  `json:"freezeAuthority"`
	TokenMeta       struct {
		Mutable bool `json:"mutable"`
		BuyTax  any  `json:"buyTax"`
	} `json:"tokenMeta"`
	TransferFee struct {
		Pct       float64 `json:"pct"`
		Authority string  `json:"authority"`
	} `json:"transferFee"`
	TopHolders []holder                   `json:"topHolders"`
	Markets    []market                   `json:"markets"`
	Lockers    map[string]json.RawMessage `json:"lockers"`
	Rugged     bool                       `json:"rugged"`
	DetectedAt string                     `json:"detectedAt"`
}

type Client struct {
	baseURL string
	http    *provider.HTTPClient
	caller  *provider.Caller
	logger  *zap.Logger
}

var _ provider.SafetySource = (*Client)(nil)

func NewClient(baseURL string, httpClient *provider.HTTPClient, caller *provider.Caller, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		caller:  caller,
		logger:  logger.Named("rugcheck"),
	}
}

// Report returns the safety view of mint.
func (c *Client) Report(ctx context.Context, mint string) (*provider.SafetyReport, error) {
	endpoint := c.baseURL + "/" + mint + "/report"
	r, err := provider.Do(ctx, c.caller, providerName, "report",
		func(ctx context.Context, lease credential.Lease) (*report, error) {
			var out report
			var hdr map[string]string
			if !lease.Anonymous() {
				hdr = map[string]string{"Authorization": lease.Secret}
			}
			err := c.http.GetJSON(ctx, endpoint, hdr, &out)
			return &out, err
		})
	if err != nil {
		return nil, err
	}
	return toSafety(r), nil
}

func toSafety(r *report) *provider.SafetyReport {
	risk := r.Score / rawScoreCeiling * 100
	if r.ScoreNormalised != nil {
		risk = *r.ScoreNormalised
	}
	risk = math.Max(0, math.Min(100, risk))

	out := &provider.SafetyReport{
		Score:              100 - risk,
		MintAuthority:      r.MintAuthority != nil && *r.MintAuthority != "",
		FreezeAuthority:    r.FreezeAuthority != nil && *r.FreezeAuthority != "",
		MutableTransferFee: r.TransferFee.Authority != "" && r.TransferFee.Authority != "11111111111111111111111111111111",
		BuyTaxPct:          parseTax(r.TokenMeta.BuyTax),
		Rugged:             r.Rugged,
	}
	for _, rk := range r.Risks {
		out.Flags = append(out.Flags, provider.RiskFlag{Name: rk.Name, Level: rk.Level, Description: rk.Description})
	}
	if t, err := time.Parse(time.RFC3339, r.DetectedAt); err == nil {
		out.CreatedAt = t
	}
	out.MaxHolderShare, out.TopHoldersShare = concentration(r)
	return out
}

// concentration measures holders 2..10, excluding liquidity accounts, against the supply
// not held by the largest holder.
func concentration(r *report) (maxShare, combined float64) {
	if len(r.TopHolders) < 2 {
		return 0, 0
	}
	remaining := 100 - r.TopHolders[0].Pct
	if remaining <= 0 {
		return 0, 0
	}

	lp := make(map[string]struct{}, len(r.Markets)+len(r.Lockers))
	for _, m := range r.Markets {
		if m.Pubkey != "" {
			lp[m.Pubkey] = struct{}{}
		}
	}
	for k := range r.Lockers {
		lp[k] = struct{}{}
	}

	end := len(r.TopHolders)
	if end > 10 {
		end = 10
	}
	var sum float64
	for _, h := range r.TopHolders[1:end] {
		if _, ok := lp[h.Address]; ok {
			continue
		}
		if _, ok := lp[h.Owner]; ok {
			continue
		}
		sum += h.Pct
		if share := h.Pct / remaining; share > maxShare {
			maxShare = share
		}
	}
	return maxShare, sum / remaining
}

func parseTax(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(t, "%")), 64); err == nil {
			return f
		}
	}
	return -1
}
