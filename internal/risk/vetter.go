// Package risk decides whether a token may be traded.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

// Rejection reasons.
const (
	ReasonRiskDataUnavailable = "risk_data_unavailable"
	ReasonLiquidityBelowFloor = "liquidity_below_floor"
	ReasonFDVToLiquidity      = "fdv_liquidity_ratio_exceeded"
	ReasonSafetyScore         = "safety_score_below_floor"
	ReasonRugged              = "rugged"
	ReasonDangerFlag          = "danger_flag"
	ReasonHoneypot            = "honeypot"
	ReasonMutableTransferFee  = "mutable_transfer_fee"
	ReasonMintAuthority       = "mint_authority_enabled"
	ReasonFreezeAuthority     = "freeze_authority_enabled"
	ReasonBuyTax              = "buy_tax_too_high"
	ReasonHolderConcentration = "holder_concentration"
	ReasonTopHoldersShare     = "top_holders_concentration"
	ReasonTokenTooYoung       = "token_too_young"
	ReasonTokenAgeUnknown     = "token_age_unknown"
)

// reducedSize applies to thin or richly valued tokens.
const reducedSize = 0.5

var honeypotMarkers = []string{"honeypot", "cannot sell", "unable to sell"}

// Vetter evaluates tokens against market and safety data. It fails closed:
// missing data is a rejection, never an error.
type Vetter struct {
	cfg     config.RiskConfig
	market  provider.MarketSource
	safety  provider.SafetySource
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Vetter)

func WithMetrics(c *metrics.Collector) Option {
	return func(v *Vetter) { v.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(v *Vetter) { v.now = now }
}

func NewVetter(cfg config.RiskConfig, market provider.MarketSource, safety provider.SafetySource, logger *zap.Logger, opts ...Option) *Vetter {
	v := &Vetter{
		cfg:    cfg,
		market: market,
		safety: safety,
		logger: logger.Named("risk"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Evaluate fetches market and safety data concurrently and applies the policy.
func (v *Vetter) Evaluate(ctx context.Context, mint string) *types.RiskReport {
	var (
		md  *provider.MarketData
		sr  *provider.SafetyReport
		now = v.now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		md, err = v.market.MarketData(gctx, mint)
		return err
	})
	g.Go(func() (err error) {
		sr, err = v.safety.Report(gctx, mint)
		return err
	})

	report := &types.RiskReport{
		TokenMint:   mint,
		AgeSeconds:  -1,
		EvaluatedAt: now,
		ExpiresAt:   now.Add(v.cfg.ReportTTL),
	}
	if err := g.Wait(); err != nil {
		report.Verdict = types.VerdictRejected
		report.Reasons = []string{ReasonRiskDataUnavailable}
		v.metrics.RecordRiskVerdict(string(report.Verdict), ReasonRiskDataUnavailable)
		v.logger.Warn("⛔ Risk data unavailable, rejecting", zap.String("token", mint), zap.Error(err))
		return report
	}

	report.LiquidityUSD = md.LiquidityUSD
	report.FDVUSD = md.FDVUSD
	report.PriceUSD = md.PriceUSD
	report.SafetyScore = sr.Score
	if created := earliest(md.PairCreatedAt, sr.CreatedAt); !created.IsZero() {
		report.AgeSeconds = int64(now.Sub(created) / time.Second)
	}

	report.Reasons = v.reasons(report, sr)
	if len(report.Reasons) > 0 {
		report.Verdict = types.VerdictRejected
		v.metrics.RecordRiskVerdict(string(report.Verdict), report.Reasons[0])
		v.logger.Info("⛔ Token rejected",
			zap.String("token", mint),
			zap.Strings("reasons", report.Reasons),
			zap.Float64("liquidity_usd", report.LiquidityUSD),
			zap.Float64("safety_score", report.SafetyScore))
		return report
	}

	report.Verdict = types.VerdictApproved
	report.SizeFactor = 1
	if report.LiquidityUSD < v.cfg.FullSizeLiquidityUSD || report.FDVUSD > v.cfg.MaxEntryFDVUSD {
		report.SizeFactor = reducedSize
		report.NoAdd = true
	}
	v.metrics.RecordRiskVerdict(string(report.Verdict), "ok")
	v.logger.Info("✅ Token approved",
		zap.String("token", mint),
		zap.Float64("liquidity_usd", report.LiquidityUSD),
		zap.Float64("fdv_usd", report.FDVUSD),
		zap.Float64("size_factor", report.SizeFactor))
	return report
}

func (v *Vetter) reasons(r *types.RiskReport, sr *provider.SafetyReport) []string {
	var out []string
	if r.LiquidityUSD < v.cfg.MinLiquidityUSD || r.LiquidityUSD <= 0 {
		out = append(out, ReasonLiquidityBelowFloor)
	} else if r.FDVUSD/r.LiquidityUSD > v.cfg.MaxFDVToLiquidity {
		out = append(out, ReasonFDVToLiquidity)
	}
	if r.SafetyScore < v.cfg.MinSafetyScore {
		out = append(out, ReasonSafetyScore)
	}
	if sr.Rugged {
		out = append(out, ReasonRugged)
	}
	for _, f := range sr.Flags {
		name := strings.ToLower(f.Name)
		for _, marker := range honeypotMarkers {
			if strings.Contains(name, marker) {
				out = append(out, ReasonHoneypot)
				break
			}
		}
		if strings.EqualFold(f.Level, "danger") {
			out = append(out, fmt.Sprintf("%s:%s", ReasonDangerFlag, f.Name))
		}
	}
	if sr.MutableTransferFee {
		out = append(out, ReasonMutableTransferFee)
	}
	if v.cfg.RejectAuthorities {
		if sr.MintAuthority {
			out = append(out, ReasonMintAuthority)
		}
		if sr.FreezeAuthority {
			out = append(out, ReasonFreezeAuthority)
		}
	}
	if sr.BuyTaxPct > v.cfg.MaxBuyTaxPct {
		out = append(out, ReasonBuyTax)
	}
	if v.cfg.MaxHolderShare > 0 && sr.MaxHolderShare > v.cfg.MaxHolderShare {
		out = append(out, ReasonHolderConcentration)
	}
	if v.cfg.MaxTopHoldersShare > 0 && sr.TopHoldersShare > v.cfg.MaxTopHoldersShare {
		out = append(out, ReasonTopHoldersShare)
	}
	if v.cfg.MinTokenAge > 0 {
		switch {
		case r.AgeSeconds < 0:
			out = append(out, ReasonTokenAgeUnknown)
		case time.Duration(r.AgeSeconds)*time.Second < v.cfg.MinTokenAge:
			out = append(out, ReasonTokenTooYoung)
		}
	}
	return out
}

func earliest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if !t.IsZero() && (out.IsZero() || t.Before(out)) {
			out = t
		}
	}
	return out
}
