// internal/executor/buy.go
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

func (e *Executor) buy(ctx context.Context, sig types.Signal, report *types.RiskReport, log *zap.Logger) (*types.Position, error) {
	pos := e.book.Get(sig.TokenMint)
	if pos != nil && pos.Status == types.PositionClosing {
		return nil, fmt.Errorf("%w: exit in flight", ErrNotActionable)
	}

	if report == nil || report.TokenMint != sig.TokenMint || report.Expired(e.now()) {
		log.Debug("Risk report stale, re-evaluating")
		report = e.vetter.Evaluate(ctx, sig.TokenMint)
	}
	if !report.Approved() {
		return nil, fmt.Errorf("%w: %s", ErrRiskRejected, strings.Join(report.Reasons, ","))
	}

	size, err := e.buySize(sig, report, pos)
	if err != nil {
		return nil, err
	}

	decimals := e.decimals(ctx, sig.TokenMint, pos, log)
	lamports := types.SOLToLamports(size)
	quote, err := e.swaps.Quote(ctx, types.WSOLMint, sig.TokenMint, lamports, e.cfg.SlippageBps)
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %w", ErrExecutionFailed, err)
	}

	solIn := types.LamportsToSOL(int64(quote.InAmount))
	tokensOut := types.FromBaseUnits(quote.OutAmount, decimals)
	if !tokensOut.IsPositive() {
		return nil, fmt.Errorf("%w: quote returns no tokens", ErrExecutionFailed)
	}
	quoted := solIn.Div(tokensOut)
	if err := e.checkBand(quoted, sig.ObservedPrice); err != nil {
		return nil, err
	}

	log.Info("📤 Buying",
		zap.String("sol", solIn.String()),
		zap.String("tokens", tokensOut.String()),
		zap.String("price", quoted.String()),
		zap.String("hunter", sig.HunterAddress))

	return e.submit(ctx, quote, storage.PendingTx{
		Key:         sig.IdempotencyKey(),
		TokenMint:   sig.TokenMint,
		Action:      types.ActionBuy,
		Hunter:      sig.HunterAddress,
		Rule:        sig.Rule,
		SOLAmount:   solIn,
		TokenAmount: tokensOut,
		Decimals:    decimals,
	}, report.NoAdd, log)
}

// buySize returns the SOL to spend: a scaled entry for a new position, or a
// bounded add when the hunter buys big into a position we already hold.
func (e *Executor) buySize(sig types.Signal, report *types.RiskReport, pos *types.Position) (decimal.Decimal, error) {
	factor := report.SizeFactor
	if factor <= 0 {
		factor = 1
	}

	var size decimal.Decimal
	if pos == nil {
		size = decimal.NewFromFloat(e.cfg.EntrySOL * factor)
	} else {
		switch {
		case report.NoAdd || pos.NoAdd:
			return decimal.Zero, fmt.Errorf("%w: adds disabled for token", ErrNotActionable)
		case pos.LadderLevel > 0:
			return decimal.Zero, fmt.Errorf("%w: take-profit ladder already started", ErrNotActionable)
		case sig.SOLAmount.LessThan(decimal.NewFromFloat(e.cfg.AddThresholdSOL)):
			return decimal.Zero, fmt.Errorf("%w: hunter buy %s SOL below add threshold", ErrNotActionable, sig.SOLAmount)
		}
		size = decimal.NewFromFloat(e.cfg.AddSOL * factor)
		room := decimal.NewFromFloat(e.cfg.MaxPositionSOL).Sub(pos.InvestedSOL)
		size = decimal.Min(size, room)
	}

	if size.LessThan(decimal.NewFromFloat(e.cfg.MinTradeSOL)) || !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: size %s SOL below minimum", ErrNotActionable, size)
	}
	return size, nil
}

// checkBand rejects a quote priced more than SlippageBandBps away from the
// hunter's fill in either direction.
func (e *Executor) checkBand(quoted, observed decimal.Decimal) error {
	if !observed.IsPositive() {
		return nil
	}
	band := decimal.NewFromInt(int64(e.cfg.SlippageBandBps)).Div(decimal.NewFromInt(10_000))
	drift := quoted.Div(observed).Sub(decimal.NewFromInt(1))
	if drift.Abs().GreaterThan(band) {
		return fmt.Errorf("%w: quoted %s vs observed %s", ErrSlippageExceeded, quoted, observed)
	}
	return nil
}

func (e *Executor) decimals(ctx context.Context, mint string, pos *types.Position, log *zap.Logger) uint8 {
	if pos != nil && pos.Decimals > 0 {
		return pos.Decimals
	}
	d, err := e.chain.TokenDecimals(ctx, mint)
	if err != nil {
		log.Warn("⚠️ Token decimals unavailable, using default", zap.Uint8("default", types.DefaultTokenDecimals), zap.Error(err))
		return types.DefaultTokenDecimals
	}
	return d
}
