// internal/executor/sell.go
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/position"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// sell exits part or all of the position. Above RequoteMultiple the mark is
// not trusted: a fresh quote sets the price used for the exit decision, for
// sizing and for the fill. A sell that fails on chain is retried at the next
// slippage tier.
func (e *Executor) sell(ctx context.Context, sig types.Signal, log *zap.Logger) (*types.Position, error) {
	pos := e.book.Get(sig.TokenMint)
	if pos == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotActionable, position.ErrNoPosition)
	}
	if pos.Status == types.PositionClosing {
		return nil, fmt.Errorf("%w: exit %s in flight", ErrNotActionable, pos.PendingTxID)
	}

	frac, err := e.sellFraction(sig)
	if err != nil {
		return nil, err
	}
	qty := pos.Quantity.Mul(frac)
	tiers := e.sellTiers()

	price := pos.LastPrice
	if !price.IsPositive() {
		price = pos.CostBasis
	}

	var pre *provider.Quote
	if pos.CostBasis.IsPositive() && price.Div(pos.CostBasis).GreaterThan(decimal.NewFromFloat(e.cfg.RequoteMultiple)) {
		q, implied, err := e.quoteSell(ctx, sig.TokenMint, types.ToBaseUnits(qty, pos.Decimals), pos.Decimals, tiers[0])
		if err != nil {
			return nil, fmt.Errorf("%w: re-quote: %w", ErrExecutionFailed, err)
		}
		log.Info("🔁 Re-quoted before sell",
			zap.String("mark", price.String()),
			zap.String("quoted", implied.String()),
			zap.String("cost", pos.CostBasis.String()))
		marked, _ := e.book.ObservePrice(sig.TokenMint, implied)
		price, pre = implied, q

		if next, changed, err := e.recheckExit(sig, marked, log); err != nil {
			return nil, err
		} else if changed {
			sig = next
			if frac, err = e.sellFraction(sig); err != nil {
				return nil, err
			}
			qty, pre = pos.Quantity.Mul(frac), nil
		}
	}

	if rest := pos.Quantity.Sub(qty); rest.IsPositive() && rest.Mul(price).LessThan(decimal.NewFromFloat(e.cfg.DustValueSOL)) {
		qty, pre = pos.Quantity, nil
	}
	amount := types.ToBaseUnits(qty, pos.Decimals)
	if amount == 0 {
		return nil, fmt.Errorf("%w: nothing to sell", ErrNotActionable)
	}

	var lastErr error
	for i, bps := range tiers {
		q := pre
		if i > 0 || q == nil {
			if q, _, err = e.quoteSell(ctx, sig.TokenMint, amount, pos.Decimals, bps); err != nil {
				return nil, fmt.Errorf("%w: quote: %w", ErrExecutionFailed, err)
			}
		}

		pending := storage.PendingTx{
			Key:         sig.IdempotencyKey(),
			TokenMint:   sig.TokenMint,
			Action:      types.ActionSell,
			Hunter:      sig.HunterAddress,
			Rule:        sig.Rule,
			SOLAmount:   types.LamportsToSOL(int64(q.OutAmount)),
			TokenAmount: types.FromBaseUnits(q.InAmount, pos.Decimals),
			Decimals:    pos.Decimals,
		}
		log.Info("📤 Selling",
			zap.String("tokens", pending.TokenAmount.String()),
			zap.String("sol", pending.SOLAmount.String()),
			zap.String("rule", sig.Rule),
			zap.Int("slippage_bps", bps))

		res, err := e.submit(ctx, q, pending, false, log)
		if err == nil || !errors.Is(err, errLandedFailed) {
			return res, err
		}
		lastErr = err
		log.Warn("⚠️ Sell failed on chain", zap.Int("slippage_bps", bps), zap.Int("tier", i+1), zap.Int("tiers", len(tiers)))
	}
	return nil, lastErr
}

// recheckExit runs the exit rules again on pos marked at the re-quoted
// price. A rule that no longer fires drops the exit; a different rule
// replaces it.
func (e *Executor) recheckExit(sig types.Signal, pos *types.Position, log *zap.Logger) (types.Signal, bool, error) {
	if e.rules == nil || !sig.IsExit() || !position.IsPriceRule(sig.Rule) || pos == nil {
		return sig, false, nil
	}
	next := e.rules.Decide(pos, e.now())
	if next == nil {
		log.Info("⛔ Exit dropped at quoted price",
			zap.String("rule", sig.Rule),
			zap.String("gain", pos.Gain().StringFixed(4)))
		return sig, false, fmt.Errorf("%w: %s does not hold at quoted price %s", ErrNotActionable, sig.Rule, pos.LastPrice)
	}
	if next.Rule == sig.Rule {
		return sig, false, nil
	}
	log.Info("🔁 Exit rule changed at quoted price",
		zap.String("from", sig.Rule),
		zap.String("to", next.Rule),
		zap.String("gain", pos.Gain().StringFixed(4)))
	return *next, true, nil
}

// sellFraction applies the follow-sell policy to hunter sells. Exit signals
// carry our own fraction.
func (e *Executor) sellFraction(sig types.Signal) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	frac := sig.Fraction
	if !frac.IsPositive() || frac.GreaterThan(one) {
		frac = one
	}
	if sig.IsExit() {
		return frac, nil
	}
	if frac.LessThan(decimal.NewFromFloat(e.cfg.FollowSellThreshold)) {
		return decimal.Zero, fmt.Errorf("%w: hunter sold %s of holding", ErrNotActionable, frac.StringFixed(4))
	}
	return decimal.Min(decimal.Max(frac, decimal.NewFromFloat(e.cfg.MinSellRatio)), one), nil
}

func (e *Executor) sellTiers() []int {
	if len(e.cfg.SellSlippageTiers) > 0 {
		return e.cfg.SellSlippageTiers
	}
	return []int{e.cfg.SlippageBps}
}

// quoteSell quotes amount tokens into SOL and returns the implied SOL per token.
func (e *Executor) quoteSell(ctx context.Context, mint string, amount uint64, decimals uint8, bps int) (*provider.Quote, decimal.Decimal, error) {
	q, err := e.swaps.Quote(ctx, mint, types.WSOLMint, amount, bps)
	if err != nil {
		return nil, decimal.Zero, err
	}
	tokens := types.FromBaseUnits(q.InAmount, decimals)
	if !tokens.IsPositive() || q.OutAmount == 0 {
		return nil, decimal.Zero, fmt.Errorf("empty sell quote for %s", mint)
	}
	return q, types.LamportsToSOL(int64(q.OutAmount)).Div(tokens), nil
}
