// internal/position/rules.go
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// Rules maps a marked position to the exit it calls for: stop loss, take
// profit, or the next ladder step.
type Rules struct {
	cfg config.ExitConfig
}

func NewRules(cfg config.ExitConfig) Rules {
	return Rules{cfg: cfg}
}

// Decide picks at most one exit rule for p at its LastPrice. A closing
// position re-issues the same signal so the executor can reconcile its
// pending exit.
func (r Rules) Decide(p *types.Position, at time.Time) *types.Signal {
	if p == nil || p.CostBasis.IsZero() || p.LastPrice.IsZero() {
		return nil
	}
	gain := p.Gain()
	one := decimal.NewFromInt(1)

	var (
		rule     string
		fraction decimal.Decimal
	)
	switch {
	case gain.LessThanOrEqual(decimal.NewFromFloat(-r.cfg.StopLossPct)):
		rule, fraction = RuleStopLoss, one
	case gain.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.TakeProfitPct)):
		rule, fraction = RuleTakeProfit, one
	case p.LadderLevel < len(r.cfg.Ladder):
		step := r.cfg.Ladder[p.LadderLevel]
		if gain.GreaterThanOrEqual(decimal.NewFromFloat(step.Gain)) {
			rule, fraction = LadderRule(p.LadderLevel+1), decimal.NewFromFloat(step.SellFraction)
		}
	}
	if rule == "" {
		return nil
	}

	return &types.Signal{
		TokenMint:     p.TokenMint,
		Action:        types.ActionSell,
		Fraction:      fraction,
		ObservedPrice: p.LastPrice,
		SourceTxID:    exitTxID(rule, p),
		ObservedAt:    at,
		Source:        types.SourceExit,
		Rule:          rule,
	}
}

// IsPriceRule reports whether rule is decided from the mark, as opposed to
// a manual close.
func IsPriceRule(rule string) bool {
	if rule == RuleStopLoss || rule == RuleTakeProfit {
		return true
	}
	_, ok := LadderLevel(rule)
	return ok
}

// exitTxID is stable for one rule on one position lifetime.
func exitTxID(rule string, p *types.Position) string {
	return fmt.Sprintf("exit:%s:%s:%d", rule, p.TokenMint, p.OpenedAt.UnixNano())
}
