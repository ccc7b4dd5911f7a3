package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

func testRules() Rules {
	return NewRules(config.ExitConfig{
		StopLossPct:   0.5,
		TakeProfitPct: 0.8,
		Ladder:        []config.LadderStep{{Gain: 0.3, SellFraction: 0.5}, {Gain: 0.6, SellFraction: 0.5}},
	})
}

func markedAt(cost, last float64, level int) *types.Position {
	return &types.Position{
		TokenMint:   "mint",
		Quantity:    decimal.NewFromInt(10),
		CostBasis:   decimal.NewFromFloat(cost),
		LastPrice:   decimal.NewFromFloat(last),
		OpenedAt:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Status:      types.PositionOpen,
		LadderLevel: level,
	}
}

func TestRulesDecide(t *testing.T) {
	tests := []struct {
		name     string
		pos      *types.Position
		rule     string
		fraction string
	}{
		{"stop loss", markedAt(100, 50, 0), RuleStopLoss, "1"},
		{"take profit wins over ladder", markedAt(100, 180, 0), RuleTakeProfit, "1"},
		{"first ladder step", markedAt(100, 130, 0), LadderRule(1), "0.5"},
		{"second step needs its own gain", markedAt(100, 130, 1), "", ""},
		{"second ladder step", markedAt(100, 165, 1), LadderRule(2), "0.5"},
		{"ladder exhausted", markedAt(100, 170, 2), "", ""},
		{"inside the band", markedAt(100, 110, 0), "", ""},
		{"unpriced", markedAt(100, 0, 0), "", ""},
		{"no position", nil, "", ""},
	}

	at := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := testRules().Decide(tt.pos, at)
			if tt.rule == "" {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.rule, sig.Rule)
			assert.Equal(t, tt.fraction, sig.Fraction.String())
			assert.Equal(t, types.ActionSell, sig.Action)
			assert.Equal(t, types.SourceExit, sig.Source)
			assert.True(t, sig.ObservedPrice.Equal(tt.pos.LastPrice))
			assert.Equal(t, at, sig.ObservedAt)
		})
	}
}

func TestExitKeysSeparatePositionLifetimes(t *testing.T) {
	first := markedAt(100, 40, 0)
	reopened := markedAt(100, 40, 0)
	reopened.OpenedAt = first.OpenedAt.Add(250 * time.Millisecond)

	a := testRules().Decide(first, time.Now())
	b := testRules().Decide(reopened, time.Now())
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())

	again := testRules().Decide(first, time.Now().Add(time.Minute))
	assert.Equal(t, a.IdempotencyKey(), again.IdempotencyKey())
}

func TestIsPriceRule(t *testing.T) {
	assert.True(t, IsPriceRule(RuleStopLoss))
	assert.True(t, IsPriceRule(RuleTakeProfit))
	assert.True(t, IsPriceRule(LadderRule(3)))
	assert.False(t, IsPriceRule(RuleManual))
	assert.False(t, IsPriceRule("ladder:0"))
	assert.False(t, IsPriceRule(""))
}
