package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSignalIdempotencyKey(t *testing.T) {
	s := Signal{SourceTxID: "sig1", TokenMint: "mintA", Action: ActionBuy}
	assert.Equal(t, "sig1:mintA:buy", s.IdempotencyKey())

	s.Action = ActionSell
	assert.NotEqual(t, "sig1:mintA:buy", s.IdempotencyKey())
}

func TestRiskReportExpired(t *testing.T) {
	now := time.Now()
	r := &RiskReport{ExpiresAt: now.Add(time.Second)}
	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(time.Second)))

	var missing *RiskReport
	assert.True(t, missing.Expired(now))
	assert.False(t, missing.Approved())
}

func TestUnitConversions(t *testing.T) {
	assert.Equal(t, uint64(1_500_000), ToBaseUnits(decimal.RequireFromString("1.5"), 6))
	assert.Equal(t, uint64(1), ToBaseUnits(decimal.RequireFromString("0.0000019"), 6))
	assert.True(t, FromBaseUnits(2_500_000, 6).Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, uint64(30_000_000), SOLToLamports(decimal.RequireFromString("0.03")))
	assert.True(t, LamportsToSOL(-5_000_000).Equal(decimal.RequireFromString("-0.005")))
}

func TestPositionGain(t *testing.T) {
	p := Position{CostBasis: decimal.NewFromInt(100), LastPrice: decimal.NewFromInt(205)}
	assert.True(t, p.Gain().Equal(decimal.RequireFromString("1.05")))

	p.CostBasis = decimal.Zero
	assert.True(t, p.Gain().IsZero())
}
