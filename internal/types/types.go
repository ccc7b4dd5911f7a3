// internal/types/types.go
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// SignalSource tells where a Signal was derived from.
type SignalSource string

const (
	SourceStream SignalSource = "stream"
	SourcePoll   SignalSource = "poll"
	SourceReplay SignalSource = "replay"
	SourceExit   SignalSource = "exit"
)

// Signal is one observed hunter trade, or a synthesized exit.
// Amounts are in UI units, prices in SOL per token.
type Signal struct {
	HunterAddress string
	TokenMint     string
	Action        Action
	Amount        decimal.Decimal
	SOLAmount     decimal.Decimal
	// Fraction is the share of the hunter's holding sold, or for exit
	// signals the share of our own position to sell.
	Fraction      decimal.Decimal
	ObservedPrice decimal.Decimal
	SourceTxID    string
	ObservedAt    time.Time
	Source        SignalSource
	Rule          string
}

// IdempotencyKey identifies the logical trade a signal asks for.
func (s Signal) IdempotencyKey() string {
	return s.SourceTxID + ":" + s.TokenMint + ":" + string(s.Action)
}

func (s Signal) IsExit() bool {
	return s.Source == SourceExit
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// RiskReport is the outcome of vetting one token. AgeSeconds is -1 when unknown.
type RiskReport struct {
	TokenMint    string
	LiquidityUSD float64
	FDVUSD       float64
	PriceUSD     float64
	AgeSeconds   int64
	SafetyScore  float64
	Verdict      Verdict
	Reasons      []string
	SizeFactor   float64
	NoAdd        bool
	EvaluatedAt  time.Time
	ExpiresAt    time.Time
}

func (r *RiskReport) Approved() bool {
	return r != nil && r.Verdict == VerdictApproved
}

// Expired reports whether the report can no longer gate a trade at now.
func (r *RiskReport) Expired(now time.Time) bool {
	return r == nil || !now.Before(r.ExpiresAt)
}

type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is our holding in one token. Quantity is in UI units, CostBasis
// and LastPrice in SOL per token, PnL and InvestedSOL in SOL.
type Position struct {
	TokenMint     string
	Quantity      decimal.Decimal
	CostBasis     decimal.Decimal
	OpenedAt      time.Time
	Status        PositionStatus
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastPrice     decimal.Decimal
	InvestedSOL   decimal.Decimal
	Decimals      uint8
	NoAdd         bool
	LadderLevel   int
	PendingTxID   string
	UpdatedAt     time.Time
}

// Active reports whether the position still holds tokens.
func (p *Position) Active() bool {
	return p != nil && (p.Status == PositionOpen || p.Status == PositionClosing)
}

// MarkValue is the current SOL value of the remaining quantity.
func (p *Position) MarkValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// Gain is LastPrice/CostBasis - 1, zero when the cost basis is unknown.
func (p *Position) Gain() decimal.Decimal {
	if p.CostBasis.IsZero() || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Div(p.CostBasis).Sub(decimal.NewFromInt(1))
}

// SwapRequest amounts are in base units of InputMint.
type SwapRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

type SwapStatus string

const (
	SwapConfirmed SwapStatus = "confirmed"
	SwapFailed    SwapStatus = "failed"
	SwapTimeout   SwapStatus = "timeout"
)

// SwapResult carries the filled token quantity (UI units) and the SOL per token price.
type SwapResult struct {
	FilledAmount decimal.Decimal
	SOLAmount    decimal.Decimal
	Price        decimal.Decimal
	TxID         string
	Status       SwapStatus
}

// Fill is one confirmed trade applied to a position.
type Fill struct {
	ID             string
	TokenMint      string
	Action         Action
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	SOLAmount      decimal.Decimal
	RealizedPnL    decimal.Decimal
	TxID           string
	IdempotencyKey string
	Hunter         string
	Rule           string
	At             time.Time
}
