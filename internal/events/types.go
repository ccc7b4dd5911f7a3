// internal/events/types.go
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of event.
type EventType string

const (
	TradeExecuted  EventType = "trade.executed"
	TradeFailed    EventType = "trade.failed"
	ExitTriggered  EventType = "exit.triggered"
	PositionClosed EventType = "position.closed"
	ProviderOutage EventType = "provider.outage"

	// AllEvents subscribes a handler to every event type.
	AllEvents EventType = "*"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	EventID() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	ID        string    `json:"id"`
	EventType EventType `json:"type"`
	EventTime time.Time `json:"time"`
}

func NewBase(t EventType, at time.Time) BaseEvent {
	return BaseEvent{ID: uuid.NewString(), EventType: t, EventTime: at}
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e BaseEvent) EventID() string      { return e.ID }

// TradeExecutedEvent is emitted for every confirmed fill.
type TradeExecutedEvent struct {
	BaseEvent
	TokenMint   string          `json:"token_mint"`
	Action      string          `json:"action"`
	Hunter      string          `json:"hunter,omitempty"`
	Rule        string          `json:"rule,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price_sol"`
	SOLAmount   decimal.Decimal `json:"sol_amount"`
	RealizedPnL decimal.Decimal `json:"realized_pnl_sol"`
	TxID        string          `json:"tx_id"`
}

// TradeFailedEvent reports a trade that did not fill. Unresolved trades
// have a submitted transaction whose outcome is still unknown.
type TradeFailedEvent struct {
	BaseEvent
	TokenMint  string `json:"token_mint"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	TxID       string `json:"tx_id,omitempty"`
	Unresolved bool   `json:"unresolved"`
}

type ExitTriggeredEvent struct {
	BaseEvent
	TokenMint string          `json:"token_mint"`
	Rule      string          `json:"rule"`
	Fraction  decimal.Decimal `json:"fraction"`
	Price     decimal.Decimal `json:"price_sol"`
	Gain      decimal.Decimal `json:"gain"`
}

// FillSummary is one line of a closed position's history.
type FillSummary struct {
	Action      string          `json:"action"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price_sol"`
	SOLAmount   decimal.Decimal `json:"sol_amount"`
	RealizedPnL decimal.Decimal `json:"realized_pnl_sol"`
	Rule        string          `json:"rule,omitempty"`
	TxID        string          `json:"tx_id"`
	At          time.Time       `json:"at"`
}

// PositionClosedEvent is the snapshot sent when a position is fully exited.
type PositionClosedEvent struct {
	BaseEvent
	TokenMint   string          `json:"token_mint"`
	OpenedAt    time.Time       `json:"opened_at"`
	InvestedSOL decimal.Decimal `json:"invested_sol"`
	RealizedPnL decimal.Decimal `json:"realized_pnl_sol"`
	Fills       []FillSummary   `json:"fills"`
}

type ProviderOutageEvent struct {
	BaseEvent
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// partitionKey groups events of one token on the same partition.
func partitionKey(e Event) string {
	switch ev := e.(type) {
	case TradeExecutedEvent:
		return ev.TokenMint
	case TradeFailedEvent:
		return ev.TokenMint
	case ExitTriggeredEvent:
		return ev.TokenMint
	case PositionClosedEvent:
		return ev.TokenMint
	case ProviderOutageEvent:
		return ev.Provider
	}
	return string(e.Type())
}
