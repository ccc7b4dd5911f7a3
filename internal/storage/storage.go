// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// PendingTx is a submitted swap whose outcome is not yet known. It is keyed
// by the idempotency key of the signal that produced it.
type PendingTx struct {
	Key         string
	TokenMint   string
	Action      types.Action
	TxID        string
	Hunter      string
	Rule        string
	SOLAmount   decimal.Decimal
	TokenAmount decimal.Decimal
	Decimals    uint8
	SubmittedAt time.Time
}

// Journal is the durable record of trading state.
type Journal interface {
	// Transactions
	RecordPending(ctx context.Context, p PendingTx) error
	PendingFor(ctx context.Context, key string) (*PendingTx, error)
	ListPending(ctx context.Context) ([]PendingTx, error)
	ResolvePending(ctx context.Context, key string) error

	// Fills and positions
	SaveFill(ctx context.Context, f types.Fill) error
	Fills(ctx context.Context, tokenMint string, since time.Time) ([]types.Fill, error)
	SavePosition(ctx context.Context, p types.Position) error
	LoadOpenPositions(ctx context.Context) ([]types.Position, error)

	// Idempotency
	MarkCompleted(ctx context.Context, key string) error
	IsCompleted(ctx context.Context, key string) (bool, error)

	Close() error
}
