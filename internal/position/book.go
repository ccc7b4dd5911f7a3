// internal/position/book.go
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

var (
	ErrNoPosition = errors.New("no open position")
	ErrClosing    = errors.New("position is closing")
)

// Book owns the in-memory set of active positions, at most one per token.
// Mutating calls expect the caller to hold the token's lock from Lock.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*types.Position

	locksMu sync.Mutex
	locks   map[string]*tokenLock

	journal storage.Journal
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type BookOption func(*Book)

func WithBookMetrics(c *metrics.Collector) BookOption {
	return func(b *Book) { b.metrics = c }
}

func WithBookClock(now func() time.Time) BookOption {
	return func(b *Book) { b.now = now }
}

func NewBook(journal storage.Journal, logger *zap.Logger, opts ...BookOption) *Book {
	b := &Book{
		positions: make(map[string]*types.Position),
		locks:     make(map[string]*tokenLock),
		journal:   journal,
		logger:    logger.Named("position_book"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load restores active positions from the journal.
func (b *Book) Load(ctx context.Context) error {
	loaded, err := b.journal.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	b.mu.Lock()
	for i := range loaded {
		p := loaded[i]
		if p.Active() {
			b.positions[p.TokenMint] = &p
		}
	}
	n := len(b.positions)
	b.mu.Unlock()

	b.metrics.SetOpenPositions(n)
	b.logger.Info("📂 Positions restored", zap.Int("count", n))
	return nil
}

// tokenLock is dropped from the book once no caller holds or waits on it.
type tokenLock struct {
	mu   sync.Mutex
	refs int
}

// Lock serializes every mutation of token's position. The returned func unlocks.
func (b *Book) Lock(token string) func() {
	b.locksMu.Lock()
	l, ok := b.locks[token]
	if !ok {
		l = &tokenLock{}
		b.locks[token] = l
	}
	l.refs++
	b.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(b.locks, token)
		}
		b.locksMu.Unlock()
	}
}

// Get returns a copy of token's active position, or nil.
func (b *Book) Get(token string) *types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[token]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Open lists the tokens with an active position.
func (b *Book) Open() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.positions))
	for token := range b.positions {
		out = append(out, token)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns copies of all active positions ordered by token.
func (b *Book) Snapshot() []types.Position {
	b.mu.RLock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TokenMint < out[j].TokenMint })
	return out
}

// ApplyBuy adds a confirmed buy fill, opening the position if needed. The
// cost basis becomes the quantity weighted average of the old and new lots.
func (b *Book) ApplyBuy(ctx context.Context, fill types.Fill, decimals uint8, noAdd bool) (*types.Position, error) {
	if !fill.Quantity.IsPositive() {
		return nil, fmt.Errorf("buy fill for %s has no quantity", fill.TokenMint)
	}

	b.mu.Lock()
	p, ok := b.positions[fill.TokenMint]
	switch {
	case !ok:
		p = &types.Position{
			TokenMint: fill.TokenMint,
			OpenedAt:  fill.At,
			Status:    types.PositionOpen,
			Decimals:  decimals,
			CostBasis: fill.Price,
			Quantity:  fill.Quantity,
		}
		b.positions[fill.TokenMint] = p
	case p.Status == types.PositionClosing:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClosing, fill.TokenMint)
	default:
		total := p.Quantity.Add(fill.Quantity)
		p.CostBasis = p.Quantity.Mul(p.CostBasis).Add(fill.Quantity.Mul(fill.Price)).Div(total)
		p.Quantity = total
	}
	p.InvestedSOL = p.InvestedSOL.Add(fill.SOLAmount)
	p.NoAdd = p.NoAdd || noAdd
	p.LastPrice = fill.Price
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = b.now()
	cp := *p
	n := len(b.positions)
	b.mu.Unlock()

	b.metrics.SetOpenPositions(n)
	b.persist(ctx, cp)
	return &cp, nil
}

// ApplySell removes a confirmed sell fill and returns the position with the
// PnL realized by this fill. A position reaching zero quantity is closed and
// leaves the book.
func (b *Book) ApplySell(ctx context.Context, fill types.Fill) (*types.Position, decimal.Decimal, error) {
	b.mu.Lock()
	p, ok := b.positions[fill.TokenMint]
	if !ok {
		b.mu.Unlock()
		return nil, decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, fill.TokenMint)
	}

	qty := decimal.Min(fill.Quantity, p.Quantity)
	realized := qty.Mul(fill.Price.Sub(p.CostBasis))
	p.Quantity = p.Quantity.Sub(qty)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.LastPrice = fill.Price
	p.PendingTxID = ""
	if lvl, ok := LadderLevel(fill.Rule); ok && lvl > p.LadderLevel {
		p.LadderLevel = lvl
	}
	if p.Quantity.IsPositive() {
		p.Status = types.PositionOpen
		p.UnrealizedPnL = unrealized(p)
	} else {
		p.Quantity = decimal.Zero
		p.Status = types.PositionClosed
		p.UnrealizedPnL = decimal.Zero
		delete(b.positions, fill.TokenMint)
	}
	p.UpdatedAt = b.now()
	cp := *p
	n := len(b.positions)
	b.mu.Unlock()

	b.metrics.SetOpenPositions(n)
	b.persist(ctx, cp)
	return &cp, realized, nil
}

// MarkClosing records that an exit transaction txID is in flight.
func (b *Book) MarkClosing(ctx context.Context, token, txID string) error {
	if txID == "" {
		return fmt.Errorf("closing %s without a transaction id", token)
	}
	return b.update(ctx, token, func(p *types.Position) {
		p.Status = types.PositionClosing
		p.PendingTxID = txID
	})
}

// ReopenAfterFailure returns a closing position to open once its exit is known to have failed.
func (b *Book) ReopenAfterFailure(ctx context.Context, token string) error {
	return b.update(ctx, token, func(p *types.Position) {
		p.Status = types.PositionOpen
		p.PendingTxID = ""
	})
}

// ObservePrice marks token's position at price. It reports false when there is no position.
func (b *Book) ObservePrice(token string, price decimal.Decimal) (*types.Position, bool) {
	if !price.IsPositive() {
		p := b.Get(token)
		return p, p != nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[token]
	if !ok {
		return nil, false
	}
	p.LastPrice = price
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = b.now()
	cp := *p
	return &cp, true
}

func (b *Book) update(ctx context.Context, token string, fn func(*types.Position)) error {
	b.mu.Lock()
	p, ok := b.positions[token]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPosition, token)
	}
	fn(p)
	p.UpdatedAt = b.now()
	cp := *p
	b.mu.Unlock()

	b.persist(ctx, cp)
	return nil
}

// persist writes p to the journal. Failures are logged; the book stays authoritative.
func (b *Book) persist(ctx context.Context, p types.Position) {
	if err := b.journal.SavePosition(context.WithoutCancel(ctx), p); err != nil {
		b.logger.Error("Failed to persist position",
			zap.String("token", p.TokenMint),
			zap.String("status", string(p.Status)),
			zap.Error(err))
	}
}

func unrealized(p *types.Position) decimal.Decimal {
	if p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.LastPrice.Sub(p.CostBasis))
}

const ladderPrefix = "ladder:"

// LadderRule names the exit rule for ladder step level (1-based).
func LadderRule(level int) string {
	return ladderPrefix + strconv.Itoa(level)
}

// LadderLevel parses a rule produced by LadderRule.
func LadderLevel(rule string) (int, bool) {
	if !strings.HasPrefix(rule, ladderPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(rule, ladderPrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
