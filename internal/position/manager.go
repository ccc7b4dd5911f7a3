// internal/position/manager.go
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/events"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

const (
	RuleStopLoss   = "stop_loss"
	RuleTakeProfit = "take_profit"
	RuleManual     = "manual"

	sweepParallelism = 8
)

// Executor runs a trade for a signal. Sells ignore the report.
type Executor interface {
	Execute(ctx context.Context, sig types.Signal, report *types.RiskReport) (*types.Position, error)
}

// Manager evaluates exit rules for open positions, reactively on observed
// prices and periodically from market data.
type Manager struct {
	cfg      config.ExitConfig
	rules    Rules
	book     *Book
	market   provider.MarketSource
	exec     Executor
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time
	inflight sync.Map
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg config.ExitConfig, book *Book, market provider.MarketSource, exec Executor, publisher events.Publisher, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if publisher == nil {
		publisher = events.Discard
	}
	m := &Manager{
		cfg:    cfg,
		rules:  NewRules(cfg),
		book:   book,
		market: market,
		exec:   exec,
		events: publisher,
		logger: logger.Named("position_manager"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSignal re-marks the signal's token at the hunter's observed price.
func (m *Manager) OnSignal(ctx context.Context, sig types.Signal) (*types.Position, error) {
	if sig.IsExit() || !sig.ObservedPrice.IsPositive() || m.book.Get(sig.TokenMint) == nil {
		return nil, nil
	}
	return m.Evaluate(ctx, sig.TokenMint, sig.ObservedPrice)
}

// Run sweeps all open positions every SweepInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("🚀 Position sweep started", zap.Duration("interval", m.cfg.SweepInterval))
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Position sweep stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep refreshes the price of every open position and evaluates its exit rules.
func (m *Manager) Sweep(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(sweepParallelism)
	for _, token := range m.book.Open() {
		g.Go(func() error {
			md, err := m.market.MarketData(ctx, token)
			if err != nil {
				m.logger.Debug("Price refresh failed", zap.String("token", token), zap.Error(err))
				return nil
			}
			if !md.PriceSOL.IsPositive() {
				m.logger.Debug("No SOL price for token", zap.String("token", token), zap.String("source", md.Source))
				return nil
			}
			if _, err := m.Evaluate(ctx, token, md.PriceSOL); err != nil {
				m.logger.Warn("⚠️ Exit attempt failed", zap.String("token", token), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Evaluate marks token at price and, when an exit rule fires, executes the
// synthesized sell. Concurrent evaluations of one token collapse into one.
func (m *Manager) Evaluate(ctx context.Context, token string, price decimal.Decimal) (*types.Position, error) {
	if _, busy := m.inflight.LoadOrStore(token, struct{}{}); busy {
		return nil, nil
	}
	defer m.inflight.Delete(token)

	unlock := m.book.Lock(token)
	pos, ok := m.book.ObservePrice(token, price)
	var sig *types.Signal
	if ok {
		sig = m.rules.Decide(pos, m.now())
	}
	unlock()

	if sig == nil {
		return pos, nil
	}

	gain := pos.Gain()
	m.logger.Info("⛔ Exit rule triggered",
		zap.String("token", token),
		zap.String("rule", sig.Rule),
		zap.String("gain", gain.StringFixed(4)),
		zap.String("fraction", sig.Fraction.String()))
	_ = m.events.Publish(events.ExitTriggeredEvent{
		BaseEvent: events.NewBase(events.ExitTriggered, m.now()),
		TokenMint: token,
		Rule:      sig.Rule,
		Fraction:  sig.Fraction,
		Price:     pos.LastPrice,
		Gain:      gain,
	})
	return m.exec.Execute(ctx, *sig, nil)
}

// Close exits token's position in full.
func (m *Manager) Close(ctx context.Context, token string) (*types.Position, error) {
	pos := m.book.Get(token)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, token)
	}
	now := m.now()
	sig := types.Signal{
		TokenMint:     token,
		Action:        types.ActionSell,
		Fraction:      decimal.NewFromInt(1),
		ObservedPrice: pos.LastPrice,
		SourceTxID:    fmt.Sprintf("%s:%s:%d", RuleManual, token, now.UnixNano()),
		ObservedAt:    now,
		Source:        types.SourceExit,
		Rule:          RuleManual,
	}
	m.logger.Info("⛔ Manual close requested", zap.String("token", token))
	return m.exec.Execute(ctx, sig, nil)
}
