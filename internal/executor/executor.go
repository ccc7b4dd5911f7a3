// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/events"
	"github.com/denggit/DynamicSmartFlow3/internal/position"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

var (
	// ErrExecutionTimeout means a transaction was submitted but its outcome is
	// unknown. The pending record stays until reconciled against the chain.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrExecutionFailed means the trade did not happen and state is unchanged.
	ErrExecutionFailed  = errors.New("execution failed")
	ErrDuplicateSignal  = errors.New("duplicate signal")
	ErrSlippageExceeded = errors.New("quoted price outside slippage band")
	ErrNotActionable    = errors.New("signal not actionable")
	ErrRiskRejected     = errors.New("risk rejected")
	ErrDraining         = errors.New("executor is draining")

	errLandedFailed = errors.New("transaction failed on chain")
)

// IsRetryable reports whether the same signal may be executed again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExecutionTimeout) || errors.Is(err, ErrExecutionFailed)
}

// Signer signs swap transactions for the trading wallet.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) ([]byte, error)
}

// Chain submits transactions and resolves mint decimals.
type Chain interface {
	provider.Submitter
	provider.DecimalsSource
}

// RiskEvaluator produces a fresh report when the one handed in has expired.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, mint string) *types.RiskReport
}

// Executor turns signals into confirmed swaps and applies the fills to the book.
type Executor struct {
	cfg     config.TradingConfig
	book    *position.Book
	swaps   provider.SwapSource
	chain   Chain
	signer  Signer
	vetter  RiskEvaluator
	journal storage.Journal
	rules   *position.Rules
	events  events.Publisher
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// pendingExpiry is how long an unseen transaction may stay pending before it is treated as dropped.
	pendingExpiry time.Duration

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

var _ position.Executor = (*Executor)(nil)

type Option func(*Executor)

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.events = p
		}
	}
}

// WithExitRules re-checks price-driven exits against the re-quoted price.
func WithExitRules(r position.Rules) Option {
	return func(e *Executor) { e.rules = &r }
}

func WithPendingExpiry(d time.Duration) Option {
	return func(e *Executor) { e.pendingExpiry = d }
}

func New(cfg config.TradingConfig, book *position.Book, swaps provider.SwapSource, chain Chain, signer Signer,
	vetter RiskEvaluator, journal storage.Journal, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:           cfg,
		book:          book,
		swaps:         swaps,
		chain:         chain,
		signer:        signer,
		vetter:        vetter,
		journal:       journal,
		events:        events.Discard,
		logger:        logger.Named("executor"),
		now:           time.Now,
		pendingExpiry: 3 * cfg.ConfirmTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs sig to completion under the token's lock. A key that already
// has a pending transaction is reconciled before anything new is submitted.
func (e *Executor) Execute(ctx context.Context, sig types.Signal, report *types.RiskReport) (*types.Position, error) {
	if !e.begin() {
		return nil, ErrDraining
	}
	defer e.inflight.Done()

	unlock := e.book.Lock(sig.TokenMint)
	defer unlock()

	start := e.now()
	key := sig.IdempotencyKey()
	log := e.logger.With(
		zap.String("token", sig.TokenMint),
		zap.String("action", string(sig.Action)),
		zap.String("key", key))

	done, err := e.journal.IsCompleted(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency lookup: %w", ErrExecutionFailed, err)
	}
	if done {
		log.Debug("Signal already executed")
		return nil, ErrDuplicateSignal
	}

	pending, err := e.journal.PendingFor(ctx, key)
	switch {
	case err == nil:
		pos, settled, rerr := e.reconcile(ctx, *pending, log)
		if settled {
			return pos, rerr
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: pending lookup: %w", ErrExecutionFailed, err)
	}

	var pos *types.Position
	switch sig.Action {
	case types.ActionBuy:
		pos, err = e.buy(ctx, sig, report, log)
	case types.ActionSell:
		pos, err = e.sell(ctx, sig, log)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrNotActionable, sig.Action)
	}

	e.metrics.RecordTrade(string(sig.Action), outcome(err), e.now().Sub(start))
	if IsRetryable(err) || errors.Is(err, ErrSlippageExceeded) {
		e.publishFailure(sig, err)
	}
	return pos, err
}

// Wait stops accepting new signals and blocks until in-flight ones finish or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile resolves every pending transaction left by a previous run.
func (e *Executor) Reconcile(ctx context.Context) error {
	pending, err := e.journal.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, p := range pending {
		log := e.logger.With(zap.String("token", p.TokenMint), zap.String("key", p.Key), zap.String("tx", p.TxID))
		unlock := e.book.Lock(p.TokenMint)
		_, settled, err := e.reconcile(ctx, p, log)
		unlock()
		switch {
		case err != nil:
			log.Warn("⚠️ Pending transaction still unresolved", zap.Error(err))
		case settled:
			log.Info("✅ Pending transaction reconciled")
		}
	}
	e.logger.Info("🔁 Reconciliation finished", zap.Int("pending", len(pending)))
	return nil
}

func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.inflight.Add(1)
	return true
}

func outcome(err error) string {
	switch {
	case err == nil:
		return string(types.SwapConfirmed)
	case errors.Is(err, ErrExecutionTimeout):
		return string(types.SwapTimeout)
	case errors.Is(err, ErrDuplicateSignal):
		return "duplicate"
	case errors.Is(err, ErrNotActionable):
		return "skipped"
	case errors.Is(err, ErrRiskRejected):
		return "rejected"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	}
	return string(types.SwapFailed)
}

func (e *Executor) publishFailure(sig types.Signal, err error) {
	ev := events.TradeFailedEvent{
		BaseEvent:  events.NewBase(events.TradeFailed, e.now()),
		TokenMint:  sig.TokenMint,
		Action:     string(sig.Action),
		Reason:     err.Error(),
		Unresolved: errors.Is(err, ErrExecutionTimeout),
	}
	if pos := e.book.Get(sig.TokenMint); pos != nil {
		ev.TxID = pos.PendingTxID
	}
	_ = e.events.Publish(ev)
}
