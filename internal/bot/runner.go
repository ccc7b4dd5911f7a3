// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denggit/DynamicSmartFlow3/internal/executor"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	logutil "github.com/denggit/DynamicSmartFlow3/internal/utils/logger"
)

// SignalSource produces hunter signals until Run returns.
type SignalSource interface {
	Run(ctx context.Context) error
	Signals() <-chan types.Signal
}

type RiskEvaluator interface {
	Evaluate(ctx context.Context, mint string) *types.RiskReport
}

type Trader interface {
	Execute(ctx context.Context, sig types.Signal, report *types.RiskReport) (*types.Position, error)
	Reconcile(ctx context.Context) error
	Wait(ctx context.Context) error
}

type ExitManager interface {
	OnSignal(ctx context.Context, sig types.Signal) (*types.Position, error)
	Run(ctx context.Context) error
}

type PositionReader interface {
	Get(token string) *types.Position
}

// Ledger records which signals reached a final outcome.
type Ledger interface {
	MarkCompleted(ctx context.Context, key string) error
	IsCompleted(ctx context.Context, key string) (bool, error)
}

type RunnerConfig struct {
	// DrainTimeout bounds how long in-flight trades may run after shutdown starts.
	DrainTimeout time.Duration
	// RetryAttempts bounds executions of one signal that end in a retryable error.
	RetryAttempts     uint
	RetryInterval     time.Duration
	ReconcileInterval time.Duration
}

// Runner drives the pipeline: Monitor -> Vetter -> Executor, with the
// position manager watching prices and firing exits.
type Runner struct {
	cfg       RunnerConfig
	signals   SignalSource
	vetter    RiskEvaluator
	trader    Trader
	manager   ExitManager
	positions PositionReader
	ledger    Ledger
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	trades   sync.WaitGroup
}

func NewRunner(cfg RunnerConfig, signals SignalSource, vetter RiskEvaluator, trader Trader, manager ExitManager,
	positions PositionReader, ledger Ledger, logger *zap.Logger) *Runner {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	return &Runner{
		cfg:       cfg,
		signals:   signals,
		vetter:    vetter,
		trader:    trader,
		manager:   manager,
		positions: positions,
		ledger:    ledger,
		logger:    logger.Named("runner"),
		inflight:  make(map[string]struct{}),
	}
}

// Run blocks until ctx ends, then drains in-flight trades. Trades run on a
// context detached from ctx so shutdown does not abort a confirmation wait
// until the drain deadline passes.
func (r *Runner) Run(ctx context.Context) error {
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	if err := r.trader.Reconcile(execCtx); err != nil {
		r.logger.Warn("⚠️ Startup reconciliation failed", zap.Error(err))
	}

	r.logger.Info("🚀 Pipeline started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.signals.Run(gctx) })
	g.Go(func() error { return r.manager.Run(gctx) })
	g.Go(func() error {
		r.reconcileLoop(gctx, execCtx)
		return nil
	})
	g.Go(func() error {
		r.dispatch(gctx, execCtx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	r.drain(cancelExec)
	return err
}

func (r *Runner) dispatch(ctx, execCtx context.Context) {
	signals := r.signals.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			r.handle(execCtx, sig)
		}
	}
}

func (r *Runner) reconcileLoop(ctx, execCtx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.trader.Reconcile(execCtx); err != nil {
				r.logger.Warn("⚠️ Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// handle starts one trade task per signal unless the same logical signal is
// already in flight or finished.
func (r *Runner) handle(ctx context.Context, sig types.Signal) {
	key := sig.IdempotencyKey()
	log := logutil.WithToken(logutil.WithHunter(r.logger, sig.HunterAddress), sig.TokenMint).With(
		zap.String("action", string(sig.Action)),
		zap.String("source_tx", sig.SourceTxID))

	if done, err := r.ledger.IsCompleted(ctx, key); err != nil {
		log.Warn("⚠️ Ledger lookup failed", zap.Error(err))
	} else if done {
		log.Debug("Duplicate signal ignored")
		return
	}
	if !r.claim(key) {
		log.Debug("Signal already in flight")
		return
	}

	r.trades.Add(1)
	go func() {
		defer r.trades.Done()
		defer r.release(key)
		r.process(ctx, sig, log)
	}()
}

func (r *Runner) process(ctx context.Context, sig types.Signal, log *zap.Logger) {
	if _, err := r.manager.OnSignal(ctx, sig); err != nil {
		log.Warn("⚠️ Exit triggered by signal failed", zap.Error(err))
	}

	var report *types.RiskReport
	switch sig.Action {
	case types.ActionBuy:
		report = r.vetter.Evaluate(ctx, sig.TokenMint)
		if !report.Approved() {
			log.Info("⛔ Token rejected", zap.String("reasons", strings.Join(report.Reasons, ",")))
			r.finish(ctx, sig, log)
			return
		}
	case types.ActionSell:
		if r.positions.Get(sig.TokenMint) == nil {
			log.Debug("Hunter sold a token we do not hold")
			r.finish(ctx, sig, log)
			return
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInterval
	attempt := func() (*types.Position, error) {
		pos, err := r.trader.Execute(ctx, sig, report)
		if err != nil && !executor.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return pos, err
	}
	pos, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.cfg.RetryAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("🔁 Retrying trade", zap.Duration("next", next), zap.Error(err))
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	switch {
	case err == nil:
		if pos != nil {
			log.Info("✅ Signal executed",
				zap.String("status", string(pos.Status)),
				zap.String("quantity", pos.Quantity.String()))
		}
	case errors.Is(err, executor.ErrDuplicateSignal):
		log.Debug("Duplicate signal ignored")
	case errors.Is(err, executor.ErrExecutionTimeout), errors.Is(err, context.Canceled):
		log.Warn("⏳ Trade unresolved, left for reconciliation", zap.Error(err))
		return
	case errors.Is(err, executor.ErrRiskRejected):
		log.Info("⛔ Token rejected on re-evaluation", zap.Error(err))
	case errors.Is(err, executor.ErrNotActionable):
		log.Info("Signal skipped", zap.Error(err))
	default:
		log.Error("Trade failed", zap.Error(err))
	}
	r.finish(ctx, sig, log)
}

// finish records a final outcome so replays of the signal are ignored.
func (r *Runner) finish(ctx context.Context, sig types.Signal, log *zap.Logger) {
	if err := r.ledger.MarkCompleted(context.WithoutCancel(ctx), sig.IdempotencyKey()); err != nil {
		log.Warn("⚠️ Failed to record signal outcome", zap.Error(err))
	}
}

func (r *Runner) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return false
	}
	r.inflight[key] = struct{}{}
	return true
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}

// drain waits for trade tasks up to DrainTimeout, then cancels the rest.
// Cancelled trades keep their pending transaction record for the next start.
func (r *Runner) drain(cancelExec context.CancelFunc) {
	r.logger.Info("🔌 Draining in-flight trades", zap.Duration("timeout", r.cfg.DrainTimeout))
	done := make(chan struct{})
	go func() {
		r.trades.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		r.logger.Info("✅ All trades finished")
	case <-timer.C:
		r.logger.Warn("⚠️ Drain deadline reached, cancelling in-flight trades")
		cancelExec()
		<-done
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.trader.Wait(ctx); err != nil {
		r.logger.Warn("⚠️ Executor did not drain", zap.Error(err))
	}
}
