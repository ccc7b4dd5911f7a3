package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/executor"
	"github.com/denggit/DynamicSmartFlow3/internal/storage/memory"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

const mint = "So11111111111111111111111111111111111111112x"

type fakeSource struct{ ch chan types.Signal }

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSource) Signals() <-chan types.Signal { return f.ch }

type fakeVetter struct{ verdict types.Verdict }

func (f fakeVetter) Evaluate(_ context.Context, mint string) *types.RiskReport {
	r := &types.RiskReport{TokenMint: mint, Verdict: f.verdict, SizeFactor: 1}
	if f.verdict == types.VerdictRejected {
		r.Reasons = []string{"liquidity_below_floor"}
	}
	return r
}

type fakeTrader struct {
	mu         sync.Mutex
	calls      int
	err        error
	block      chan struct{}
	reconciled int
}

func (f *fakeTrader) Execute(ctx context.Context, sig types.Signal, _ *types.RiskReport) (*types.Position, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", executor.ErrExecutionTimeout, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.Position{TokenMint: sig.TokenMint, Status: types.PositionOpen, Quantity: decimal.NewFromInt(100)}, nil
}

func (f *fakeTrader) Reconcile(context.Context) error {
	f.mu.Lock()
	f.reconciled++
	f.mu.Unlock()
	return nil
}

func (f *fakeTrader) Wait(context.Context) error { return nil }

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeManager struct {
	mu      sync.Mutex
	signals int
}

func (f *fakeManager) OnSignal(context.Context, types.Signal) (*types.Position, error) {
	f.mu.Lock()
	f.signals++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeManager) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type positions map[string]*types.Position

func (p positions) Get(token string) *types.Position { return p[token] }

type harness struct {
	source  *fakeSource
	trader  *fakeTrader
	manager *fakeManager
	ledger  *memory.Journal
	runner  *Runner
}

func newHarness(t *testing.T, verdict types.Verdict, held positions) *harness {
	h := &harness{
		source:  &fakeSource{ch: make(chan types.Signal, 8)},
		trader:  &fakeTrader{},
		manager: &fakeManager{},
		ledger:  memory.NewJournal(),
	}
	cfg := RunnerConfig{
		DrainTimeout:  time.Second,
		RetryAttempts: 2,
		RetryInterval: time.Millisecond,
	}
	h.runner = NewRunner(cfg, h.source, fakeVetter{verdict: verdict}, h.trader, h.manager,
		held, h.ledger, zaptest.NewLogger(t))
	return h
}

func (h *harness) start() (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			return errors.New("runner did not stop")
		}
	}
}

func buySignal(tx string) types.Signal {
	return types.Signal{
		HunterAddress: "hunter",
		TokenMint:     mint,
		Action:        types.ActionBuy,
		Amount:        decimal.NewFromInt(1000),
		SOLAmount:     decimal.NewFromInt(1),
		SourceTxID:    tx,
		ObservedAt:    time.Now(),
		Source:        types.SourceStream,
	}
}

func completed(t *testing.T, h *harness, sig types.Signal) bool {
	done, err := h.ledger.IsCompleted(context.Background(), sig.IdempotencyKey())
	require.NoError(t, err)
	return done
}

func TestRunnerReplayExecutesOnce(t *testing.T) {
	h := newHarness(t, types.VerdictApproved, positions{})
	stop := h.start()

	sig := buySignal("tx1")
	h.source.ch <- sig
	h.source.ch <- sig
	require.Eventually(t, func() bool { return completed(t, h, sig) }, time.Second, 5*time.Millisecond)

	replay := sig
	replay.Source = types.SourcePoll
	h.source.ch <- replay
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 1, h.trader.count())
	assert.GreaterOrEqual(t, h.trader.reconciled, 1)
}

func TestRunnerRejectedTokenNeverExecutes(t *testing.T) {
	h := newHarness(t, types.VerdictRejected, positions{})
	stop := h.start()

	sig := buySignal("tx2")
	h.source.ch <- sig
	require.Eventually(t, func() bool { return completed(t, h, sig) }, time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Zero(t, h.trader.count())
	assert.Equal(t, 1, h.manager.signals)
}

func TestRunnerSellWithoutPositionSkipped(t *testing.T) {
	h := newHarness(t, types.VerdictApproved, positions{})
	stop := h.start()

	sig := buySignal("tx3")
	sig.Action = types.ActionSell
	sig.Fraction = decimal.NewFromFloat(0.5)
	h.source.ch <- sig
	require.Eventually(t, func() bool { return completed(t, h, sig) }, time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Zero(t, h.trader.count())
}

func TestRunnerRetriesTimeoutAndLeavesItOpen(t *testing.T) {
	h := newHarness(t, types.VerdictApproved, positions{})
	h.trader.err = fmt.Errorf("%w: no confirmation", executor.ErrExecutionTimeout)
	stop := h.start()

	sig := buySignal("tx4")
	h.source.ch <- sig
	require.Eventually(t, func() bool { return h.trader.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 2, h.trader.count())
	assert.False(t, completed(t, h, sig), "an unresolved trade stays eligible for reconciliation")
}

func TestRunnerDoesNotRetryPermanentFailure(t *testing.T) {
	h := newHarness(t, types.VerdictApproved, positions{})
	h.trader.err = fmt.Errorf("%w: slippage", executor.ErrSlippageExceeded)
	stop := h.start()

	sig := buySignal("tx5")
	h.source.ch <- sig
	require.Eventually(t, func() bool { return completed(t, h, sig) }, time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 1, h.trader.count())
}

func TestRunnerDrainsInflightTrade(t *testing.T) {
	h := newHarness(t, types.VerdictApproved, positions{})
	h.trader.block = make(chan struct{})
	stop := h.start()

	sig := buySignal("tx6")
	h.source.ch <- sig
	require.Eventually(t, func() bool { return h.trader.count() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("runner stopped before the in-flight trade finished")
	default:
	}

	close(h.trader.block)
	require.NoError(t, <-stopped)
	assert.True(t, completed(t, h, sig))
}

func TestShutdownClosesInReverseOrder(t *testing.T) {
	s := NewShutdown(zaptest.NewLogger(t))
	var order []string
	s.AddFunc("journal", func() error { order = append(order, "journal"); return nil })
	s.AddFunc("server", func() error { order = append(order, "server"); return errors.New("boom") })
	s.AddFunc("bus", func() error { order = append(order, "bus"); return nil })

	err := s.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server: boom")
	assert.Equal(t, []string{"bus", "server", "journal"}, order)
}

func TestShutdownStopsAtDeadline(t *testing.T) {
	s := NewShutdown(zaptest.NewLogger(t))
	block := make(chan struct{})
	defer close(block)
	s.AddFunc("stuck", func() error { <-block; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
