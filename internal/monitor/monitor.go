// internal/monitor/monitor.go
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denggit/DynamicSmartFlow3/internal/config"
	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

// Monitor watches hunters and emits their trades as Signals.
type Monitor struct {
	cfg      config.MonitorConfig
	stream   provider.StreamSource
	history  provider.HistorySource
	parser   provider.TxParser
	seen     SeenStore
	holdings *holdings
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	sessions map[string]*session
	order    []string
	out      chan types.Signal
	polls    sync.WaitGroup
}

type Option func(*Monitor)

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(cfg config.MonitorConfig, hunters []string, stream provider.StreamSource, history provider.HistorySource,
	parser provider.TxParser, seen SeenStore, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	m := &Monitor{
		cfg:      cfg,
		stream:   stream,
		history:  history,
		parser:   parser,
		seen:     seen,
		holdings: newHoldings(),
		logger:   logger.Named("monitor"),
		now:      time.Now,
		sessions: make(map[string]*session, len(hunters)),
		out:      make(chan types.Signal, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, h := range hunters {
		if _, dup := m.sessions[h]; dup {
			continue
		}
		m.sessions[h] = newSession(m, h)
		m.order = append(m.order, h)
	}
	return m
}

// Signals is closed when Run returns.
func (m *Monitor) Signals() <-chan types.Signal {
	return m.out
}

// State reports the stream state of a tracked hunter.
func (m *Monitor) State(hunter string) (State, bool) {
	s, ok := m.sessions[hunter]
	if !ok {
		return StateDisconnected, false
	}
	return s.State(), true
}

// Run follows every hunter until ctx ends. Sessions never give up on their own.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.out)

	m.logger.Info("🚀 Monitor started", zap.Int("hunters", len(m.order)))
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range m.order {
		s := m.sessions[h]
		g.Go(func() error {
			return s.run(gctx)
		})
	}
	err := g.Wait()
	m.polls.Wait()
	m.logger.Info("Monitor stopped")
	return err
}

func (m *Monitor) goPoll(ctx context.Context, hunter string, source types.SignalSource, window time.Duration) {
	m.polls.Add(1)
	go func() {
		defer m.polls.Done()
		m.poll(ctx, hunter, source, window)
	}()
}

// poll fetches the hunter's recent history, bounded by the look-back limit and window,
// and processes it oldest first.
func (m *Monitor) poll(ctx context.Context, hunter string, source types.SignalSource, window time.Duration) {
	infos, err := m.history.Signatures(ctx, hunter, provider.HistoryQuery{Limit: m.cfg.LookbackLimit})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("History fetch failed", zap.String("hunter", hunter), zap.Error(err))
		}
		return
	}

	cutoff := m.now().Add(-window)
	sigs := make([]string, 0, len(infos))
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if info.Failed || info.Signature == "" {
			continue
		}
		if window > 0 && !info.BlockTime.IsZero() && info.BlockTime.Before(cutoff) {
			continue
		}
		sigs = append(sigs, info.Signature)
	}
	if len(sigs) > 0 {
		m.process(ctx, hunter, sigs, source)
	}
}

// process claims unseen signatures, parses them and emits their signals.
// Claims whose transactions could not be parsed are released for a later attempt.
func (m *Monitor) process(ctx context.Context, hunter string, sigs []string, source types.SignalSource) {
	fresh := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		first, err := m.seen.MarkSeen(ctx, sig)
		if err != nil {
			m.logger.Warn("Seen store unavailable", zap.String("signature", sig), zap.Error(err))
			continue
		}
		if first {
			fresh = append(fresh, sig)
		}
	}
	if len(fresh) == 0 {
		return
	}

	txs, err := m.parser.ParseTransactions(ctx, fresh)
	if err != nil {
		m.release(hunter, fresh)
		if ctx.Err() == nil {
			m.logger.Warn("Transaction parse call failed",
				zap.String("hunter", hunter),
				zap.Int("signatures", len(fresh)),
				zap.Error(err))
		}
		return
	}

	parsed := make(map[string]struct{}, len(txs))
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Slot < txs[j].Slot })
	for n, tx := range txs {
		parsed[tx.Signature] = struct{}{}
		signals, err := ExtractSignals(tx, hunter, source, m.now())
		if err != nil {
			m.metrics.RecordParseFailure(parseReason(err))
			m.logger.Warn("Dropping unparsable transaction", zap.String("hunter", hunter), zap.Error(err))
			continue
		}
		for i := range signals {
			m.holdings.apply(&signals[i])
			if !m.emit(ctx, signals[i]) {
				// Shutting down: leave the rest for the next start's replay.
				rest := make([]string, 0, len(txs)-n)
				for _, t := range txs[n:] {
					rest = append(rest, t.Signature)
				}
				m.release(hunter, rest)
				return
			}
		}
	}

	var missing []string
	for _, sig := range fresh {
		if _, ok := parsed[sig]; !ok {
			missing = append(missing, sig)
		}
	}
	if len(missing) > 0 {
		m.release(hunter, missing)
	}
}

func (m *Monitor) emit(ctx context.Context, sig types.Signal) bool {
	select {
	case m.out <- sig:
	case <-ctx.Done():
		return false
	}
	m.metrics.RecordSignal(string(sig.Source), string(sig.Action))
	m.logger.Info(fmt.Sprintf("📡 Hunter %s %s", sig.Action, sig.TokenMint),
		zap.String("hunter", sig.HunterAddress),
		zap.String("token", sig.TokenMint),
		zap.String("amount", sig.Amount.String()),
		zap.String("sol", sig.SOLAmount.String()),
		zap.String("tx", sig.SourceTxID),
		zap.String("source", string(sig.Source)))
	return true
}

func (m *Monitor) release(hunter string, sigs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sig := range sigs {
		if err := m.seen.Forget(ctx, sig); err != nil {
			m.logger.Warn("Failed to release signature", zap.String("hunter", hunter), zap.String("signature", sig), zap.Error(err))
		}
	}
}
