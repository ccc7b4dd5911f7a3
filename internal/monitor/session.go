// internal/monitor/session.go
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// State of a hunter's streaming subscription.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// session follows one hunter: a stream with reconnect, plus polling while
// the stream has been down for longer than the backoff ceiling.
type session struct {
	hunter string
	m      *Monitor
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	downSince time.Time
	polling   bool
}

func newSession(m *Monitor, hunter string) *session {
	return &session{
		hunter:    hunter,
		m:         m,
		logger:    m.logger.With(zap.String("hunter", hunter)),
		downSince: m.now(),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to == StateDisconnected && from == StateSubscribed {
		s.downSince = s.m.now()
	}
	s.mu.Unlock()

	if from != to {
		s.m.metrics.StreamSessionTransition(from.String(), to.String())
		s.logger.Debug("Session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
}

// fallbackDue reports whether the stream has been down for at least the backoff ceiling.
func (s *session) fallbackDue() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSubscribed {
		return false, 0
	}
	down := s.m.now().Sub(s.downSince)
	return down >= s.m.cfg.BackoffMax, down
}

func (s *session) run(ctx context.Context) error {
	s.m.metrics.StreamSessionTransition("", StateDisconnected.String())

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.pollLoop(ctx)
	}()
	defer func() { <-pollDone }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.m.cfg.BackoffInitial
	bo.MaxInterval = s.m.cfg.BackoffMax

	first := true
	for {
		s.setState(StateConnecting)
		sub, err := s.m.stream.Subscribe(ctx, s.hunter)
		if err != nil {
			s.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			s.logger.Warn("Subscribe failed, retrying", zap.Duration("in", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		s.setState(StateSubscribed)
		bo.Reset()
		s.logger.Info("✅ Subscribed to hunter")

		// Startup replay on the first subscription, gap recovery after that.
		source, window := types.SourcePoll, s.m.cfg.LookbackWindow
		if first {
			source = types.SourceReplay
			first = false
		}
		s.m.goPoll(ctx, s.hunter, source, window)

		err = s.consume(ctx, sub)
		_ = sub.Close()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		s.logger.Warn("🔌 Stream dropped, reconnecting", zap.Duration("in", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *session) consume(ctx context.Context, sub provider.StreamSubscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Failed || ev.Signature == "" {
			continue
		}
		s.m.process(ctx, s.hunter, []string{ev.Signature}, types.SourceStream)
	}
}

func (s *session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		due, down := s.fallbackDue()
		if !due {
			if s.polling {
				s.polling = false
				s.logger.Info("Poll fallback stopped")
			}
			continue
		}
		if !s.polling {
			s.polling = true
			s.logger.Warn("⚠️ Stream unavailable, polling history", zap.Duration("down_for", down))
		}
		window := down + s.m.cfg.PollInterval
		if window < s.m.cfg.LookbackWindow {
			window = s.m.cfg.LookbackWindow
		}
		s.m.poll(ctx, s.hunter, types.SourcePoll, window)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
