// internal/bot/shutdown.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// CloseFunc allows using a function as an io.Closer
type CloseFunc func() error

func (f CloseFunc) Close() error {
	return f()
}

type namedResource struct {
	name   string
	closer io.Closer
}

// Shutdown releases resources in reverse registration order. The admin
// server goes before the executor's journal, the journal before its pool.
type Shutdown struct {
	logger    *zap.Logger
	mu        sync.Mutex
	resources []namedResource
}

func NewShutdown(logger *zap.Logger) *Shutdown {
	return &Shutdown{logger: logger.Named("shutdown")}
}

// Add registers a resource for shutdown
func (s *Shutdown) Add(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, namedResource{name: name, closer: closer})
	s.logger.Debug("Registered resource for shutdown", zap.String("resource", name))
}

func (s *Shutdown) AddFunc(name string, fn func() error) {
	s.Add(name, CloseFunc(fn))
}

// Close closes everything one at a time, newest first. A resource that does
// not return before ctx ends is abandoned and reported as an error.
func (s *Shutdown) Close(ctx context.Context) error {
	s.mu.Lock()
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	s.logger.Info("🔌 Closing resources", zap.Int("count", len(resources)))

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		done := make(chan error, 1)
		go func() { done <- r.closer.Close() }()

		select {
		case err := <-done:
			if err != nil {
				s.logger.Error("Failed to close resource", zap.String("resource", r.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
				continue
			}
			s.logger.Debug("Resource closed", zap.String("resource", r.name))
		case <-ctx.Done():
			s.logger.Error("Shutdown deadline reached", zap.String("resource", r.name))
			errs = append(errs, fmt.Errorf("%s: %w", r.name, ctx.Err()))
			return errors.Join(errs...)
		}
	}

	if len(errs) == 0 {
		s.logger.Info("👋 Shutdown complete")
	}
	return errors.Join(errs...)
}
