// internal/provider/caller.go
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// OutageFunc is told when a provider has no usable credential.
type OutageFunc func(provider string, err error)

// Caller runs provider calls with credential rotation, spacing and retries.
type Caller struct {
	pool     *credential.Pool
	policy   RetryPolicy
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Collector

	onOutage       OutageFunc
	outageInterval time.Duration
	outageMu       sync.Mutex
	lastOutage     map[string]time.Time
}

type CallerOption func(*Caller)

// WithMinInterval spaces calls to provider at least d apart.
func WithMinInterval(provider string, d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.limiters[provider] = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

func WithCallerMetrics(m *metrics.Collector) CallerOption {
	return func(c *Caller) { c.metrics = m }
}

// WithOutageHandler reports provider outages at most once per interval per provider.
func WithOutageHandler(fn OutageFunc, interval time.Duration) CallerOption {
	return func(c *Caller) {
		c.onOutage = fn
		c.outageInterval = interval
	}
}

func NewCaller(pool *credential.Pool, policy RetryPolicy, logger *zap.Logger, opts ...CallerOption) *Caller {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	c := &Caller{
		pool:       pool,
		policy:     policy,
		limiters:   make(map[string]*rate.Limiter),
		logger:     logger.Named("provider_caller"),
		lastOutage: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call is one attempt against a provider using the leased credential.
type Call[T any] func(ctx context.Context, lease credential.Lease) (T, error)

// Do executes fn until it succeeds, fails permanently or exhausts its budget.
// Rate limits and auth failures rotate to the next credential without
// consuming a transient attempt. Every returned error is a *Error.
func Do[T any](ctx context.Context, c *Caller, provider, endpoint string, fn Call[T]) (T, error) {
	var (
		transient uint
		rotations int
		waits     uint
	)
	maxRotations := c.pool.Size(provider)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.InitialInterval
	bo.MaxInterval = c.policy.MaxInterval

	op := func() (T, error) {
		var zero T

		lease, err := c.pool.Acquire(provider)
		if err != nil {
			var nce *credential.NoCredentialError
			if errors.As(err, &nce) && !nce.RetryAt.IsZero() && waits < c.policy.MaxAttempts {
				if wait := time.Until(nce.RetryAt); wait <= c.policy.MaxInterval {
					waits++
					return zero, &backoff.RetryAfterError{Duration: wait}
				}
			}
			c.notifyOutage(provider, err)
			return zero, backoff.Permanent(NewError(ErrProviderUnavailable, provider, endpoint, err))
		}

		if lim := c.limiters[provider]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return zero, backoff.Permanent(NewError(ErrProviderUnavailable, provider, endpoint, err))
			}
		}

		start := time.Now()
		res, callErr := fn(ctx, lease)
		class, retryAfter := Classify(callErr)
		c.metrics.RecordProviderCall(provider, endpoint, class.String(), time.Since(start))

		switch class {
		case ClassSuccess:
			c.pool.ReportOutcome(lease, credential.OutcomeSuccess, 0)
			return res, nil

		case ClassRateLimited, ClassAuth:
			outcome := credential.OutcomeRateLimited
			kind := ErrRateLimited
			if class == ClassAuth {
				outcome = credential.OutcomeError
				kind = ErrPermanent
			}
			c.pool.ReportOutcome(lease, outcome, retryAfter)
			rotations++
			c.logger.Debug("Rotating credential",
				zap.String("provider", provider),
				zap.String("endpoint", endpoint),
				zap.String("class", class.String()),
				zap.Int("credential", lease.ID))
			if rotations > maxRotations {
				return zero, backoff.Permanent(NewError(ErrProviderUnavailable, provider, endpoint,
					errors.Join(kind, callErr)))
			}
			return zero, &backoff.RetryAfterError{Duration: 0}

		case ClassTransient:
			// The credential worked; the provider or network did not.
			c.pool.ReportOutcome(lease, credential.OutcomeSuccess, 0)
			transient++
			if transient >= c.policy.MaxAttempts {
				return zero, backoff.Permanent(NewError(ErrTransientNetwork, provider, endpoint, callErr))
			}
			return zero, NewError(ErrTransientNetwork, provider, endpoint, callErr)

		case ClassCanceled:
			return zero, backoff.Permanent(NewError(ErrTransientNetwork, provider, endpoint, callErr))

		default:
			c.pool.ReportOutcome(lease, credential.OutcomeSuccess, 0)
			kind := ErrPermanent
			if errors.Is(callErr, ErrParse) {
				kind = ErrParse
			}
			return zero, backoff.Permanent(NewError(kind, provider, endpoint, callErr))
		}
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Retrying provider call",
				zap.String("provider", provider),
				zap.String("endpoint", endpoint),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var pe *Error
	if !errors.As(err, &pe) {
		// Context ended while waiting between attempts.
		err = NewError(ErrTransientNetwork, provider, endpoint, err)
	}
	return res, err
}

func (c *Caller) notifyOutage(provider string, err error) {
	if c.onOutage == nil {
		return
	}
	c.outageMu.Lock()
	last, seen := c.lastOutage[provider]
	now := time.Now()
	fire := !seen || now.Sub(last) >= c.outageInterval
	if fire {
		c.lastOutage[provider] = now
	}
	c.outageMu.Unlock()

	if fire {
		c.logger.Error("Provider unavailable", zap.String("provider", provider), zap.Error(err))
		c.onOutage(provider, err)
	}
}
