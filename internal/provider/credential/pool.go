// Package credential rotates API keys per provider and tracks their health.
package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

type State string

const (
	StateHealthy State = "healthy"
	StateCooling State = "cooling"
	StateDead    State = "dead"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

var (
	ErrNoCredentialAvailable = errors.New("no credential available")
	ErrUnknownProvider       = errors.New("unknown provider")
)

// NoCredentialError is returned by Acquire when every credential of a
// provider is cooling or dead. RetryAt is the earliest cooldown expiry,
// zero when all credentials are dead and none is due for a trial call.
type NoCredentialError struct {
	Provider string
	RetryAt  time.Time
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, ErrNoCredentialAvailable)
}

func (e *NoCredentialError) Unwrap() error { return ErrNoCredentialAvailable }

// Lease is a handle to the credential selected for one call.
type Lease struct {
	Provider string
	ID       int
	Secret   string
}

// Anonymous reports whether the provider needs no key.
func (l Lease) Anonymous() bool { return l.Secret == "" }

type Config struct {
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	DeadAfter    int
}

type credential struct {
	secret        string
	state         State
	cooldownUntil time.Time
	// reviveAt is when a dead credential may be handed out for one trial call.
	reviveAt            time.Time
	consecutiveFailures int
	rateLimitStreak     int
	lastUsed            uint64
}

// providerPool is the unit of locking: callers of different providers never contend.
type providerPool struct {
	mu    sync.Mutex
	name  string
	creds []*credential
	seq   uint64
}

// Pool hands out credentials and applies call outcomes to their state.
type Pool struct {
	cfg       Config
	providers map[string]*providerPool
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

type Option func(*Pool)

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool from per-provider secret lists. A provider with an
// empty list gets one anonymous credential.
func NewPool(cfg Config, secrets map[string][]string, logger *zap.Logger, opts ...Option) *Pool {
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 2 * time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 3
	}

	p := &Pool{
		cfg:       cfg,
		providers: make(map[string]*providerPool, len(secrets)),
		logger:    logger.Named("credential_pool"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	for name, list := range secrets {
		pp := &providerPool{name: name}
		if len(list) == 0 {
			list = []string{""}
		}
		for _, s := range list {
			pp.creds = append(pp.creds, &credential{secret: s, state: StateHealthy})
		}
		p.providers[name] = pp
		p.publish(pp)
		p.logger.Info("Provider credentials loaded",
			zap.String("provider", name),
			zap.Int("count", len(pp.creds)))
	}
	return p
}

// Size returns the number of credentials registered for provider.
func (p *Pool) Size(provider string) int {
	pp, ok := p.providers[provider]
	if !ok {
		return 0
	}
	return len(pp.creds)
}

// Acquire returns the least recently used healthy credential of provider.
// When nothing is healthy or cooling, a dead credential whose revival window
// has passed is handed out for a single trial call; a successful outcome
// revives it, any other outcome keeps it dead for another MaxCooldown.
func (p *Pool) Acquire(provider string) (Lease, error) {
	pp, ok := p.providers[provider]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	now := p.now()
	best, trial := -1, -1
	var retryAt time.Time
	for i, c := range pp.creds {
		if c.state == StateDead {
			if !now.Before(c.reviveAt) && (trial < 0 || c.reviveAt.Before(pp.creds[trial].reviveAt)) {
				trial = i
			}
			continue
		}
		if c.state == StateCooling {
			if now.Before(c.cooldownUntil) {
				if retryAt.IsZero() || c.cooldownUntil.Before(retryAt) {
					retryAt = c.cooldownUntil
				}
				continue
			}
			c.state = StateHealthy
		}
		if c.state != StateHealthy {
			continue
		}
		if best < 0 || c.lastUsed < pp.creds[best].lastUsed {
			best = i
		}
	}

	if best < 0 && retryAt.IsZero() && trial >= 0 {
		// One trial per window: concurrent callers see the pushed deadline.
		pp.creds[trial].reviveAt = now.Add(p.cfg.MaxCooldown)
		best = trial
		p.logger.Info("🩺 Trying dead credential",
			zap.String("provider", provider),
			zap.Int("credential", trial))
	}
	if best < 0 {
		return Lease{}, &NoCredentialError{Provider: provider, RetryAt: retryAt}
	}

	pp.seq++
	pp.creds[best].lastUsed = pp.seq
	return Lease{Provider: provider, ID: best, Secret: pp.creds[best].secret}, nil
}

// ReportOutcome applies the result of a call made with lease. retryAfter is
// the provider supplied cooldown for a rate limited call, zero when absent.
func (p *Pool) ReportOutcome(lease Lease, outcome Outcome, retryAfter time.Duration) {
	pp, ok := p.providers[lease.Provider]
	if !ok || lease.ID < 0 || lease.ID >= len(pp.creds) {
		return
	}

	pp.mu.Lock()
	c := pp.creds[lease.ID]
	prev := c.state
	now := p.now()

	switch outcome {
	case OutcomeSuccess:
		c.consecutiveFailures = 0
		if c.state == StateDead {
			c.state = StateHealthy
		}
		if c.state == StateHealthy {
			c.rateLimitStreak = 0
		}
	case OutcomeRateLimited:
		c.rateLimitStreak++
		cooldown := retryAfter
		if cooldown <= 0 {
			cooldown = p.backoffFor(c.rateLimitStreak)
		}
		// Concurrent reports only ever extend the window.
		if until := now.Add(cooldown); until.After(c.cooldownUntil) {
			c.cooldownUntil = until
		}
		if c.state != StateDead {
			c.state = StateCooling
		}
	case OutcomeError:
		c.consecutiveFailures++
		if c.consecutiveFailures >= p.cfg.DeadAfter {
			c.state = StateDead
		}
	}
	if c.state == StateDead {
		c.reviveAt = now.Add(p.cfg.MaxCooldown)
	}
	next := c.state
	until := c.cooldownUntil
	failures := c.consecutiveFailures
	p.publish(pp)
	pp.mu.Unlock()

	if prev != next {
		p.logger.Warn("Credential state changed",
			zap.String("provider", lease.Provider),
			zap.Int("credential", lease.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Time("cooldown_until", until),
			zap.Int("consecutive_failures", failures))
	}
}

func (p *Pool) backoffFor(streak int) time.Duration {
	d := p.cfg.BaseCooldown
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= p.cfg.MaxCooldown {
			return p.cfg.MaxCooldown
		}
	}
	return d
}

// publish must be called with pp.mu held.
func (p *Pool) publish(pp *providerPool) {
	if p.metrics == nil {
		return
	}
	counts := map[string]int{string(StateHealthy): 0, string(StateCooling): 0, string(StateDead): 0}
	for _, c := range pp.creds {
		counts[string(c.state)]++
	}
	p.metrics.SetCredentialStates(pp.name, counts)
}

// Status is a read-only view of one credential.
type Status struct {
	Provider            string    `json:"provider"`
	ID                  int       `json:"id"`
	Hint                string    `json:"hint"`
	State               State     `json:"state"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Snapshot returns the state of every credential, ordered by provider and id.
func (p *Pool) Snapshot() []Status {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	now := p.now()
	var out []Status
	for _, name := range names {
		pp := p.providers[name]
		pp.mu.Lock()
		for i, c := range pp.creds {
			state := c.state
			if state == StateCooling && !now.Before(c.cooldownUntil) {
				state = StateHealthy
			}
			out = append(out, Status{
				Provider:            name,
				ID:                  i,
				Hint:                mask(c.secret),
				State:               state,
				CooldownUntil:       c.cooldownUntil,
				ConsecutiveFailures: c.consecutiveFailures,
			})
		}
		pp.mu.Unlock()
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return "anonymous"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
