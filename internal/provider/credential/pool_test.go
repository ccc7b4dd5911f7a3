package credential

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, clock *fakeClock, secrets map[string][]string) *Pool {
	t.Helper()
	cfg := Config{BaseCooldown: time.Second, MaxCooldown: 8 * time.Second, DeadAfter: 3}
	return NewPool(cfg, secrets, zaptest.NewLogger(t), WithClock(clock.Now))
}

func stateOf(p *Pool, provider string, id int) State {
	for _, s := range p.Snapshot() {
		if s.Provider == provider && s.ID == id {
			return s.State
		}
	}
	return ""
}

func TestAcquireRotatesLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"helius": {"k1", "k2", "k3"}})

	var got []string
	for i := 0; i < 6; i++ {
		l, err := p.Acquire("helius")
		require.NoError(t, err)
		got = append(got, l.Secret)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3"}, got)
}

func TestRateLimitedCredentialCoolsThenRecovers(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"helius": {"k1", "k2"}})

	l1, err := p.Acquire("helius")
	require.NoError(t, err)
	p.ReportOutcome(l1, OutcomeRateLimited, 0)
	assert.Equal(t, StateCooling, stateOf(p, "helius", l1.ID))

	for i := 0; i < 3; i++ {
		l, err := p.Acquire("helius")
		require.NoError(t, err)
		assert.Equal(t, "k2", l.Secret)
	}

	clock.Advance(time.Second)
	assert.Equal(t, StateHealthy, stateOf(p, "helius", l1.ID))
	l, err := p.Acquire("helius")
	require.NoError(t, err)
	assert.Equal(t, "k1", l.Secret)
}

func TestRetryAfterOverridesDefaultCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"birdeye": {"k1"}})

	l, err := p.Acquire("birdeye")
	require.NoError(t, err)
	p.ReportOutcome(l, OutcomeRateLimited, 30*time.Second)

	clock.Advance(10 * time.Second)
	_, err = p.Acquire("birdeye")
	var nce *NoCredentialError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, "birdeye", nce.Provider)
	assert.Equal(t, clock.Now().Add(20*time.Second), nce.RetryAt)
	assert.True(t, errors.Is(err, ErrNoCredentialAvailable))

	clock.Advance(20 * time.Second)
	_, err = p.Acquire("birdeye")
	assert.NoError(t, err)
}

func TestCooldownGrowsExponentiallyUpToCeiling(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"helius": {"k1"}})

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for _, want := range expected {
		l, err := p.Acquire("helius")
		require.NoError(t, err)
		p.ReportOutcome(l, OutcomeRateLimited, 0)

		clock.Advance(want - time.Millisecond)
		_, err = p.Acquire("helius")
		require.ErrorIs(t, err, ErrNoCredentialAvailable, "cooldown shorter than %s", want)
		clock.Advance(time.Millisecond)
	}
}

func TestSuccessResetsRateLimitStreak(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"helius": {"k1"}})

	for i := 0; i < 3; i++ {
		l, _ := p.Acquire("helius")
		p.ReportOutcome(l, OutcomeRateLimited, 0)
		clock.Advance(time.Minute)
	}
	l, err := p.Acquire("helius")
	require.NoError(t, err)
	p.ReportOutcome(l, OutcomeSuccess, 0)

	l, _ = p.Acquire("helius")
	p.ReportOutcome(l, OutcomeRateLimited, 0)
	clock.Advance(time.Second)
	_, err = p.Acquire("helius")
	assert.NoError(t, err)
}

func TestRepeatedErrorsKillCredential(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"jupiter": {"k1", "k2"}})

	for i := 0; i < 3; i++ {
		p.ReportOutcome(Lease{Provider: "jupiter", ID: 0, Secret: "k1"}, OutcomeError, 0)
	}
	assert.Equal(t, StateDead, stateOf(p, "jupiter", 0))

	clock.Advance(time.Hour)
	for i := 0; i < 4; i++ {
		l, err := p.Acquire("jupiter")
		require.NoError(t, err)
		assert.Equal(t, "k2", l.Secret)
	}

	for i := 0; i < 3; i++ {
		p.ReportOutcome(Lease{Provider: "jupiter", ID: 1, Secret: "k2"}, OutcomeError, 0)
	}

	// k1 has been dead for an hour, so it gets the one trial call.
	l, err := p.Acquire("jupiter")
	require.NoError(t, err)
	assert.Equal(t, "k1", l.Secret)

	_, err = p.Acquire("jupiter")
	var nce *NoCredentialError
	require.ErrorAs(t, err, &nce)
	assert.True(t, nce.RetryAt.IsZero())
}

func TestDeadCredentialRevivesAfterTrialCall(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"rugcheck": nil})

	for i := 0; i < 3; i++ {
		p.ReportOutcome(Lease{Provider: "rugcheck", ID: 0}, OutcomeError, 0)
	}
	_, err := p.Acquire("rugcheck")
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	clock.Advance(24 * time.Hour)
	l, err := p.Acquire("rugcheck")
	require.NoError(t, err)
	assert.True(t, l.Anonymous())

	// Only one trial per window.
	_, err = p.Acquire("rugcheck")
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	p.ReportOutcome(l, OutcomeSuccess, 0)
	assert.Equal(t, StateHealthy, stateOf(p, "rugcheck", 0))
	for i := 0; i < 3; i++ {
		_, err := p.Acquire("rugcheck")
		require.NoError(t, err)
	}
}

func TestFailedTrialKeepsCredentialDead(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"rugcheck": nil})

	for i := 0; i < 3; i++ {
		p.ReportOutcome(Lease{Provider: "rugcheck", ID: 0}, OutcomeError, 0)
	}

	clock.Advance(8 * time.Second)
	l, err := p.Acquire("rugcheck")
	require.NoError(t, err)
	p.ReportOutcome(l, OutcomeError, 0)
	assert.Equal(t, StateDead, stateOf(p, "rugcheck", 0))

	clock.Advance(7 * time.Second)
	_, err = p.Acquire("rugcheck")
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	clock.Advance(time.Second)
	_, err = p.Acquire("rugcheck")
	require.NoError(t, err)
}

func TestNoTrialWhileCredentialIsCooling(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, map[string][]string{"jupiter": {"k1", "k2"}})

	for i := 0; i < 3; i++ {
		p.ReportOutcome(Lease{Provider: "jupiter", ID: 0, Secret: "k1"}, OutcomeError, 0)
	}
	clock.Advance(time.Minute)
	p.ReportOutcome(Lease{Provider: "jupiter", ID: 1, Secret: "k2"}, OutcomeRateLimited, 5*time.Second)

	_, err := p.Acquire("jupiter")
	var nce *NoCredentialError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, clock.Now().Add(5*time.Second), nce.RetryAt)
}

func TestKeylessProviderGetsAnonymousCredential(t *testing.T) {
	p := newTestPool(t, newFakeClock(), map[string][]string{"dexscreener": nil})

	l, err := p.Acquire("dexscreener")
	require.NoError(t, err)
	assert.True(t, l.Anonymous())
	assert.Equal(t, 1, p.Size("dexscreener"))
}

func TestUnknownProvider(t *testing.T) {
	p := newTestPool(t, newFakeClock(), map[string][]string{"helius": {"k"}})
	_, err := p.Acquire("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNeverReturnsCoolingOrDeadWhileHealthyExists(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		clock := newFakeClock()
		n := 1 + rng.Intn(5)
		keys := make([]string, n)
		for i := range keys {
			keys[i] = string(rune('a' + i))
		}
		p := newTestPool(t, clock, map[string][]string{"helius": keys})

		for step := 0; step < 50; step++ {
			switch rng.Intn(4) {
			case 0:
				p.ReportOutcome(Lease{Provider: "helius", ID: rng.Intn(n)}, OutcomeRateLimited, 0)
			case 1:
				p.ReportOutcome(Lease{Provider: "helius", ID: rng.Intn(n)}, OutcomeError, 0)
			case 2:
				clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
			}

			snap := p.Snapshot()
			healthy := false
			for _, s := range snap {
				if s.State == StateHealthy {
					healthy = true
				}
			}

			l, err := p.Acquire("helius")
			if !healthy {
				if err == nil {
					// A trial call on a dead credential, only once nothing is cooling.
					assert.Equal(t, StateDead, snap[l.ID].State, "round %d step %d", round, step)
					for _, s := range snap {
						assert.NotEqual(t, StateCooling, s.State, "round %d step %d", round, step)
					}
					continue
				}
				require.ErrorIs(t, err, ErrNoCredentialAvailable)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, StateHealthy, snap[l.ID].State, "round %d step %d", round, step)
		}
	}
}

func TestConcurrentReportsAreNotLost(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{BaseCooldown: time.Second, MaxCooldown: time.Hour, DeadAfter: 1000}
	p := NewPool(cfg, map[string][]string{"helius": {"k1", "k2"}}, zaptest.NewLogger(t), WithClock(clock.Now))

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ReportOutcome(Lease{Provider: "helius", ID: 0}, OutcomeError, 0)
			_, _ = p.Acquire("helius")
		}()
	}
	wg.Wait()

	for _, s := range p.Snapshot() {
		if s.ID == 0 {
			assert.Equal(t, workers, s.ConsecutiveFailures)
		}
	}
}
