package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

func newTestCaller(t *testing.T, keys []string, opts ...CallerOption) (*Caller, *credential.Pool) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := credential.NewPool(credential.Config{
		BaseCooldown: time.Minute,
		MaxCooldown:  time.Hour,
		DeadAfter:    2,
	}, map[string][]string{"helius": keys}, logger)
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return NewCaller(pool, policy, logger, opts...), pool
}

func TestDoRotatesOnRateLimit(t *testing.T) {
	c, pool := newTestCaller(t, []string{"k1", "k2"})

	var used []string
	res, err := Do(context.Background(), c, "helius", "parse", func(_ context.Context, l credential.Lease) (string, error) {
		used = append(used, l.Secret)
		if l.Secret == "k1" {
			return "", &StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []string{"k1", "k2"}, used)
	assert.Equal(t, credential.StateCooling, pool.Snapshot()[0].State)
}

func TestDoAllRateLimitedSurfacesProviderUnavailable(t *testing.T) {
	c, _ := newTestCaller(t, []string{"k1", "k2"})

	var calls int32
	_, err := Do(context.Background(), c, "helius", "parse", func(context.Context, credential.Lease) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, &StatusError{StatusCode: http.StatusTooManyRequests}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "helius", pe.Provider)
	assert.Equal(t, "parse", pe.Endpoint)
}

func TestDoRetriesTransientUpToMaxAttempts(t *testing.T) {
	c, _ := newTestCaller(t, []string{"k1"})

	var calls int32
	_, err := Do(context.Background(), c, "helius", "history", func(context.Context, credential.Lease) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, &StatusError{StatusCode: http.StatusBadGateway}
	})

	assert.ErrorIs(t, err, ErrTransientNetwork)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoRecoversAfterTransientFailure(t *testing.T) {
	c, _ := newTestCaller(t, []string{"k1"})

	var calls int32
	res, err := Do(context.Background(), c, "helius", "history", func(context.Context, credential.Lease) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, context.DeadlineExceeded
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, res)
}

func TestDoPermanentErrorsAreNotRetried(t *testing.T) {
	c, _ := newTestCaller(t, []string{"k1"})

	var calls int32
	_, err := Do(context.Background(), c, "helius", "quote", func(context.Context, credential.Lease) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, &StatusError{StatusCode: http.StatusBadRequest, Body: "bad mint"}
	})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), calls)

	_, err = Do(context.Background(), c, "helius", "quote", func(context.Context, credential.Lease) (int, error) {
		return 0, fmt.Errorf("%w: unexpected token", ErrParse)
	})
	assert.ErrorIs(t, err, ErrParse)
}

func TestDoAuthFailureKillsCredentialAndRotates(t *testing.T) {
	c, pool := newTestCaller(t, []string{"bad", "good"})

	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), c, "helius", "rpc", func(_ context.Context, l credential.Lease) (int, error) {
			if l.Secret == "bad" {
				return 0, &StatusError{StatusCode: http.StatusUnauthorized}
			}
			return 1, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, credential.StateDead, pool.Snapshot()[0].State)
}

func TestDoNoCredentialNotifiesOutageOnce(t *testing.T) {
	var outages int32
	c, pool := newTestCaller(t, []string{"k1"}, WithOutageHandler(func(string, error) {
		atomic.AddInt32(&outages, 1)
	}, time.Hour))

	l, err := pool.Acquire("helius")
	require.NoError(t, err)
	pool.ReportOutcome(l, credential.OutcomeRateLimited, 0)

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), c, "helius", "rpc", func(context.Context, credential.Lease) (int, error) {
			t.Fatal("call must not run without a credential")
			return 0, nil
		})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&outages))
}

func TestDoHonoursContextCancellation(t *testing.T) {
	c, _ := newTestCaller(t, []string{"k1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, c, "helius", "rpc", func(ctx context.Context, _ credential.Lease) (int, error) {
		return 0, ctx.Err()
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassSuccess},
		{"429", &StatusError{StatusCode: 429}, ClassRateLimited},
		{"403", &StatusError{StatusCode: 403}, ClassAuth},
		{"503", &StatusError{StatusCode: 503}, ClassTransient},
		{"404", &StatusError{StatusCode: 404}, ClassPermanent},
		{"rpc http 429", jsonrpc.NewHTTPError(429, errors.New("too many")), ClassRateLimited},
		{"rpc rate limit message", &jsonrpc.RPCError{Code: -32429, Message: "Rate limit exceeded"}, ClassRateLimited},
		{"rpc node unhealthy", &jsonrpc.RPCError{Code: -32005, Message: "Node is behind"}, ClassTransient},
		{"rpc invalid params", &jsonrpc.RPCError{Code: -32602, Message: "Invalid params"}, ClassPermanent},
		{"parse", fmt.Errorf("%w: eof", ErrParse), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Classify(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	assert.Equal(t, 12*time.Second, ParseRetryAfter(h, time.Now()))

	h.Set("Retry-After", "garbage")
	assert.Zero(t, ParseRetryAfter(h, time.Now()))
}
