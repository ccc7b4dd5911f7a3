// internal/provider/errors.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/gorilla/websocket"
)

var (
	// ErrProviderUnavailable means no usable credential or the provider is down.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited is absorbed by credential rotation and only shows up wrapped in ErrProviderUnavailable.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientNetwork is returned once retries against a flaky provider are exhausted.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrPermanent covers rejected requests that retrying cannot fix.
	ErrPermanent = errors.New("permanent provider error")

	// ErrParse marks a response that could not be decoded.
	ErrParse = errors.New("parse error")
)

// Error attributes a failure to a provider and endpoint.
type Error struct {
	Kind     error
	Provider string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error [%s] at %s: %v: %v", e.Provider, e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func NewError(kind error, provider, endpoint string, err error) error {
	return &Error{Kind: kind, Provider: provider, Endpoint: endpoint, Err: err}
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Class is the retry category of a call outcome.
type Class int

const (
	ClassSuccess Class = iota
	ClassRateLimited
	ClassAuth
	ClassTransient
	ClassPermanent
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuth:
		return "auth_error"
	case ClassTransient:
		return "transient_error"
	case ClassPermanent:
		return "permanent_error"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// JSON-RPC server error codes worth retrying: block or slot not available yet, node unhealthy.
var transientRPCCodes = map[int]struct{}{
	-32004: {}, -32005: {}, -32007: {}, -32014: {}, -32016: {},
}

// Classify maps a call error to a retry class and an optional provider supplied cooldown.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return ClassSuccess, 0
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled, 0
	}
	if errors.Is(err, ErrParse) || errors.Is(err, ErrPermanent) {
		return ClassPermanent, 0
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.StatusCode), se.RetryAfter
	}

	var he *jsonrpc.HTTPError
	if errors.As(err, &he) {
		return classifyStatus(he.Code), 0
	}

	var re *jsonrpc.RPCError
	if errors.As(err, &re) {
		msg := strings.ToLower(re.Message)
		switch {
		case re.Code == 429 || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
			return ClassRateLimited, 0
		case re.Code == 401 || re.Code == 403 || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
			return ClassAuth, 0
		}
		if _, ok := transientRPCCodes[re.Code]; ok {
			return ClassTransient, 0
		}
		return ClassPermanent, 0
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, websocket.ErrBadHandshake) {
		return ClassTransient, 0
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassTransient, 0
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return ClassRateLimited, 0
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return ClassAuth, 0
	}
	return ClassTransient, 0
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusRequestTimeout || code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	}
	return ClassSuccess
}
