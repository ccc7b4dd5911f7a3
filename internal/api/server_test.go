package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denggit/DynamicSmartFlow3/internal/executor"
	"github.com/denggit/DynamicSmartFlow3/internal/monitor"
	"github.com/denggit/DynamicSmartFlow3/internal/position"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
	"github.com/denggit/DynamicSmartFlow3/internal/utils/metrics"
)

type stubCredentials []credential.Status

func (s stubCredentials) Snapshot() []credential.Status { return s }

type stubSessions map[string]monitor.State

func (s stubSessions) State(h string) (monitor.State, bool) {
	st, ok := s[h]
	return st, ok
}

type stubPositions []types.Position

func (s stubPositions) Snapshot() []types.Position { return s }

type stubCloser struct {
	pos *types.Position
	err error
	got string
}

func (s *stubCloser) Close(_ context.Context, token string) (*types.Position, error) {
	s.got = token
	return s.pos, s.err
}

func newTestServer(t *testing.T, deps Deps) *Server {
	return NewServer(":0", deps, zaptest.NewLogger(t))
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	deps := Deps{
		Credentials: stubCredentials{
			{Provider: "helius", ID: 0, State: credential.StateHealthy},
			{Provider: "helius", ID: 1, State: credential.StateCooling},
		},
		Sessions: stubSessions{"hunterA": monitor.StateSubscribed},
		Hunters:  []string{"hunterA", "hunterB"},
	}
	rec := do(t, newTestServer(t, deps), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Providers["helius"].Healthy)
	assert.Equal(t, "subscribed", body.Hunters["hunterA"])
	assert.Equal(t, "disconnected", body.Hunters["hunterB"])
}

func TestHealthzDegraded(t *testing.T) {
	deps := Deps{Credentials: stubCredentials{{Provider: "birdeye", State: credential.StateDead}}}
	rec := do(t, newTestServer(t, deps), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestPositions(t *testing.T) {
	deps := Deps{Positions: stubPositions{{
		TokenMint: "mintA",
		Status:    types.PositionOpen,
		Quantity:  decimal.NewFromInt(300),
		CostBasis: decimal.RequireFromString("0.0001"),
		OpenedAt:  time.Unix(1700000000, 0),
	}}}
	rec := do(t, newTestServer(t, deps), http.MethodGet, "/positions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []positionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "mintA", body[0].TokenMint)
	assert.Equal(t, "300", body[0].Quantity)
	assert.Equal(t, "2023-11-14T22:13:20Z", body[0].OpenedAt)
}

func TestClosePosition(t *testing.T) {
	cases := []struct {
		name string
		pos  *types.Position
		err  error
		code int
	}{
		{name: "closed", pos: &types.Position{TokenMint: "mintA", Status: types.PositionClosed}, code: http.StatusOK},
		{name: "unknown token", err: fmt.Errorf("%w: mintA", position.ErrNoPosition), code: http.StatusNotFound},
		{name: "exit in flight", err: fmt.Errorf("%w: exit in flight", executor.ErrNotActionable), code: http.StatusConflict},
		{name: "unresolved", err: executor.ErrExecutionTimeout, code: http.StatusAccepted},
		{name: "failed", err: executor.ErrExecutionFailed, code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			closer := &stubCloser{pos: tc.pos, err: tc.err}
			rec := do(t, newTestServer(t, Deps{Closer: closer}), http.MethodPost, "/positions/mintA/close")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "mintA", closer.got)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	c.RecordTrade("buy", "confirmed", time.Second)

	rec := do(t, newTestServer(t, Deps{Gatherer: reg}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `dsf_trades_total{action="buy",status="confirmed"} 1`))
}
