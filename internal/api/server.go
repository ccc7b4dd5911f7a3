// internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/executor"
	"github.com/denggit/DynamicSmartFlow3/internal/monitor"
	"github.com/denggit/DynamicSmartFlow3/internal/position"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

type CredentialSource interface {
	Snapshot() []credential.Status
}

type SessionSource interface {
	State(hunter string) (monitor.State, bool)
}

type PositionSource interface {
	Snapshot() []types.Position
}

type PositionCloser interface {
	Close(ctx context.Context, token string) (*types.Position, error)
}

// Deps are the read models and actions exposed over HTTP.
type Deps struct {
	Credentials CredentialSource
	Sessions    SessionSource
	Hunters     []string
	Positions   PositionSource
	Closer      PositionCloser
	Gatherer    prometheus.Gatherer
}

// Server is the admin HTTP surface.
type Server struct {
	echo   *echo.Echo
	addr   string
	deps   Deps
	logger *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, addr: addr, deps: deps, logger: logger.Named("admin_api")}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	s.echo.GET("/positions", s.positions)
	s.echo.POST("/positions/:mint/close", s.closePosition)
}

// Start serves in the background until Close.
func (s *Server) Start() {
	go func() {
		s.logger.Info("🚀 Admin server listening", zap.String("addr", s.addr))
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type providerHealth struct {
	Healthy     int                 `json:"healthy"`
	Credentials []credential.Status `json:"credentials"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]providerHealth `json:"providers"`
	Hunters   map[string]string         `json:"hunters"`
}

// health reports degraded when some provider has no healthy credential.
func (s *Server) health(c echo.Context) error {
	resp := healthResponse{
		Status:    "ok",
		Providers: make(map[string]providerHealth),
		Hunters:   make(map[string]string, len(s.deps.Hunters)),
	}
	if s.deps.Credentials != nil {
		for _, st := range s.deps.Credentials.Snapshot() {
			ph := resp.Providers[st.Provider]
			ph.Credentials = append(ph.Credentials, st)
			if st.State == credential.StateHealthy {
				ph.Healthy++
			}
			resp.Providers[st.Provider] = ph
		}
	}
	for name, ph := range resp.Providers {
		if ph.Healthy == 0 {
			resp.Status = "degraded"
			s.logger.Debug("Provider has no healthy credential", zap.String("provider", name))
		}
	}
	if s.deps.Sessions != nil {
		for _, h := range s.deps.Hunters {
			st, _ := s.deps.Sessions.State(h)
			resp.Hunters[h] = st.String()
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

type positionView struct {
	TokenMint     string `json:"token_mint"`
	Status        string `json:"status"`
	Quantity      string `json:"quantity"`
	CostBasis     string `json:"cost_basis"`
	LastPrice     string `json:"last_price"`
	InvestedSOL   string `json:"invested_sol"`
	RealizedPnL   string `json:"realized_pnl"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	LadderLevel   int    `json:"ladder_level"`
	PendingTxID   string `json:"pending_tx_id,omitempty"`
	OpenedAt      string `json:"opened_at"`
}

func view(p types.Position) positionView {
	return positionView{
		TokenMint:     p.TokenMint,
		Status:        string(p.Status),
		Quantity:      p.Quantity.String(),
		CostBasis:     p.CostBasis.String(),
		LastPrice:     p.LastPrice.String(),
		InvestedSOL:   p.InvestedSOL.String(),
		RealizedPnL:   p.RealizedPnL.String(),
		UnrealizedPnL: p.UnrealizedPnL.String(),
		LadderLevel:   p.LadderLevel,
		PendingTxID:   p.PendingTxID,
		OpenedAt:      p.OpenedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) positions(c echo.Context) error {
	snap := s.deps.Positions.Snapshot()
	out := make([]positionView, 0, len(snap))
	for _, p := range snap {
		out = append(out, view(p))
	}
	return c.JSON(http.StatusOK, out)
}

// closePosition runs a manual full exit and waits for its outcome.
func (s *Server) closePosition(c echo.Context) error {
	mint := c.Param("mint")
	s.logger.Info("⛔ Manual close via admin API", zap.String("token", mint))

	pos, err := s.deps.Closer.Close(context.WithoutCancel(c.Request().Context()), mint)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
	}
	if pos == nil {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "in_progress"})
	}
	return c.JSON(http.StatusOK, view(*pos))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, position.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrNotActionable), errors.Is(err, executor.ErrDuplicateSignal):
		return http.StatusConflict
	case errors.Is(err, executor.ErrExecutionTimeout):
		return http.StatusAccepted
	case errors.Is(err, executor.ErrExecutionFailed), errors.Is(err, executor.ErrDraining):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
