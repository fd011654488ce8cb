// Package api exposes the bot's observation and command surface over HTTP:
// health, open state (orders, positions, strategies, executions), Prometheus
// metrics, and the kill switch reset. It is read-mostly; the only mutations
// are order cancellation and the kill switch reset.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"predictarb/internal/config"
	"predictarb/internal/execution"
	"predictarb/internal/risk"
	"predictarb/pkg/types"
)

// OrderService is the slice of the order manager the API needs.
type OrderService interface {
	GetOrders() []types.Order
	GetOrder(orderID string) (types.Order, bool)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(v types.Venue) []types.Position
	TotalExposure() float64
}

// RiskService exposes the kill switch state and reset.
type RiskService interface {
	Snapshot() risk.Snapshot
	Reset()
}

// ExecutionSource reports recent arbitrage executions and running stats.
type ExecutionSource interface {
	Stats() execution.Stats
	History() []types.ExecutionResult
}

// StrategyStatus is one row of GET /api/strategies.
type StrategyStatus struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
}

// HealthReport is the GET /health payload. Status is Healthy when every
// component reports ok, Degraded when some do, Unhealthy when none do.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Provider is implemented by the engine and aggregates everything the
// handlers read that is not a direct service dependency.
type Provider interface {
	Health() HealthReport
	Strategies() []StrategyStatus
}

// Server runs the HTTP API.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(
	cfg config.APIConfig,
	provider Provider,
	orders OrderService,
	riskCore RiskService,
	execs ExecutionSource,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(provider, orders, riskCore, execs, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/orders", handlers.HandleOrders)
	mux.HandleFunc("GET /api/orders/{id}", handlers.HandleOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/strategies", handlers.HandleStrategies)
	mux.HandleFunc("GET /api/executions", handlers.HandleExecutions)
	mux.HandleFunc("POST /api/killswitch/reset", handlers.HandleKillSwitchReset)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
