// Predictarb — an automated arbitrage bot for binary prediction markets,
// trading across Polymarket and Kalshi.
//
// Architecture:
//
//	main.go              — entry point: loads .env + config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: universe → matcher → market data → detectors/strategies → executors
//	venue/…              — Polymarket and Kalshi adapters (REST + WebSocket), prices normalized to [0,1]
//	matcher/…            — pairs equivalent markets across venues (lexical filter + verifier)
//	detector/…           — single-venue and cross-venue arbitrage detection and validation
//	strategy/…           — probability-sum, endgame, momentum, mean-reversion, imbalance signals
//	execution/…          — FOK leg racing with unwind; GTC signal execution with slippage caps
//	orders/…             — order/position/trade store, event bus, paper trading engine
//	risk/…               — exposure, daily loss, drawdown, API health; one-shot kill switch
//	marketdata/…         — book mirror with TTL cache, debounced price fan-out, REST poll fallback
//	store/…              — sqlite persistence for executions and daily P&L
//	api/…                — HTTP surface: health, orders, positions, executions, kill switch reset
//
// How it makes money:
//
//	Binary markets must satisfy P(YES) + P(NO) = 1 at resolution. Whenever
//	the asks on the two sides (on one venue, or across two venues quoting
//	the same event) sum to less than a dollar after fees, buying both sides
//	locks in the difference. Strategy signals trade softer dislocations of
//	the same identity on one leg at a time.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"predictarb/internal/config"
	"predictarb/internal/engine"
)

func main() {
	// Secrets come from the environment; .env is a convenience for local
	// runs and absent in production.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Trading.PaperTrading {
		logger.Warn("PAPER TRADING — no real orders will be placed",
			"balance", cfg.Trading.PaperTradingBalance)
	}
	logger.Info("predictarb started",
		"max_exposure", cfg.Risk.MaxTotalExposureUsd,
		"min_spread_bps", cfg.Risk.MinArbitrageSpreadBps,
		"api_enabled", cfg.API.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
