package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/pkg/types"
)

const hoursPerYear = 8760

// Endgame buys near-certain outcomes shortly before resolution. A YES at
// 0.97 with six hours to go returns 3% in six hours, which annualizes far
// past any carry trade; the risk is the market being wrong, so the entry
// window is bounded on both probability and time.
type Endgame struct {
	cfg     config.StrategiesConfig
	markets MarketSource
	gate    *cooldownGate
	board   *quoteBoard
	logger  *slog.Logger
}

func NewEndgame(cfg config.StrategiesConfig, markets MarketSource, logger *slog.Logger) *Endgame {
	return &Endgame{
		cfg:     cfg,
		markets: markets,
		gate:    newCooldownGate(cfg.SignalCooldown, cfg.PostTradeCooldown),
		board:   newQuoteBoard(),
		logger:  logger.With("strategy", "endgame"),
	}
}

func (s *Endgame) ID() string { return "endgame" }

func (s *Endgame) Start(context.Context) error {
	s.logger.Info("started",
		"window_hours", fmt.Sprintf("[%v, %v]", s.cfg.EndgameMinHours, s.cfg.EndgameMaxHours),
		"min_annualized_pct", s.cfg.EndgameMinAnnualized)
	return nil
}

func (s *Endgame) Stop() {}

func (s *Endgame) OnPriceUpdate(u types.PriceUpdate) { s.board.put(u) }

func (s *Endgame) NotifyTrade(marketID string) { s.gate.NotifyTrade(marketID) }

func (s *Endgame) EmitSignals() []types.TradingSignal {
	now := time.Now()

	var signals []types.TradingSignal
	for marketID, quotes := range s.board.byMarket() {
		m, ok := s.markets.Market(marketID)
		if !ok || !m.IsActive {
			continue
		}
		h := m.HoursToResolution(now)
		if h < s.cfg.EndgameMinHours || h > s.cfg.EndgameMaxHours {
			continue
		}
		if !s.gate.allow(marketID, now) {
			continue
		}

		best, bestAnnualized := types.PriceUpdate{}, 0.0
		for _, u := range quotes {
			ask := u.BestAsk
			if ask < s.cfg.EndgameMinProb || ask > s.cfg.EndgameMaxProb {
				continue
			}
			profitPct := (1 - ask) / ask * 100
			annualized := profitPct * hoursPerYear / h
			if annualized >= s.cfg.EndgameMinAnnualized && annualized > bestAnnualized {
				best, bestAnnualized = u, annualized
			}
		}
		if bestAnnualized == 0 {
			continue
		}

		expiresAt := now.Add(s.cfg.SignalTTL)
		signals = append(signals, types.TradingSignal{
			ID:         uuid.New().String(),
			StrategyID: s.ID(),
			MarketID:   marketID,
			OutcomeID:  best.OutcomeID,
			Side:       types.BUY,
			Price:      best.BestAsk,
			Size:       s.cfg.DefaultOrderSizeUsd,
			Confidence: best.BestAsk,
			Reason: fmt.Sprintf("%.1fh to resolution at %.2f, %.0f%% annualized",
				h, best.BestAsk, bestAnnualized),
			CreatedAt: now,
			ExpiresAt: expiresAt,
		})
		s.gate.mark(marketID, now, expiresAt)
		metrics.SignalsEmitted.WithLabelValues(s.ID()).Inc()
		s.logger.Info("signal",
			"market", marketID, "outcome", best.OutcomeID,
			"hours", h, "annualized_pct", bestAnnualized)
	}
	return signals
}
