package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/internal/stats"
	"predictarb/pkg/types"
)

const (
	momentumLookback = 10
	rsiPeriod        = 14
	rsiOverbought    = 70
	rsiOversold      = 30
	zScoreWindow     = 20
)

// ————————————————————————————————————————————————————————————————————————
// Momentum
// ————————————————————————————————————————————————————————————————————————

// Momentum follows sustained directional moves, guarded by RSI so it does
// not chase a move that is already exhausted.
type Momentum struct {
	cfg     config.StrategiesConfig
	history *stats.History
	gate    *cooldownGate
	board   *quoteBoard
	logger  *slog.Logger
}

func NewMomentum(cfg config.StrategiesConfig, history *stats.History, logger *slog.Logger) *Momentum {
	return &Momentum{
		cfg:     cfg,
		history: history,
		gate:    newCooldownGate(cfg.SignalCooldown, cfg.PostTradeCooldown),
		board:   newQuoteBoard(),
		logger:  logger.With("strategy", "momentum"),
	}
}

func (s *Momentum) ID() string { return "momentum" }

func (s *Momentum) Start(context.Context) error { return nil }
func (s *Momentum) Stop()                       {}

func (s *Momentum) OnPriceUpdate(u types.PriceUpdate) { s.board.put(u) }

func (s *Momentum) NotifyTrade(marketID string) { s.gate.NotifyTrade(marketID) }

func (s *Momentum) EmitSignals() []types.TradingSignal {
	now := time.Now()

	var signals []types.TradingSignal
	for _, quotes := range s.board.byMarket() {
		for _, u := range quotes {
			mom, ok := s.history.Momentum(u.OutcomeID, momentumLookback)
			if !ok || math.Abs(mom) < s.cfg.MomentumThreshold {
				continue
			}

			side := types.BUY
			price := u.BestAsk
			if mom < 0 {
				side = types.SELL
				price = u.BestBid
			}
			if price <= 0 {
				continue
			}
			// Skip moves the RSI says are already spent.
			if rsi, ok := s.history.RSI(u.OutcomeID, rsiPeriod); ok {
				if side == types.BUY && rsi > rsiOverbought {
					continue
				}
				if side == types.SELL && rsi < rsiOversold {
					continue
				}
			}
			if !s.gate.allow(u.MarketID, now) {
				continue
			}

			expiresAt := now.Add(s.cfg.SignalTTL)
			signals = append(signals, types.TradingSignal{
				ID:         uuid.New().String(),
				StrategyID: s.ID(),
				MarketID:   u.MarketID,
				OutcomeID:  u.OutcomeID,
				Side:       side,
				Price:      price,
				Size:       s.cfg.DefaultOrderSizeUsd,
				Confidence: clamp(0.5+math.Abs(mom)*2, 0, 0.9),
				Reason:     fmt.Sprintf("momentum %+.3f over %d samples", mom, momentumLookback),
				CreatedAt:  now,
				ExpiresAt:  expiresAt,
			})
			s.gate.mark(u.MarketID, now, expiresAt)
			metrics.SignalsEmitted.WithLabelValues(s.ID()).Inc()
		}
	}
	return signals
}

// ————————————————————————————————————————————————————————————————————————
// Mean reversion
// ————————————————————————————————————————————————————————————————————————

// MeanReversion fades prices that have stretched far from their recent
// mean, measured as a z-score over a rolling window.
type MeanReversion struct {
	cfg     config.StrategiesConfig
	history *stats.History
	gate    *cooldownGate
	board   *quoteBoard
	logger  *slog.Logger
}

func NewMeanReversion(cfg config.StrategiesConfig, history *stats.History, logger *slog.Logger) *MeanReversion {
	return &MeanReversion{
		cfg:     cfg,
		history: history,
		gate:    newCooldownGate(cfg.SignalCooldown, cfg.PostTradeCooldown),
		board:   newQuoteBoard(),
		logger:  logger.With("strategy", "mean_reversion"),
	}
}

func (s *MeanReversion) ID() string { return "mean_reversion" }

func (s *MeanReversion) Start(context.Context) error { return nil }
func (s *MeanReversion) Stop()                       {}

func (s *MeanReversion) OnPriceUpdate(u types.PriceUpdate) { s.board.put(u) }

func (s *MeanReversion) NotifyTrade(marketID string) { s.gate.NotifyTrade(marketID) }

func (s *MeanReversion) EmitSignals() []types.TradingSignal {
	now := time.Now()

	var signals []types.TradingSignal
	for _, quotes := range s.board.byMarket() {
		for _, u := range quotes {
			z, ok := s.history.ZScore(u.OutcomeID, zScoreWindow)
			if !ok {
				continue
			}

			var side types.Side
			var price float64
			switch {
			case z >= s.cfg.MeanRevZScoreHigh:
				side, price = types.SELL, u.BestBid
			case z <= -s.cfg.MeanRevZScoreLow:
				side, price = types.BUY, u.BestAsk
			default:
				continue
			}
			if price <= 0 {
				continue
			}
			if !s.gate.allow(u.MarketID, now) {
				continue
			}

			expiresAt := now.Add(s.cfg.SignalTTL)
			signals = append(signals, types.TradingSignal{
				ID:         uuid.New().String(),
				StrategyID: s.ID(),
				MarketID:   u.MarketID,
				OutcomeID:  u.OutcomeID,
				Side:       side,
				Price:      price,
				Size:       s.cfg.DefaultOrderSizeUsd,
				Confidence: clamp(0.5+math.Abs(z)/10, 0, 0.9),
				Reason:     fmt.Sprintf("z-score %+.2f over %d samples", z, zScoreWindow),
				CreatedAt:  now,
				ExpiresAt:  expiresAt,
			})
			s.gate.mark(u.MarketID, now, expiresAt)
			metrics.SignalsEmitted.WithLabelValues(s.ID()).Inc()
		}
	}
	return signals
}

// ————————————————————————————————————————————————————————————————————————
// Book imbalance
// ————————————————————————————————————————————————————————————————————————

// Imbalance trades in the direction of one-sided resting size at the top
// of book, on the premise that heavy bids precede upticks.
type Imbalance struct {
	cfg    config.StrategiesConfig
	gate   *cooldownGate
	board  *quoteBoard
	logger *slog.Logger
}

func NewImbalance(cfg config.StrategiesConfig, logger *slog.Logger) *Imbalance {
	return &Imbalance{
		cfg:    cfg,
		gate:   newCooldownGate(cfg.SignalCooldown, cfg.PostTradeCooldown),
		board:  newQuoteBoard(),
		logger: logger.With("strategy", "imbalance"),
	}
}

func (s *Imbalance) ID() string { return "imbalance" }

func (s *Imbalance) Start(context.Context) error { return nil }
func (s *Imbalance) Stop()                       {}

func (s *Imbalance) OnPriceUpdate(u types.PriceUpdate) { s.board.put(u) }

func (s *Imbalance) NotifyTrade(marketID string) { s.gate.NotifyTrade(marketID) }

func (s *Imbalance) EmitSignals() []types.TradingSignal {
	now := time.Now()

	var signals []types.TradingSignal
	for _, quotes := range s.board.byMarket() {
		for _, u := range quotes {
			if u.BidSize <= 0 || u.AskSize <= 0 {
				continue
			}
			ratio := u.BidSize / u.AskSize

			var side types.Side
			var price float64
			switch {
			case ratio >= s.cfg.ImbalanceRatio:
				side, price = types.BUY, u.BestAsk
			case ratio <= 1/s.cfg.ImbalanceRatio:
				side, price = types.SELL, u.BestBid
			default:
				continue
			}
			if price <= 0 {
				continue
			}
			if !s.gate.allow(u.MarketID, now) {
				continue
			}

			expiresAt := now.Add(s.cfg.SignalTTL)
			signals = append(signals, types.TradingSignal{
				ID:         uuid.New().String(),
				StrategyID: s.ID(),
				MarketID:   u.MarketID,
				OutcomeID:  u.OutcomeID,
				Side:       side,
				Price:      price,
				Size:       s.cfg.DefaultOrderSizeUsd,
				Confidence: clamp(0.5+math.Max(ratio, 1/ratio)/20, 0, 0.85),
				Reason:     fmt.Sprintf("bid/ask size ratio %.2f", ratio),
				CreatedAt:  now,
				ExpiresAt:  expiresAt,
			})
			s.gate.mark(u.MarketID, now, expiresAt)
			metrics.SignalsEmitted.WithLabelValues(s.ID()).Inc()
		}
	}
	return signals
}
