package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/pkg/types"
)

// ProbabilitySum emits a batch signal when both outcomes of one market can
// be bought for less than a dollar. The two legs are sized for equal
// contract counts, so the position pays out the same whichever side wins.
type ProbabilitySum struct {
	cfg    config.StrategiesConfig
	gate   *cooldownGate
	board  *quoteBoard
	logger *slog.Logger
}

func NewProbabilitySum(cfg config.StrategiesConfig, logger *slog.Logger) *ProbabilitySum {
	return &ProbabilitySum{
		cfg:    cfg,
		gate:   newCooldownGate(cfg.SignalCooldown, cfg.PostTradeCooldown),
		board:  newQuoteBoard(),
		logger: logger.With("strategy", "probability_sum"),
	}
}

func (s *ProbabilitySum) ID() string { return "probability_sum" }

func (s *ProbabilitySum) Start(context.Context) error {
	s.logger.Info("started", "threshold_pct", s.cfg.SumThresholdPct)
	return nil
}

func (s *ProbabilitySum) Stop() {}

func (s *ProbabilitySum) OnPriceUpdate(u types.PriceUpdate) { s.board.put(u) }

func (s *ProbabilitySum) NotifyTrade(marketID string) { s.gate.NotifyTrade(marketID) }

func (s *ProbabilitySum) EmitSignals() []types.TradingSignal {
	now := time.Now()
	threshold := 1 - s.cfg.SumThresholdPct/100

	var signals []types.TradingSignal
	for marketID, quotes := range s.board.byMarket() {
		yes, no, ok := splitOutcomes(quotes)
		if !ok || yes.BestAsk <= 0 || no.BestAsk <= 0 {
			continue
		}
		sum := yes.BestAsk + no.BestAsk
		if sum >= threshold {
			continue
		}
		if !s.gate.allow(marketID, now) {
			continue
		}

		// Equal contract counts: spend proportionally to each ask.
		contracts := s.cfg.DefaultOrderSizeUsd / sum
		profitPct := (1 - sum) / sum * 100
		expiresAt := now.Add(s.cfg.SignalTTL)

		sig := types.TradingSignal{
			ID:         uuid.New().String(),
			StrategyID: s.ID(),
			MarketID:   marketID,
			OutcomeID:  yes.OutcomeID,
			Side:       types.BUY,
			Price:      yes.BestAsk,
			Size:       contracts * yes.BestAsk,
			Confidence: clamp(0.7+profitPct/20, 0, 1),
			Reason: fmt.Sprintf("ask sum %.4f below %.4f, locks %.2f%%",
				sum, threshold, profitPct),
			CreatedAt: now,
			ExpiresAt: expiresAt,
			Metadata: &types.SignalMetadata{
				Batch: []types.BatchLeg{
					{
						MarketID:  marketID,
						OutcomeID: yes.OutcomeID,
						Side:      types.BUY,
						Price:     yes.BestAsk,
						Size:      contracts * yes.BestAsk,
					},
					{
						MarketID:  marketID,
						OutcomeID: no.OutcomeID,
						Side:      types.BUY,
						Price:     no.BestAsk,
						Size:      contracts * no.BestAsk,
					},
				},
			},
		}
		s.gate.mark(marketID, now, expiresAt)
		metrics.SignalsEmitted.WithLabelValues(s.ID()).Inc()
		s.logger.Info("signal", "market", marketID, "sum", sum, "profit_pct", profitPct)
		signals = append(signals, sig)
	}
	return signals
}

// splitOutcomes picks the YES and NO quotes out of a market's outcome set.
func splitOutcomes(quotes []types.PriceUpdate) (yes, no types.PriceUpdate, ok bool) {
	var haveYes, haveNo bool
	for _, u := range quotes {
		switch {
		case strings.HasSuffix(u.OutcomeID, ":"+string(types.OutcomeYes)):
			yes, haveYes = u, true
		case strings.HasSuffix(u.OutcomeID, ":"+string(types.OutcomeNo)):
			no, haveNo = u, true
		}
	}
	return yes, no, haveYes && haveNo
}
