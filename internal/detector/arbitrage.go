// Package detector finds risk-free mispricings in binary market quotes.
// Single-venue: both outcomes of one market bought together for under $1.
// Cross-venue: complementary outcomes across a matched Polymarket/Kalshi
// pair. Every opportunity is re-validated against live books right before
// execution, since quotes go stale in milliseconds.
package detector

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/pkg/types"
)

const opportunityTTL = 30 * time.Second

// Detector scores market snapshots for executable arbitrage.
type Detector struct {
	cfg      config.RiskConfig
	features config.FeaturesConfig
	logger   *slog.Logger
}

func New(cfg config.RiskConfig, features config.FeaturesConfig, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		features: features,
		logger:   logger.With("component", "detector"),
	}
}

func (d *Detector) feeRate(v types.Venue) float64 {
	switch v {
	case types.VenuePolymarket:
		return d.cfg.PolymarketTakerFeeRate
	case types.VenueKalshi:
		return d.cfg.KalshiTakerFeeRate
	}
	return 0
}

// DetectSingle checks one market for an intra-venue probability-sum gap:
// buying YES and NO together for less than $1 locks the difference.
func (d *Detector) DetectSingle(m types.Market) *types.ArbitrageOpportunity {
	if !d.features.EnableSinglePlatformArb || !m.IsActive || !m.Binary() {
		return nil
	}
	yes, _ := m.Outcome(types.OutcomeYes)
	no, _ := m.Outcome(types.OutcomeNo)
	if !yes.Quoted() || !no.Quoted() {
		return nil
	}

	fee := d.feeRate(m.Venue)
	gross := 1 - yes.BestAsk - no.BestAsk
	net := gross - fee*yes.BestAsk - fee*no.BestAsk
	spreadBps := net * 10000
	if spreadBps < d.cfg.MinArbitrageSpreadBps {
		return nil
	}

	maxSize := minFloat(yes.AskSize, no.AskSize)
	if maxSize <= 0 {
		return nil
	}

	opp := &types.ArbitrageOpportunity{
		ID:   uuid.New().String(),
		Kind: types.SinglePlatform,
		Legs: []types.OpportunityLeg{
			buyLeg(m.Venue, m.ID, yes, maxSize),
			buyLeg(m.Venue, m.ID, no, maxSize),
		},
		GrossSpread: gross,
		NetSpread:   net,
		SpreadBps:   spreadBps,
		MaxSize:     maxSize,
		MaxProfit:   net * maxSize,
		Confidence:  1.0,
		DetectedAt:  time.Now(),
		ExpiresAt:   time.Now().Add(opportunityTTL),
		IsValid:     true,
	}
	metrics.ArbitrageOpportunities.WithLabelValues(string(types.SinglePlatform)).Inc()
	d.logger.Info("single-venue opportunity",
		"market", m.ID, "spread_bps", spreadBps, "max_profit", opp.MaxProfit)
	return opp
}

// DetectCross checks a matched pair for the richer of the two complementary
// pairings: YES on one venue with NO on the other. The cross-platform
// buffer absorbs settlement-rule mismatch between the venues.
func (d *Detector) DetectCross(poly, kalshi types.Market, confidence float64) *types.ArbitrageOpportunity {
	if !d.features.EnableCrossPlatformArb || !poly.IsActive || !kalshi.IsActive {
		return nil
	}
	pYes, okPY := poly.Outcome(types.OutcomeYes)
	pNo, okPN := poly.Outcome(types.OutcomeNo)
	kYes, okKY := kalshi.Outcome(types.OutcomeYes)
	kNo, okKN := kalshi.Outcome(types.OutcomeNo)
	if !okPY || !okPN || !okKY || !okKN {
		return nil
	}

	best := d.crossPairing(poly.ID, kalshi.ID, pYes, kNo)
	if alt := d.crossPairing(kalshi.ID, poly.ID, kYes, pNo); alt != nil {
		if best == nil || alt.NetSpread > best.NetSpread {
			best = alt
		}
	}
	if best == nil {
		return nil
	}

	best.ID = uuid.New().String()
	best.Kind = types.CrossPlatform
	best.Confidence = confidence
	best.DetectedAt = time.Now()
	best.ExpiresAt = best.DetectedAt.Add(opportunityTTL)
	best.IsValid = true
	metrics.ArbitrageOpportunities.WithLabelValues(string(types.CrossPlatform)).Inc()
	d.logger.Info("cross-venue opportunity",
		"poly", poly.ID, "kalshi", kalshi.ID,
		"spread_bps", best.SpreadBps, "max_profit", best.MaxProfit)
	return best
}

// crossPairing evaluates buying outcome a on its venue and outcome b on the
// other. Returns nil when the net spread clears neither the buffer nor the
// minimum.
func (d *Detector) crossPairing(marketA, marketB string, a, b types.Outcome) *types.ArbitrageOpportunity {
	if !a.Quoted() || !b.Quoted() {
		return nil
	}
	venueA, _, _, _ := types.SplitGlobalID(a.ID)
	venueB, _, _, _ := types.SplitGlobalID(b.ID)

	gross := 1 - a.BestAsk - b.BestAsk
	net := gross - d.cfg.CrossPlatformBuffer -
		d.feeRate(venueA)*a.BestAsk - d.feeRate(venueB)*b.BestAsk
	spreadBps := net * 10000
	if spreadBps < d.cfg.MinArbitrageSpreadBps {
		return nil
	}
	maxSize := minFloat(a.AskSize, b.AskSize)
	if maxSize <= 0 {
		return nil
	}

	return &types.ArbitrageOpportunity{
		Legs: []types.OpportunityLeg{
			buyLeg(venueA, marketA, a, maxSize),
			buyLeg(venueB, marketB, b, maxSize),
		},
		GrossSpread: gross,
		NetSpread:   net,
		SpreadBps:   spreadBps,
		MaxSize:     maxSize,
		MaxProfit:   net * maxSize,
	}
}

// Validate rechecks every leg against a live book right before execution.
// A leg fails when its ask moved more than 1% against the quote or the
// available size fell below half of the size the leg wants to trade.
func (d *Detector) Validate(opp *types.ArbitrageOpportunity, getBook func(outcomeID string) (types.OrderBook, bool)) bool {
	for _, leg := range opp.Legs {
		book, ok := getBook(leg.OutcomeID)
		if !ok {
			opp.IsValid = false
			return false
		}
		ask, ok := book.BestAsk()
		if !ok || ask.Price > leg.Price*1.01 || ask.Size < leg.Size*0.5 {
			opp.IsValid = false
			d.logger.Debug("opportunity invalidated",
				"opportunity", opp.ID, "leg", leg.OutcomeID,
				"quoted", leg.Price, "live", ask.Price)
			return false
		}
	}
	return true
}

// Sort orders opportunities richest first; ties go to the earlier detection.
func Sort(opps []types.ArbitrageOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].MaxProfit != opps[j].MaxProfit {
			return opps[i].MaxProfit > opps[j].MaxProfit
		}
		return opps[i].DetectedAt.Before(opps[j].DetectedAt)
	})
}

func buyLeg(v types.Venue, marketID string, o types.Outcome, size float64) types.OpportunityLeg {
	return types.OpportunityLeg{
		Venue:     v,
		MarketID:  marketID,
		OutcomeID: o.ID,
		Side:      types.BUY,
		Price:     o.BestAsk,
		Size:      size,
		MaxSize:   o.AskSize,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
