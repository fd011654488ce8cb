package detector

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"predictarb/internal/config"
	"predictarb/pkg/types"
)

func testDetector(cfg config.RiskConfig) *Detector {
	return New(cfg, config.FeaturesConfig{
		EnableSinglePlatformArb: true,
		EnableCrossPlatformArb:  true,
	}, slog.Default())
}

func quotedMarket(v types.Venue, ext string, askY, sizeY, askN, sizeN float64) types.Market {
	return types.Market{
		ID:         types.GlobalID(v, ext),
		Venue:      v,
		ExternalID: ext,
		Status:     types.MarketActive,
		IsActive:   true,
		Outcomes: []types.Outcome{
			{
				ID:      types.GlobalID(v, ext, types.OutcomeYes),
				Type:    types.OutcomeYes,
				BestBid: askY - 0.01, BestAsk: askY, AskSize: sizeY, BidSize: sizeY,
			},
			{
				ID:      types.GlobalID(v, ext, types.OutcomeNo),
				Type:    types.OutcomeNo,
				BestBid: askN - 0.01, BestAsk: askN, AskSize: sizeN, BidSize: sizeN,
			},
		},
	}
}

func TestDetectSingleFindsGap(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{MinArbitrageSpreadBps: 5})
	m := quotedMarket(types.VenuePolymarket, "0xabc", 0.48, 200, 0.49, 150)

	opp := d.DetectSingle(m)
	if opp == nil {
		t.Fatal("3% gap should be detected")
	}
	if opp.Kind != types.SinglePlatform {
		t.Errorf("kind = %v", opp.Kind)
	}
	if math.Abs(opp.GrossSpread-0.03) > 1e-9 || math.Abs(opp.SpreadBps-300) > 1e-6 {
		t.Errorf("gross = %v bps = %v", opp.GrossSpread, opp.SpreadBps)
	}
	if opp.MaxSize != 150 {
		t.Errorf("max size = %v, want min of leg sizes", opp.MaxSize)
	}
	if math.Abs(opp.MaxProfit-0.03*150) > 1e-9 {
		t.Errorf("max profit = %v", opp.MaxProfit)
	}
	if len(opp.Legs) != 2 || opp.Legs[0].Side != types.BUY || opp.Legs[1].Side != types.BUY {
		t.Errorf("legs = %+v", opp.Legs)
	}
	if !opp.IsValid || opp.Confidence != 1.0 {
		t.Errorf("valid = %v confidence = %v", opp.IsValid, opp.Confidence)
	}
}

func TestDetectSingleFeesEatTheEdge(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{
		MinArbitrageSpreadBps:  5,
		KalshiTakerFeeRate:     0.02,
		PolymarketTakerFeeRate: 0.02,
	})
	m := quotedMarket(types.VenueKalshi, "T", 0.495, 100, 0.495, 100)

	if opp := d.DetectSingle(m); opp != nil {
		t.Errorf("1%% gross with 2%% fees should net negative: %+v", opp)
	}
}

func TestDetectSingleBelowMinSpread(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{MinArbitrageSpreadBps: 50})
	m := quotedMarket(types.VenuePolymarket, "0xabc", 0.499, 100, 0.498, 100)

	if opp := d.DetectSingle(m); opp != nil {
		t.Errorf("30 bps should not clear a 50 bps floor: %+v", opp)
	}
}

func TestDetectSingleDisabled(t *testing.T) {
	t.Parallel()

	d := New(config.RiskConfig{MinArbitrageSpreadBps: 5},
		config.FeaturesConfig{EnableSinglePlatformArb: false}, slog.Default())
	m := quotedMarket(types.VenuePolymarket, "0xabc", 0.40, 100, 0.40, 100)

	if opp := d.DetectSingle(m); opp != nil {
		t.Error("disabled detector should stay silent")
	}
}

func TestDetectCrossPicksRicherPairing(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{
		MinArbitrageSpreadBps: 5,
		CrossPlatformBuffer:   0.15,
	})
	// Polymarket YES at 0.30 with Kalshi NO at 0.40: gross 0.30.
	// The reverse pairing (0.65 + 0.75) is deeply negative.
	poly := quotedMarket(types.VenuePolymarket, "0xabc", 0.30, 500, 0.75, 500)
	kalshi := quotedMarket(types.VenueKalshi, "KXSB", 0.65, 300, 0.40, 300)

	opp := d.DetectCross(poly, kalshi, 0.9)
	if opp == nil {
		t.Fatal("rich pairing should be detected")
	}
	if opp.Kind != types.CrossPlatform || opp.Confidence != 0.9 {
		t.Errorf("kind = %v confidence = %v", opp.Kind, opp.Confidence)
	}
	if math.Abs(opp.GrossSpread-0.30) > 1e-9 {
		t.Errorf("gross = %v, want 0.30", opp.GrossSpread)
	}
	if math.Abs(opp.NetSpread-0.15) > 1e-9 {
		t.Errorf("net = %v, want 0.15 after buffer", opp.NetSpread)
	}
	if opp.Legs[0].Venue != types.VenuePolymarket || opp.Legs[1].Venue != types.VenueKalshi {
		t.Errorf("leg venues = %v %v", opp.Legs[0].Venue, opp.Legs[1].Venue)
	}
	if opp.MaxSize != 300 {
		t.Errorf("max size = %v", opp.MaxSize)
	}
}

func TestDetectCrossBufferBlocksThinEdge(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{
		MinArbitrageSpreadBps: 5,
		CrossPlatformBuffer:   0.15,
	})
	// Gross 0.10 does not clear the 0.15 buffer.
	poly := quotedMarket(types.VenuePolymarket, "0xabc", 0.45, 500, 0.60, 500)
	kalshi := quotedMarket(types.VenueKalshi, "KXSB", 0.55, 300, 0.45, 300)

	if opp := d.DetectCross(poly, kalshi, 0.9); opp != nil {
		t.Errorf("thin edge should be absorbed by the buffer: %+v", opp)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	d := testDetector(config.RiskConfig{MinArbitrageSpreadBps: 5})
	m := quotedMarket(types.VenuePolymarket, "0xabc", 0.48, 100, 0.49, 100)
	opp := d.DetectSingle(m)
	if opp == nil {
		t.Fatal("setup opportunity missing")
	}

	liveBook := func(price, size float64) func(string) (types.OrderBook, bool) {
		return func(string) (types.OrderBook, bool) {
			return types.OrderBook{
				Asks: []types.PriceLevel{{Price: price, Size: size}},
			}, true
		}
	}

	if !d.Validate(opp, liveBook(0.484, 60)) {
		t.Error("live quote within tolerance should validate")
	}

	opp.IsValid = true
	if d.Validate(opp, liveBook(0.52, 100)) {
		t.Error("ask moved more than 1%, should invalidate")
	}
	if opp.IsValid {
		t.Error("failed validation must clear IsValid")
	}

	opp.IsValid = true
	if d.Validate(opp, liveBook(0.48, 30)) {
		t.Error("less than half the quoted size should invalidate")
	}

	opp.IsValid = true
	if d.Validate(opp, func(string) (types.OrderBook, bool) {
		return types.OrderBook{}, false
	}) {
		t.Error("missing book should invalidate")
	}

	// The size floor is half of what the leg will trade, not half of the
	// full depth quoted at detection. A leg capped to 60 by the thinner
	// side stays valid on 40 of live size even where 200 was quoted.
	capped := d.DetectSingle(quotedMarket(types.VenuePolymarket, "0xdef", 0.48, 60, 0.49, 200))
	if capped == nil {
		t.Fatal("setup opportunity missing")
	}
	if !d.Validate(capped, liveBook(0.484, 40)) {
		t.Error("half the requested size should validate")
	}
}

func TestSortRichestFirst(t *testing.T) {
	t.Parallel()

	now := time.Now()
	opps := []types.ArbitrageOpportunity{
		{ID: "b", MaxProfit: 5, DetectedAt: now},
		{ID: "c", MaxProfit: 10, DetectedAt: now.Add(time.Second)},
		{ID: "a", MaxProfit: 10, DetectedAt: now},
	}
	Sort(opps)
	if opps[0].ID != "a" || opps[1].ID != "c" || opps[2].ID != "b" {
		t.Errorf("order = %s %s %s", opps[0].ID, opps[1].ID, opps[2].ID)
	}
}
