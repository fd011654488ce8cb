package matcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"predictarb/internal/config"
	"predictarb/pkg/types"
)

func testConfig() config.MatcherConfig {
	return config.MatcherConfig{
		MinJaccard:        0.3,
		MaxCandidates:     50,
		MaxEndDateGapDays: 7,
		MinConfidence:     0.8,
	}
}

func polyMarket(ext, title string, end time.Time) types.Market {
	return types.Market{
		ID:         types.GlobalID(types.VenuePolymarket, ext),
		Venue:      types.VenuePolymarket,
		ExternalID: ext,
		Title:      title,
		EndDate:    end,
		Status:     types.MarketActive,
		IsActive:   true,
	}
}

func kalshiMarket(ext, title string, end time.Time) types.Market {
	return types.Market{
		ID:         types.GlobalID(types.VenueKalshi, ext),
		Venue:      types.VenueKalshi,
		ExternalID: ext,
		Title:      title,
		EndDate:    end,
		Status:     types.MarketActive,
		IsActive:   true,
	}
}

func TestWordSet(t *testing.T) {
	t.Parallel()

	set := wordSet("Will the Chiefs win the Super Bowl?")
	for _, want := range []string{"chiefs", "win", "super", "bowl"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing word %q in %v", want, set)
		}
	}
	if _, ok := set["the"]; ok {
		t.Error("stopword survived normalization")
	}
	if _, ok := set["will"]; ok {
		t.Error("stopword survived normalization")
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	a := wordSet("chiefs win super bowl")
	b := wordSet("chiefs win super bowl")
	if j := jaccard(a, b); j != 1.0 {
		t.Errorf("identical sets = %v, want 1", j)
	}
	c := wordSet("bitcoin above 100k december")
	if j := jaccard(a, c); j != 0 {
		t.Errorf("disjoint sets = %v, want 0", j)
	}
	if j := jaccard(a, map[string]struct{}{}); j != 0 {
		t.Errorf("empty set = %v, want 0", j)
	}
}

func TestMatchPairsEquivalentMarkets(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	polys := []types.Market{
		polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end),
		polyMarket("0xdef", "Will Bitcoin close above $100k in December?", end),
	}
	kalshis := []types.Market{
		kalshiMarket("KXSB-CHIEFS", "Will the Chiefs win the Super Bowl", end.Add(6*time.Hour)),
		kalshiMarket("KXWEATHER", "Highest temperature in NYC tomorrow", end),
	}

	m := New(testConfig(), nil, slog.Default())
	pairs, err := m.Match(context.Background(), polys, kalshis)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1: %+v", len(pairs), pairs)
	}
	p := pairs[0]
	if p.Key != "0xabc:KXSB-CHIEFS" {
		t.Errorf("pair key = %q", p.Key)
	}
	if p.Confidence < 0.8 {
		t.Errorf("confidence = %v", p.Confidence)
	}
	if got := m.Pairs(); len(got) != 1 || !got[0].Active {
		t.Errorf("active pairs = %+v", got)
	}
}

func TestMatchSymmetricUnderSwap(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	polys := []types.Market{polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end)}
	kalshis := []types.Market{kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end)}

	m1 := New(testConfig(), nil, slog.Default())
	p1, err := m1.Match(context.Background(), polys, kalshis)
	if err != nil {
		t.Fatal(err)
	}
	m2 := New(testConfig(), nil, slog.Default())
	p2, err := m2.Match(context.Background(), kalshis, polys)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1) != 1 || len(p2) != 1 || p1[0].Key != p2[0].Key {
		t.Errorf("swap changed the result: %+v vs %+v", p1, p2)
	}
}

func TestMatchRejectsEndDateGap(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	polys := []types.Market{polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end)}
	kalshis := []types.Market{
		kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end.Add(10*24*time.Hour)),
	}

	m := New(testConfig(), nil, slog.Default())
	pairs, err := m.Match(context.Background(), polys, kalshis)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("far-apart end dates should not pair: %+v", pairs)
	}
}

func TestMatchRejectsInactive(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	poly := polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end)
	poly.IsActive = false
	kalshis := []types.Market{kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end)}

	m := New(testConfig(), nil, slog.Default())
	pairs, err := m.Match(context.Background(), []types.Market{poly}, kalshis)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("inactive market should not pair: %+v", pairs)
	}
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	m := New(testConfig(), nil, slog.Default())
	_, err := m.Match(context.Background(),
		[]types.Market{polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end)},
		[]types.Market{kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end)},
	)
	if err != nil {
		t.Fatal(err)
	}

	m.Deactivate("kalshi:KXSB")
	if got := m.Pairs(); len(got) != 0 {
		t.Errorf("deactivated pair still active: %+v", got)
	}
}

type fixedVerifier struct{ conf float64 }

func (v fixedVerifier) Verify(context.Context, types.Market, types.Market) (float64, error) {
	return v.conf, nil
}

func TestVerifierThresholdRejects(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(48 * time.Hour)
	m := New(testConfig(), fixedVerifier{conf: 0.5}, slog.Default())
	pairs, err := m.Match(context.Background(),
		[]types.Market{polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end)},
		[]types.Market{kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("low-confidence candidate accepted: %+v", pairs)
	}
}

func TestHeuristicCapsAtNinetyFive(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(24 * time.Hour)
	v := NewHeuristicVerifier()
	conf, err := v.Verify(context.Background(),
		polyMarket("0xabc", "Will the Chiefs win the Super Bowl?", end),
		kalshiMarket("KXSB", "Will the Chiefs win the Super Bowl", end),
	)
	if err != nil {
		t.Fatal(err)
	}
	if conf != verifierCap {
		t.Errorf("confidence = %v, want capped at %v", conf, verifierCap)
	}
}

func TestHeuristicPatternBonus(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(24 * time.Hour)
	v := NewHeuristicVerifier()

	// Shared "price of" shape on partially overlapping titles lifts the
	// score above bare Jaccard.
	poly := polyMarket("a", "Price of Bitcoin above 100k on December 31", end)
	kalshi := kalshiMarket("b", "Price of Bitcoin near 100k on December 30", end)
	base := jaccard(wordSet(poly.Title), wordSet(kalshi.Title))

	conf, err := v.Verify(context.Background(), poly, kalshi)
	if err != nil {
		t.Fatal(err)
	}
	if conf <= base {
		t.Errorf("confidence = %v, want above bare jaccard %v", conf, base)
	}
	if conf > verifierCap {
		t.Errorf("confidence = %v exceeds cap", conf)
	}
}
