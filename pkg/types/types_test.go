package types

import (
	"testing"
	"time"
)

func TestGlobalIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := GlobalID(VenueKalshi, "INXD-24AUG", OutcomeYes)
	if id != "kalshi:INXD-24AUG:YES" {
		t.Fatalf("GlobalID = %q", id)
	}

	v, ext, outcome, err := SplitGlobalID(id)
	if err != nil {
		t.Fatal(err)
	}
	if v != VenueKalshi || ext != "INXD-24AUG" || outcome != "YES" {
		t.Errorf("SplitGlobalID = %v %q %q", v, ext, outcome)
	}
}

func TestSplitGlobalIDRejectsUnknownVenue(t *testing.T) {
	t.Parallel()

	if _, _, _, err := SplitGlobalID("binance:BTCUSDT"); err == nil {
		t.Error("expected error for unknown venue")
	}
	if _, _, _, err := SplitGlobalID("no-separator"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartial}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderRequestValidate(t *testing.T) {
	t.Parallel()

	good := OrderRequest{
		Venue: VenuePolymarket, MarketID: "polymarket:m1", OutcomeID: "polymarket:m1:YES",
		Side: BUY, Price: 0.48, Size: 100, Type: OrderTypeGTC,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	bad := good
	bad.Price = 1.0
	if err := bad.Validate(); err == nil {
		t.Error("price=1.0 should be rejected")
	}

	bad = good
	bad.Size = 0
	if err := bad.Validate(); err == nil {
		t.Error("size=0 should be rejected")
	}

	bad = good
	bad.Venue = "nyse"
	if err := bad.Validate(); err == nil {
		t.Error("unknown venue should be rejected")
	}
}

func TestMarketBinaryAndOutcome(t *testing.T) {
	t.Parallel()

	m := Market{
		ID:    "polymarket:m1",
		Venue: VenuePolymarket,
		Outcomes: []Outcome{
			{Type: OutcomeYes, BestBid: 0.47, BestAsk: 0.48},
			{Type: OutcomeNo, BestBid: 0.51, BestAsk: 0.52},
		},
	}
	if !m.Binary() {
		t.Fatal("two-outcome YES/NO market should be binary")
	}

	no, ok := m.Outcome(OutcomeNo)
	if !ok || no.BestAsk != 0.52 {
		t.Errorf("Outcome(NO) = %+v, %v", no, ok)
	}

	m.Outcomes = m.Outcomes[:1]
	if m.Binary() {
		t.Error("one-outcome market should not be binary")
	}
}

func TestOutcomeQuoted(t *testing.T) {
	t.Parallel()

	if !(Outcome{BestBid: 0.4, BestAsk: 0.42}).Quoted() {
		t.Error("bid<ask within [0,1] should be quoted")
	}
	if (Outcome{BestBid: 0, BestAsk: 0.42}).Quoted() {
		t.Error("missing bid should be unquoted")
	}
	if (Outcome{BestBid: 0.5, BestAsk: 0.4}).Quoted() {
		t.Error("crossed book should be unquoted")
	}
}

func TestSignalExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sig := TradingSignal{ExpiresAt: now.Add(time.Minute)}
	if sig.Expired(now) {
		t.Error("signal should not be expired before ExpiresAt")
	}
	if !sig.Expired(now.Add(2 * time.Minute)) {
		t.Error("signal should be expired after ExpiresAt")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite is not an involution")
	}
}
