package kalshi

import (
	"encoding/json"
	"log/slog"
	"math"
	"testing"
	"time"

	"predictarb/internal/config"
	"predictarb/pkg/types"
)

func TestCentsConversions(t *testing.T) {
	t.Parallel()

	if got := centsToProb(42); got != 0.42 {
		t.Errorf("centsToProb(42) = %v", got)
	}
	if got := probToCents(0.42); got != 42 {
		t.Errorf("probToCents(0.42) = %v", got)
	}
	// Round trip over the whole valid range must be exact.
	for cents := int64(1); cents <= 99; cents++ {
		if got := probToCents(centsToProb(cents)); got != cents {
			t.Fatalf("round trip %d -> %v -> %d", cents, centsToProb(cents), got)
		}
	}
	// Clamped to the venue's valid range.
	if got := probToCents(0.001); got != 1 {
		t.Errorf("probToCents(0.001) = %v, want 1", got)
	}
	if got := probToCents(0.999); got != 99 {
		t.Errorf("probToCents(0.999) = %v, want 99", got)
	}
}

func TestContractConversions(t *testing.T) {
	t.Parallel()

	// 100 contracts at 42c = $42.
	if got := contractsToUSD(100, 42); got != 42.0 {
		t.Errorf("contractsToUSD = %v", got)
	}
	// $42 at 42c = 100 contracts.
	if got := usdToContracts(42.0, 42); got != 100 {
		t.Errorf("usdToContracts = %v", got)
	}
	// Partial contracts round down.
	if got := usdToContracts(0.99, 50); got != 1 {
		t.Errorf("usdToContracts(0.99, 50) = %v, want 1", got)
	}
	if got := usdToContracts(0.40, 50); got != 0 {
		t.Errorf("usdToContracts(0.40, 50) = %v, want 0", got)
	}
	if got := usdToContracts(10, 0); got != 0 {
		t.Errorf("usdToContracts at zero price = %v, want 0", got)
	}
}

func TestNormalizeMarket(t *testing.T) {
	t.Parallel()

	wm := wireMarket{
		Ticker:       "INXD-24AUG-T5000",
		Title:        "S&P 500 above 5000",
		Subtitle:     "on Aug 24",
		RulesPrimary: "Resolves YES if the index closes above 5000.",
		Category:     "Financials",
		CloseTime:    time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC),
		Status:       "active",
		YesBid:       47,
		YesAsk:       49,
		NoBid:        51,
		NoAsk:        53,
		Volume24h:    12000,
		Liquidity:    500000, // cents
	}

	m := normalizeMarket(wm)
	if m.ID != "kalshi:INXD-24AUG-T5000" {
		t.Errorf("market id = %q", m.ID)
	}
	if !m.Binary() {
		t.Fatal("kalshi market should always be binary")
	}
	if m.Title != "S&P 500 above 5000 on Aug 24" {
		t.Errorf("title = %q", m.Title)
	}
	if m.Liquidity != 5000.0 {
		t.Errorf("liquidity = %v, want 5000 USD", m.Liquidity)
	}

	yes, _ := m.Outcome(types.OutcomeYes)
	if yes.BestBid != 0.47 || yes.BestAsk != 0.49 {
		t.Errorf("yes quotes = %+v", yes)
	}
	if math.Abs(yes.Probability-0.48) > 1e-9 {
		t.Errorf("yes probability = %v, want 0.48", yes.Probability)
	}

	no, _ := m.Outcome(types.OutcomeNo)
	if no.BestBid != 0.51 || no.BestAsk != 0.53 {
		t.Errorf("no quotes = %+v", no)
	}
	if !m.IsActive {
		t.Error("active market should be active")
	}
}

func TestNormalizeMarketStatuses(t *testing.T) {
	t.Parallel()

	cases := map[string]types.MarketStatus{
		"active":      types.MarketActive,
		"closed":      types.MarketResolved,
		"settled":     types.MarketResolved,
		"initialized": types.MarketSuspended,
	}
	for wire, want := range cases {
		m := normalizeMarket(wireMarket{Ticker: "T", Status: wire})
		if m.Status != want {
			t.Errorf("status %q = %v, want %v", wire, m.Status, want)
		}
	}
}

func TestNormalizeBookMirrorsOpposite(t *testing.T) {
	t.Parallel()

	var wb wireOrderbook
	wb.Orderbook.Yes = [][2]int64{{45, 100}, {47, 50}}
	wb.Orderbook.No = [][2]int64{{51, 200}}

	book := normalizeBook(wb, "kalshi:T", "kalshi:T:YES", types.OutcomeYes)

	// YES bids come straight from the yes side, best first.
	best, ok := book.BestBid()
	if !ok || best.Price != 0.47 {
		t.Errorf("best bid = %+v %v", best, ok)
	}
	// YES asks are mirrored NO bids: 51c NO bid = 49c YES ask.
	ask, ok := book.BestAsk()
	if !ok || ask.Price != 0.49 {
		t.Errorf("best ask = %+v %v", ask, ok)
	}
	// Ask size is the cost of those contracts at the ask: 200 * 0.49.
	if math.Abs(ask.Size-98.0) > 1e-9 {
		t.Errorf("ask size = %v, want 98", ask.Size)
	}

	// The NO view swaps the sides.
	noBook := normalizeBook(wb, "kalshi:T", "kalshi:T:NO", types.OutcomeNo)
	noBid, _ := noBook.BestBid()
	if noBid.Price != 0.51 {
		t.Errorf("no best bid = %+v", noBid)
	}
	noAsk, _ := noBook.BestAsk()
	if noAsk.Price != 0.53 { // mirrored 47c YES bid
		t.Errorf("no best ask = %+v", noAsk)
	}
}

func TestNormalizeOrder(t *testing.T) {
	t.Parallel()

	wo := wireOrder{
		OrderID:        "ord-1",
		Ticker:         "T",
		Action:         "buy",
		Side:           "yes",
		YesPrice:       48,
		Count:          100,
		RemainingCount: 40,
		Status:         "resting",
	}

	o := normalizeOrder(wo)
	if o.Status != types.OrderStatusPartial {
		t.Errorf("status = %v, want partial", o.Status)
	}
	if o.OutcomeID != "kalshi:T:YES" || o.Side != types.BUY {
		t.Errorf("order = %+v", o)
	}
	if o.Price != 0.48 {
		t.Errorf("price = %v", o.Price)
	}
	// 60 of 100 contracts filled at 48c.
	if math.Abs(o.FilledSize-28.8) > 1e-9 {
		t.Errorf("filled size = %v, want 28.8", o.FilledSize)
	}
}

func TestFeedSeqGapForcesResync(t *testing.T) {
	t.Parallel()

	f := NewFeed("wss://example/trade-api/ws/v2", mustAuth(t), slog.Default())

	snapshot := frame(t, "orderbook_snapshot", 1, wsSnapshotMsg{
		MarketTicker: "T",
		Yes:          [][2]int64{{45, 100}},
		No:           [][2]int64{{51, 200}},
	})
	if err := f.dispatch(snapshot); err != nil {
		t.Fatalf("snapshot dispatch: %v", err)
	}

	// In-sequence delta applies cleanly.
	delta := frame(t, "orderbook_delta", 2, wsDeltaMsg{
		MarketTicker: "T", Price: 45, Delta: -50, Side: "yes",
	})
	if err := f.dispatch(delta); err != nil {
		t.Fatalf("in-sequence delta: %v", err)
	}
	if f.books["T"].yes[45] != 50 {
		t.Errorf("delta not applied: %v", f.books["T"].yes)
	}

	// Gap (seq 4 after 2) must error to tear down the connection.
	gap := frame(t, "orderbook_delta", 4, wsDeltaMsg{
		MarketTicker: "T", Price: 45, Delta: -10, Side: "yes",
	})
	if err := f.dispatch(gap); err == nil {
		t.Fatal("sequence gap should force a reconnect")
	}
}

func TestFeedDeltaRemovesEmptyLevel(t *testing.T) {
	t.Parallel()

	f := NewFeed("wss://example", mustAuth(t), slog.Default())
	if err := f.dispatch(frame(t, "orderbook_snapshot", 1, wsSnapshotMsg{
		MarketTicker: "T",
		Yes:          [][2]int64{{45, 100}},
	})); err != nil {
		t.Fatal(err)
	}
	if err := f.dispatch(frame(t, "orderbook_delta", 2, wsDeltaMsg{
		MarketTicker: "T", Price: 45, Delta: -100, Side: "yes",
	})); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.books["T"].yes[45]; ok {
		t.Error("zeroed level should be removed")
	}
}

func mustAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(config.KalshiConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func frame(t *testing.T, typ string, seq int64, msg any) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(map[string]any{
		"type": typ,
		"sid":  1,
		"seq":  seq,
		"msg":  json.RawMessage(payload),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}
