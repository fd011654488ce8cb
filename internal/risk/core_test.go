package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"predictarb/pkg/types"
)

type memPnl struct {
	mu   sync.Mutex
	days map[string]float64
}

func newMemPnl() *memPnl { return &memPnl{days: make(map[string]float64)} }

func (m *memPnl) UpsertDailyPnl(date string, realized float64) error {
	m.mu.Lock()
	m.days[date] = realized
	m.mu.Unlock()
	return nil
}

func (m *memPnl) DailyPnl(date string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.days[date]
	return v, ok, nil
}

type recordingCanceller struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingCanceller) CancelAllOrders(context.Context, types.Venue, string) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func (r *recordingCanceller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testParams() RiskParams {
	return RiskParams{
		MaxPositionSizeUsd:    100,
		MaxTotalExposureUsd:   500,
		MaxDailyLossUsd:       50,
		MaxDrawdownPct:        20,
		ApiErrorRateThreshold: 0.5,
		ApiErrorWindow:        time.Minute,
		InitialEquity:         1000,
	}
}

func buyOrder(marketID string, size float64) types.OrderRequest {
	return types.OrderRequest{
		Venue:    types.VenuePolymarket,
		MarketID: marketID,
		Side:     types.BUY,
		Price:    0.5,
		Size:     size,
		Type:     types.OrderTypeGTC,
	}
}

func positionEvent(marketID, outcomeID string, size float64, open bool) types.OrderEvent {
	return types.OrderEvent{
		Type: types.EventPositionUpdate,
		Position: &types.Position{
			MarketID:  marketID,
			OutcomeID: outcomeID,
			Size:      size,
			IsOpen:    open,
		},
		Timestamp: time.Now(),
	}
}

func TestCheckOrderPositionLimits(t *testing.T) {
	t.Parallel()

	c := New(testParams(), nil, nil, slog.Default())
	c.HandleOrderEvent(positionEvent("polymarket:m1", "polymarket:m1:YES", 80, true))

	if err := c.CheckOrder(buyOrder("polymarket:m1", 10)); err != nil {
		t.Errorf("within limits = %v", err)
	}
	if err := c.CheckOrder(buyOrder("polymarket:m1", 30)); err == nil {
		t.Error("80 held + 30 should breach the 100 per-market limit")
	}
	// A different market has its own headroom.
	if err := c.CheckOrder(buyOrder("polymarket:m2", 100)); err != nil {
		t.Errorf("fresh market = %v", err)
	}
	// Sells always pass the exposure checks.
	sell := buyOrder("polymarket:m1", 30)
	sell.Side = types.SELL
	if err := c.CheckOrder(sell); err != nil {
		t.Errorf("sell = %v", err)
	}
}

func TestCheckOrderAggregateExposure(t *testing.T) {
	t.Parallel()

	c := New(testParams(), nil, nil, slog.Default())
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		c.HandleOrderEvent(positionEvent("polymarket:"+m, "polymarket:"+m+":YES", 90, true))
	}
	// Total 450; adding 80 breaches the 500 aggregate even though the
	// market itself is under its per-market cap.
	if err := c.CheckOrder(buyOrder("polymarket:f", 80)); err == nil {
		t.Error("aggregate exposure breach not caught")
	}
	if err := c.CheckOrder(buyOrder("polymarket:f", 40)); err != nil {
		t.Errorf("within aggregate = %v", err)
	}
}

func TestKillSwitchOneShot(t *testing.T) {
	t.Parallel()

	canceller := &recordingCanceller{}
	c := New(testParams(), nil, canceller, slog.Default())

	c.Trigger("operator stop")
	if !c.Active() {
		t.Fatal("switch should be active")
	}
	if err := c.CheckOrder(buyOrder("polymarket:m1", 10)); !errors.Is(err, ErrKillSwitchActive) {
		t.Errorf("order under kill switch = %v", err)
	}

	// Further triggers add reasons without re-firing the cancel-all.
	c.Trigger("second reason")
	c.Trigger("second reason") // duplicates collapse

	deadline := time.Now().Add(time.Second)
	for canceller.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := canceller.count(); got != 1 {
		t.Errorf("cancel-all fired %d times, want once", got)
	}
	snap := c.Snapshot()
	if len(snap.Reasons) != 2 {
		t.Errorf("reasons = %v", snap.Reasons)
	}

	c.Reset()
	if c.Active() {
		t.Error("reset should deactivate")
	}
	if err := c.CheckOrder(buyOrder("polymarket:m1", 10)); err != nil {
		t.Errorf("order after reset = %v", err)
	}
}

func TestDailyLossTrips(t *testing.T) {
	t.Parallel()

	pnl := newMemPnl()
	c := New(testParams(), pnl, nil, slog.Default())

	c.RecordPnl(-30)
	if c.Active() {
		t.Fatal("under the loss limit")
	}
	c.RecordPnl(-25)
	if !c.Active() {
		t.Fatal("55 of loss should trip the 50 limit")
	}

	// Persisted under today's UTC date.
	today := time.Now().UTC().Format(dateLayout)
	if got, ok, _ := pnl.DailyPnl(today); !ok || got != -55 {
		t.Errorf("persisted pnl = %v ok=%v", got, ok)
	}
}

func TestDrawdownTrips(t *testing.T) {
	t.Parallel()

	c := New(testParams(), nil, nil, slog.Default())
	// Run equity up to 1500, then give back 400: drawdown 26.7% > 20%.
	c.RecordPnl(500)
	if c.Active() {
		t.Fatal("gains should not trip anything")
	}
	c.RecordPnl(-400)
	if !c.Active() {
		t.Error("drawdown past the limit should trip")
	}
}

func TestLimitsTripAtExactThreshold(t *testing.T) {
	t.Parallel()

	// A day that loses exactly the configured maximum trips.
	c := New(testParams(), newMemPnl(), nil, slog.Default())
	c.RecordPnl(-50)
	if !c.Active() {
		t.Error("loss equal to the 50 limit should trip")
	}

	// A drawdown of exactly the configured percentage trips: peak 1500,
	// give back 300 = 20%.
	c = New(testParams(), nil, nil, slog.Default())
	c.RecordPnl(500)
	c.RecordPnl(-300)
	if !c.Active() {
		t.Error("drawdown equal to the 20% limit should trip")
	}

	// Exposure equal to the aggregate cap trips on the next tick.
	c = New(testParams(), nil, nil, slog.Default())
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		c.HandleOrderEvent(positionEvent("polymarket:"+m, "polymarket:"+m+":YES", 100, true))
	}
	c.tick(time.Now())
	if !c.Active() {
		t.Error("exposure equal to the 500 cap should trip")
	}
}

func TestAPIErrorRateTrips(t *testing.T) {
	t.Parallel()

	c := New(testParams(), nil, nil, slog.Default())

	// Below the sample floor nothing fires, whatever the rate.
	for i := 0; i < 5; i++ {
		c.RecordAPIResult(false)
	}
	c.tick(time.Now())
	if c.Active() {
		t.Fatal("five samples is under the floor")
	}

	for i := 0; i < 7; i++ {
		c.RecordAPIResult(false)
	}
	c.tick(time.Now())
	if !c.Active() {
		t.Error("12 failures out of 12 should trip a 50% threshold")
	}
}

func TestDailyRollover(t *testing.T) {
	t.Parallel()

	pnl := newMemPnl()
	c := New(testParams(), pnl, nil, slog.Default())
	c.RecordPnl(-30)

	// Force yesterday's date and tick across midnight.
	c.mu.Lock()
	c.day = "2026-08-23"
	c.mu.Unlock()
	c.tick(time.Now())

	snap := c.Snapshot()
	today := time.Now().UTC().Format(dateLayout)
	if snap.Day != today {
		t.Errorf("day = %q, want %q", snap.Day, today)
	}
	if snap.DailyPnl != 0 {
		t.Errorf("daily pnl = %v, want reset to 0", snap.DailyPnl)
	}
	// The closed day keeps its final figure, the new day starts at zero.
	if got, ok, _ := pnl.DailyPnl("2026-08-23"); !ok || got != -30 {
		t.Errorf("closed day = %v ok=%v", got, ok)
	}
	if got, ok, _ := pnl.DailyPnl(today); !ok || got != 0 {
		t.Errorf("new day = %v ok=%v", got, ok)
	}
}

func TestRestartRestoresToday(t *testing.T) {
	t.Parallel()

	pnl := newMemPnl()
	today := time.Now().UTC().Format(dateLayout)
	pnl.UpsertDailyPnl(today, -20)

	c := New(testParams(), pnl, nil, slog.Default())
	if snap := c.Snapshot(); snap.DailyPnl != -20 {
		t.Errorf("restored pnl = %v, want -20", snap.DailyPnl)
	}

	// Losses continue from the restored figure.
	c.RecordPnl(-35)
	if !c.Active() {
		t.Error("restored -20 plus -35 should trip the 50 limit")
	}
}

func TestExposureTracksCloses(t *testing.T) {
	t.Parallel()

	c := New(testParams(), nil, nil, slog.Default())
	c.HandleOrderEvent(positionEvent("polymarket:m1", "polymarket:m1:YES", 80, true))
	c.HandleOrderEvent(positionEvent("polymarket:m1", "polymarket:m1:NO", 50, true))

	if snap := c.Snapshot(); snap.TotalExposure != 130 {
		t.Errorf("total exposure = %v, want 130", snap.TotalExposure)
	}

	// Closing a leg releases its exposure.
	c.HandleOrderEvent(positionEvent("polymarket:m1", "polymarket:m1:YES", 0, false))
	if snap := c.Snapshot(); snap.TotalExposure != 50 {
		t.Errorf("after close = %v, want 50", snap.TotalExposure)
	}
}
