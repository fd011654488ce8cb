package orders

import (
	"errors"
	"log/slog"
	"testing"

	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

type fakeBooks map[string]types.OrderBook

func (f fakeBooks) GetBook(outcomeID string) (types.OrderBook, bool) {
	b, ok := f[outcomeID]
	return b, ok
}

func bookAt(outcomeID string, bid, bidSize, ask, askSize float64) types.OrderBook {
	return types.OrderBook{
		OutcomeID: outcomeID,
		Bids:      []types.PriceLevel{{Price: bid, Size: bidSize}},
		Asks:      []types.PriceLevel{{Price: ask, Size: askSize}},
	}
}

func buyReq(size float64, typ types.OrderType) types.OrderRequest {
	return types.OrderRequest{
		Venue:     types.VenuePolymarket,
		MarketID:  "polymarket:m1",
		OutcomeID: "polymarket:m1:YES",
		Side:      types.BUY,
		Price:     0.50,
		Size:      size,
		Type:      typ,
	}
}

func TestPaperFillAtTouch(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 100, 0.48, 200)}
	p := NewPaperEngine(1000, books, slog.Default())

	order, err := p.Execute(buyReq(100, types.OrderTypeGTC))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Errorf("status = %v", order.Status)
	}
	if order.FilledSize != 100 || order.AvgFillPrice != 0.48 {
		t.Errorf("fill = %v @ %v, want 100 @ 0.48", order.FilledSize, order.AvgFillPrice)
	}
	if got := p.Balance(); got != 900 {
		t.Errorf("balance = %v, want 900", got)
	}
}

func TestPaperPartialFill(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 100, 0.48, 40)}
	p := NewPaperEngine(1000, books, slog.Default())

	order, err := p.Execute(buyReq(100, types.OrderTypeGTC))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusPartial || order.FilledSize != 40 {
		t.Errorf("order = %+v, want partial 40", order)
	}
}

func TestPaperFOKAllOrNothing(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 100, 0.48, 40)}
	p := NewPaperEngine(1000, books, slog.Default())

	order, err := p.Execute(buyReq(100, types.OrderTypeFOK))
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if order.Status != types.OrderStatusRejected || order.FilledSize != 0 {
		t.Errorf("order = %+v", order)
	}
	if got := p.Balance(); got != 1000 {
		t.Errorf("balance = %v, rejected order must not touch it", got)
	}
}

func TestPaperRestsWhenLimitDoesNotCross(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 100, 0.55, 200)}
	p := NewPaperEngine(1000, books, slog.Default())

	// GTC rests open below the ask.
	order, err := p.Execute(buyReq(100, types.OrderTypeGTC))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusOpen || order.FilledSize != 0 {
		t.Errorf("GTC order = %+v, want resting", order)
	}

	// IOC cancels immediately.
	order, err = p.Execute(buyReq(100, types.OrderTypeIOC))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusCancelled {
		t.Errorf("IOC order = %+v, want cancelled", order)
	}

	// FOK rejects.
	if _, err := p.Execute(buyReq(100, types.OrderTypeFOK)); !errors.Is(err, venue.ErrRejected) {
		t.Errorf("FOK err = %v, want rejection", err)
	}
}

func TestPaperInsufficientBalance(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 500, 0.48, 500)}
	p := NewPaperEngine(50, books, slog.Default())

	if _, err := p.Execute(buyReq(100, types.OrderTypeGTC)); !errors.Is(err, venue.ErrInsufficientBalance) {
		t.Errorf("err = %v, want insufficient balance", err)
	}
}

func TestPaperSellCreditsBalance(t *testing.T) {
	t.Parallel()

	books := fakeBooks{"polymarket:m1:YES": bookAt("polymarket:m1:YES", 0.46, 200, 0.48, 200)}
	p := NewPaperEngine(1000, books, slog.Default())

	req := buyReq(100, types.OrderTypeGTC)
	req.Side = types.SELL
	req.Price = 0.40 // bid 0.46 crosses

	order, err := p.Execute(req)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderStatusFilled || order.AvgFillPrice != 0.46 {
		t.Errorf("order = %+v", order)
	}
	if got := p.Balance(); got != 1100 {
		t.Errorf("balance = %v, want 1100", got)
	}
}
