package orders

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

// BookSource serves cached top-of-book for paper fills. Backed by the
// market data service in the running engine.
type BookSource interface {
	GetBook(outcomeID string) (types.OrderBook, bool)
}

// PaperEngine simulates fills against the cached book: instant fill at the
// limit when the touch supports it, partial when the touch is smaller than
// the order, resting otherwise. One balance number tracks buying power.
type PaperEngine struct {
	books  BookSource
	logger *slog.Logger

	mu      sync.Mutex
	balance float64
}

func NewPaperEngine(balance float64, books BookSource, logger *slog.Logger) *PaperEngine {
	return &PaperEngine{
		books:   books,
		logger:  logger.With("component", "paper"),
		balance: balance,
	}
}

// Balance returns the remaining simulated buying power.
func (p *PaperEngine) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Execute fills the request against the cached book and returns the
// resulting order. The caller owns id assignment and state recording.
func (p *PaperEngine) Execute(req types.OrderRequest) (*types.Order, error) {
	order := &types.Order{
		ID:              uuid.New().String(),
		Venue:           req.Venue,
		ExternalOrderID: "paper-" + uuid.New().String(),
		MarketID:        req.MarketID,
		OutcomeID:       req.OutcomeID,
		Side:            req.Side,
		Price:           req.Price,
		Size:            req.Size,
		Type:            req.Type,
		Status:          types.OrderStatusOpen,
	}

	touchPrice, touchSize := p.touch(req)
	crossable := touchSize > 0 && priceCrosses(req.Side, req.Price, touchPrice)

	if !crossable {
		// Nothing to trade against at the limit.
		switch req.Type {
		case types.OrderTypeFOK:
			order.Status = types.OrderStatusRejected
			return order, fmt.Errorf("%w: no liquidity at limit", venue.ErrRejected)
		case types.OrderTypeIOC:
			order.Status = types.OrderStatusCancelled
		}
		return order, nil
	}

	fill := req.Size
	if touchSize < fill {
		fill = touchSize
	}
	if req.Type == types.OrderTypeFOK && fill < req.Size {
		order.Status = types.OrderStatusRejected
		return order, fmt.Errorf("%w: touch smaller than order", venue.ErrRejected)
	}

	p.mu.Lock()
	if req.Side == types.BUY {
		if fill > p.balance {
			p.mu.Unlock()
			order.Status = types.OrderStatusRejected
			return order, venue.ErrInsufficientBalance
		}
		p.balance -= fill
	} else {
		p.balance += fill
	}
	p.mu.Unlock()

	order.FilledSize = fill
	order.AvgFillPrice = touchPrice
	if fill >= req.Size {
		order.Status = types.OrderStatusFilled
	} else if req.Type == types.OrderTypeIOC {
		order.Status = types.OrderStatusCancelled
	} else {
		order.Status = types.OrderStatusPartial
	}
	order.UpdatedAt = time.Now()

	p.logger.Debug("paper fill",
		"outcome", req.OutcomeID, "side", req.Side,
		"filled", fill, "price", touchPrice, "status", order.Status)
	return order, nil
}

// touch returns the opposing top-of-book level for the request.
func (p *PaperEngine) touch(req types.OrderRequest) (price, size float64) {
	if p.books == nil {
		return 0, 0
	}
	book, ok := p.books.GetBook(req.OutcomeID)
	if !ok {
		return 0, 0
	}
	if req.Side == types.BUY {
		if ask, ok := book.BestAsk(); ok {
			return ask.Price, ask.Size
		}
		return 0, 0
	}
	if bid, ok := book.BestBid(); ok {
		return bid.Price, bid.Size
	}
	return 0, 0
}

func priceCrosses(side types.Side, limit, touch float64) bool {
	if side == types.BUY {
		return touch <= limit
	}
	return touch >= limit
}
