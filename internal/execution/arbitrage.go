package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/pkg/types"
)

const historySize = 100

// BookSource supplies live top-of-book quotes for pricing unwind exits.
type BookSource interface {
	GetBook(outcomeID string) (types.OrderBook, bool)
}

// ArbitrageExecutor races every leg of an opportunity as FOK orders in
// parallel. All-filled locks the spread; all-failed costs nothing; a
// partial fill is unwound immediately at a crossing limit so the bot never
// carries one naked leg of a hedge.
type ArbitrageExecutor struct {
	orders OrderPlacer
	books  BookSource
	cfg    config.TradingConfig
	logger *slog.Logger

	mu        sync.Mutex
	executing bool
	history   []types.ExecutionResult // ring of the last historySize results
	successes int
	partials  int
	total     int
	profit    float64
	latency   time.Duration // cumulative, for the average
}

func NewArbitrageExecutor(orders OrderPlacer, books BookSource, cfg config.TradingConfig, logger *slog.Logger) *ArbitrageExecutor {
	return &ArbitrageExecutor{
		orders: orders,
		books:  books,
		cfg:    cfg,
		logger: logger.With("component", "arb_executor"),
	}
}

type legFill struct {
	leg   types.OpportunityLeg
	order *types.Order
}

// Execute runs one opportunity. Only one execution runs at a time; callers
// hitting the guard get ErrExecutionInProgress and should retry on the
// next scan.
func (e *ArbitrageExecutor) Execute(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.ExecutionResult, error) {
	e.mu.Lock()
	if e.executing {
		e.mu.Unlock()
		return nil, ErrExecutionInProgress
	}
	e.executing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.executing = false
		e.mu.Unlock()
	}()

	start := time.Now()
	result := e.run(ctx, opp)
	result.ID = opp.ID
	result.OpportunityID = opp.ID
	result.Kind = opp.Kind
	result.ExecutionTime = time.Since(start)
	result.ExecutedAt = start

	e.record(result)
	return result, nil
}

func (e *ArbitrageExecutor) run(ctx context.Context, opp *types.ArbitrageOpportunity) *types.ExecutionResult {
	timeout := e.cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fills := make([]legFill, len(opp.Legs))
	g, gctx := errgroup.WithContext(legCtx)
	for i, leg := range opp.Legs {
		i, leg := i, leg
		g.Go(func() error {
			defer metrics.TimeOrder(string(leg.Venue))()
			order, err := e.orders.PlaceOrder(gctx, types.OrderRequest{
				Venue:      leg.Venue,
				MarketID:   leg.MarketID,
				OutcomeID:  leg.OutcomeID,
				Side:       leg.Side,
				Price:      leg.Price,
				Size:       minFloat(leg.Size, opp.MaxSize),
				Type:       types.OrderTypeFOK,
				StrategyID: "arbitrage",
			})
			if err != nil {
				e.logger.Warn("leg failed", "outcome", leg.OutcomeID, "error", err)
				return nil // a failed FOK leg is data, not an abort
			}
			fills[i] = legFill{leg: leg, order: order}
			return nil
		})
	}
	_ = g.Wait()

	var filled []legFill
	var orderIDs []string
	for _, f := range fills {
		if f.order == nil {
			continue
		}
		orderIDs = append(orderIDs, f.order.ID)
		if f.order.Status == types.OrderStatusFilled {
			filled = append(filled, f)
		}
	}

	result := &types.ExecutionResult{OrderIDs: orderIDs}
	switch {
	case len(filled) == len(opp.Legs):
		result.Success = true
		result.FilledSize = opp.MaxSize
		result.RealizedProfit = opp.NetSpread * opp.MaxSize
		metrics.ArbitrageExecutions.WithLabelValues(string(opp.Kind), "success").Inc()
		metrics.ArbitrageProfit.Add(result.RealizedProfit)
		e.logger.Info("arbitrage filled",
			"opportunity", opp.ID, "profit", result.RealizedProfit)
	case len(filled) == 0:
		result.Error = "no legs filled"
		metrics.ArbitrageExecutions.WithLabelValues(string(opp.Kind), "failed").Inc()
		e.logger.Warn("arbitrage missed", "opportunity", opp.ID)
	default:
		result.Partial = true
		loss := e.unwind(filled)
		result.RealizedProfit = -loss
		result.Error = fmt.Sprintf("%d of %d legs filled, unwound", len(filled), len(opp.Legs))
		metrics.ArbitrageExecutions.WithLabelValues(string(opp.Kind), "partial").Inc()
		metrics.ArbitrageProfit.Add(result.RealizedProfit)
		e.logger.Warn("arbitrage partial, unwound",
			"opportunity", opp.ID, "loss", loss)
	}
	return result
}

// unwind exits every filled leg with an opposite-side limit at the live
// touch. The order is sized from the held contract quantity, not the entry
// dollars: sizes are USD notional converted at the limit price, so a
// dollar-sized order at a deep crossing limit would trade far more
// contracts than the leg holds. Returns the total loss: entry cost minus
// exit proceeds. Runs on a fresh context so a cancelled execution still
// exits its legs.
func (e *ArbitrageExecutor) unwind(filled []legFill) float64 {
	timeout := e.cfg.UnwindTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	unwindCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var loss float64
	for _, f := range filled {
		side := f.leg.Side.Opposite()

		entry := f.order.FilledSize
		entryPrice := f.order.AvgFillPrice
		if entryPrice <= 0 {
			entryPrice = f.leg.Price
		}
		contracts := entry / entryPrice
		price := e.exitPrice(f.leg.OutcomeID, side)

		order, err := e.orders.PlaceOrder(unwindCtx, types.OrderRequest{
			Venue:      f.leg.Venue,
			MarketID:   f.leg.MarketID,
			OutcomeID:  f.leg.OutcomeID,
			Side:       side,
			Price:      price,
			Size:       contracts * price,
			Type:       types.OrderTypeGTC,
			StrategyID: "arbitrage_unwind",
		})
		if err != nil {
			e.logger.Error("unwind failed, position stuck",
				"outcome", f.leg.OutcomeID, "error", err)
			loss += entry
			continue
		}
		switch {
		case side == types.SELL:
			// Sale proceeds against entry cost; an unfilled remainder
			// counts as lost until it exits.
			loss += entry - order.FilledSize
		case order.Status == types.OrderStatusFilled:
			loss += order.FilledSize - entry
		default:
			loss += entry // short not covered
		}
	}
	return loss
}

// exitPrice is the touch the unwind trades into, or a deep crossing limit
// when no live book is available.
func (e *ArbitrageExecutor) exitPrice(outcomeID string, side types.Side) float64 {
	if e.books != nil {
		if book, ok := e.books.GetBook(outcomeID); ok {
			if side == types.SELL {
				if bid, ok := book.BestBid(); ok && bid.Price > 0 {
					return bid.Price
				}
			} else if ask, ok := book.BestAsk(); ok && ask.Price > 0 {
				return ask.Price
			}
		}
	}
	if side == types.BUY {
		return 0.99
	}
	return 0.01
}

// record appends the result to the bounded history and running counters.
func (e *ArbitrageExecutor) record(r *types.ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, *r)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
	e.total++
	if r.Success {
		e.successes++
	}
	if r.Partial {
		e.partials++
	}
	e.profit += r.RealizedProfit
	e.latency += r.ExecutionTime
}

// Stats summarizes the recent execution record.
type Stats struct {
	Total          int           `json:"total"`
	Successes      int           `json:"successes"`
	Partials       int           `json:"partials"`
	RealizedProfit float64       `json:"realized_profit"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

func (e *ArbitrageExecutor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Total:          e.total,
		Successes:      e.successes,
		Partials:       e.partials,
		RealizedProfit: e.profit,
	}
	if e.total > 0 {
		s.AvgLatency = e.latency / time.Duration(e.total)
	}
	return s
}

// History returns a copy of the recent results, oldest first.
func (e *ArbitrageExecutor) History() []types.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.ExecutionResult, len(e.history))
	copy(out, e.history)
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
