// Package execution turns detected opportunities and strategy signals into
// orders. The signal executor handles one-sided strategy trades and atomic
// batch intents; the arbitrage executor handles multi-leg FOK races with
// unwind on partial fills.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"predictarb/internal/config"
	"predictarb/pkg/types"
)

var (
	// ErrSignalRejected wraps every pre-trade rejection reason.
	ErrSignalRejected = errors.New("signal rejected")
	// ErrExecutionInProgress means the arbitrage executor is busy.
	ErrExecutionInProgress = errors.New("execution already in progress")
)

// OrderPlacer is the slice of the order manager executors need.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
}

// SignalExecutor places strategy signals as GTC limit orders with slippage
// protection. Batch signals fire all legs in parallel with no unwind; a
// partially landed batch is a position, not an error.
type SignalExecutor struct {
	orders OrderPlacer
	cfg    config.TradingConfig
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewSignalExecutor(orders OrderPlacer, cfg config.TradingConfig, logger *slog.Logger) *SignalExecutor {
	return &SignalExecutor{
		orders:   orders,
		cfg:      cfg,
		logger:   logger.With("component", "signal_executor"),
		inflight: make(map[string]struct{}),
	}
}

// limitPrice pads the signal price by the slippage allowance, clamped to
// the venue's valid price range.
func (e *SignalExecutor) limitPrice(side types.Side, p float64) float64 {
	slip := e.cfg.MaxSlippagePct / 100
	if side == types.BUY {
		return math.Min(0.99, p*(1+slip))
	}
	return math.Max(0.01, p*(1-slip))
}

// Execute places the signal. The returned result is always non-nil when
// err is nil; rejected signals return a wrapped ErrSignalRejected.
func (e *SignalExecutor) Execute(ctx context.Context, sig types.TradingSignal) (*types.ExecutionResult, error) {
	now := time.Now()
	if sig.Confidence < e.cfg.MinConfidence {
		return nil, fmt.Errorf("%w: confidence %.2f below %.2f",
			ErrSignalRejected, sig.Confidence, e.cfg.MinConfidence)
	}
	if sig.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", ErrSignalRejected, sig.ExpiresAt)
	}

	e.mu.Lock()
	if _, dup := e.inflight[sig.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %s", ErrSignalRejected, sig.ID)
	}
	e.inflight[sig.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, sig.ID)
		e.mu.Unlock()
	}()

	start := time.Now()
	var result *types.ExecutionResult
	var err error
	if sig.Metadata != nil && len(sig.Metadata.Batch) > 0 {
		result, err = e.executeBatch(ctx, sig)
	} else {
		result, err = e.executeSingle(ctx, sig)
	}
	if result != nil {
		result.ExecutionTime = time.Since(start)
		result.ExecutedAt = start
	}
	return result, err
}

func (e *SignalExecutor) executeSingle(ctx context.Context, sig types.TradingSignal) (*types.ExecutionResult, error) {
	v, _, _, err := types.SplitGlobalID(sig.OutcomeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalRejected, err)
	}

	order, err := e.orders.PlaceOrder(ctx, types.OrderRequest{
		Venue:      v,
		MarketID:   sig.MarketID,
		OutcomeID:  sig.OutcomeID,
		Side:       sig.Side,
		Price:      e.limitPrice(sig.Side, sig.Price),
		Size:       sig.Size,
		Type:       types.OrderTypeGTC,
		StrategyID: sig.StrategyID,
	})
	if err != nil {
		return &types.ExecutionResult{
			ID:       sig.ID,
			SignalID: sig.ID,
			Success:  false,
			Error:    err.Error(),
		}, nil
	}

	e.logger.Info("signal executed",
		"signal", sig.ID, "strategy", sig.StrategyID,
		"order", order.ID, "status", order.Status)
	return &types.ExecutionResult{
		ID:          sig.ID,
		SignalID:    sig.ID,
		Success:     order.Status == types.OrderStatusFilled || order.Status == types.OrderStatusPartial || order.Status == types.OrderStatusOpen,
		OrderIDs:    []string{order.ID},
		FilledSize:  order.FilledSize,
		FilledPrice: order.AvgFillPrice,
	}, nil
}

// executeBatch fires every leg in parallel. Success requires every leg to
// be acknowledged filled or partial; there is no unwind on failure.
func (e *SignalExecutor) executeBatch(ctx context.Context, sig types.TradingSignal) (*types.ExecutionResult, error) {
	legs := sig.Metadata.Batch
	placed := make([]*types.Order, len(legs))

	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range legs {
		i, leg := i, leg
		g.Go(func() error {
			v, _, _, err := types.SplitGlobalID(leg.OutcomeID)
			if err != nil {
				return err
			}
			order, err := e.orders.PlaceOrder(gctx, types.OrderRequest{
				Venue:      v,
				MarketID:   leg.MarketID,
				OutcomeID:  leg.OutcomeID,
				Side:       leg.Side,
				Price:      e.limitPrice(leg.Side, leg.Price),
				Size:       leg.Size,
				Type:       types.OrderTypeGTC,
				StrategyID: sig.StrategyID,
			})
			if err != nil {
				return err
			}
			placed[i] = order
			return nil
		})
	}
	groupErr := g.Wait()

	result := &types.ExecutionResult{ID: sig.ID, SignalID: sig.ID}
	var filledSize, notional float64
	acked := 0
	for _, order := range placed {
		if order == nil {
			continue
		}
		result.OrderIDs = append(result.OrderIDs, order.ID)
		if order.Status == types.OrderStatusFilled || order.Status == types.OrderStatusPartial {
			acked++
			filledSize += order.FilledSize
			notional += order.FilledSize * order.AvgFillPrice
		}
	}
	result.FilledSize = filledSize
	if filledSize > 0 {
		result.FilledPrice = notional / filledSize
	}
	result.Success = groupErr == nil && acked == len(legs)
	if groupErr != nil {
		result.Error = groupErr.Error()
	} else if !result.Success {
		result.Error = fmt.Sprintf("%d of %d legs acked", acked, len(legs))
	}

	e.logger.Info("batch executed",
		"signal", sig.ID, "legs", len(legs), "acked", acked, "success", result.Success)
	return result, nil
}
