// Package orders owns the engine's order, position, and trade state. Every
// order write funnels through the Manager, which runs the pre-write chain
// (risk check, then the venue client or the paper engine) and publishes
// OrderEvents on a one-way bus that risk and strategies subscribe to.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const eventBuffer = 128

// RiskChecker is consulted before any order reaches a venue. It rejects
// when the kill switch is active or the order would breach position limits.
type RiskChecker interface {
	CheckOrder(req types.OrderRequest) error
}

// Manager is the single writer for orders, positions, and trades.
type Manager struct {
	clients map[types.Venue]venue.Client
	risk    RiskChecker
	paper   *PaperEngine // non-nil switches every venue write to simulation
	logger  *slog.Logger

	mu        sync.RWMutex
	orders    map[string]*types.Order
	byExt     map[string]string // external order id -> internal id
	positions map[string]*types.Position
	trades    []types.Trade
	subs      []chan types.OrderEvent
}

func NewManager(clients map[types.Venue]venue.Client, risk RiskChecker, paper *PaperEngine, logger *slog.Logger) *Manager {
	return &Manager{
		clients:   clients,
		risk:      risk,
		paper:     paper,
		logger:    logger.With("component", "orders"),
		orders:    make(map[string]*types.Order),
		byExt:     make(map[string]string),
		positions: make(map[string]*types.Position),
	}
}

// PlaceOrder runs the pre-write chain and records the resulting order.
func (m *Manager) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrValidation, err)
	}
	if m.risk != nil {
		if err := m.risk.CheckOrder(req); err != nil {
			m.logger.Warn("order rejected by risk", "outcome", req.OutcomeID, "error", err)
			return nil, err
		}
	}

	var (
		order *types.Order
		err   error
	)
	if m.paper != nil {
		order, err = m.paper.Execute(req)
	} else {
		client, ok := m.clients[req.Venue]
		if !ok {
			return nil, fmt.Errorf("no client for venue %s", req.Venue)
		}
		order, err = client.PlaceOrder(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	order.StrategyID = req.StrategyID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	m.mu.Lock()
	stored := *order
	m.orders[order.ID] = &stored
	if order.ExternalOrderID != "" {
		m.byExt[order.ExternalOrderID] = order.ID
	}
	m.mu.Unlock()

	m.publish(types.OrderEvent{
		Type: types.EventOrderUpdate, Order: copyOrder(&stored), Timestamp: time.Now(),
	})
	if order.FilledSize > 0 {
		m.applyFill(order.ID, order.FilledSize, order.AvgFillPrice)
	}
	m.logger.Info("order placed",
		"id", order.ID, "venue", order.Venue, "outcome", order.OutcomeID,
		"side", order.Side, "price", order.Price, "size", order.Size,
		"status", order.Status)
	return &stored, nil
}

// CancelOrder cancels one order by internal id. Cancelling an order that
// already reached a terminal status is a no-op reported as
// venue.ErrAlreadyTerminal.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.RLock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.RUnlock()
		return venue.ErrNotFound
	}
	snapshot := *order
	m.mu.RUnlock()

	if snapshot.Status.Terminal() {
		return venue.ErrAlreadyTerminal
	}

	if m.paper == nil {
		client, ok := m.clients[snapshot.Venue]
		if !ok {
			return fmt.Errorf("no client for venue %s", snapshot.Venue)
		}
		if err := client.CancelOrder(ctx, snapshot.ExternalOrderID); err != nil {
			// Lost the race: the venue filled or cancelled it first.
			if err != venue.ErrAlreadyTerminal {
				return err
			}
		}
	}

	m.mu.Lock()
	order = m.orders[orderID]
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	updated := *order
	m.mu.Unlock()

	m.publish(types.OrderEvent{
		Type: types.EventOrderUpdate, Order: &updated, Timestamp: time.Now(),
	})
	m.logger.Info("order cancelled", "id", orderID)
	return nil
}

// CancelAllOrders cancels every open order, optionally narrowed to one
// venue and/or one market. Returns the first error after attempting all.
func (m *Manager) CancelAllOrders(ctx context.Context, v types.Venue, marketID string) error {
	var ids []string
	m.mu.RLock()
	for id, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		if v != "" && o.Venue != v {
			continue
		}
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.CancelOrder(ctx, id); err != nil && err != venue.ErrAlreadyTerminal && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetOrder returns a copy of one order.
func (m *Manager) GetOrder(orderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// GetOpenOrders lists non-terminal orders, optionally for one venue.
func (m *Manager) GetOpenOrders(v types.Venue) []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		if v != "" && o.Venue != v {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// GetOrders lists every known order.
func (m *Manager) GetOrders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// GetPositions lists open positions, optionally for one venue.
func (m *Manager) GetPositions(v types.Venue) []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, p := range m.positions {
		if !p.IsOpen {
			continue
		}
		if v != "" && p.Venue != v {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// TotalExposure sums the entry notional of every open position.
func (m *Manager) TotalExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, p := range m.positions {
		if p.IsOpen {
			total += p.Size
		}
	}
	return total
}

// Subscribe returns a channel of order events and a cancel func. Slow
// subscribers lose events rather than stalling the manager.
func (m *Manager) Subscribe() (<-chan types.OrderEvent, func()) {
	ch := make(chan types.OrderEvent, eventBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// HandleVenueOrder reconciles a websocket order update into local state.
// Unknown external ids are ignored; those are fills from other sessions.
func (m *Manager) HandleVenueOrder(o types.Order) {
	m.mu.Lock()
	id, ok := m.byExt[o.ExternalOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	local := m.orders[id]
	newFill := o.FilledSize - local.FilledSize
	local.Status = o.Status
	local.FilledSize = o.FilledSize
	if o.AvgFillPrice > 0 {
		local.AvgFillPrice = o.AvgFillPrice
	}
	local.UpdatedAt = time.Now()
	updated := *local
	m.mu.Unlock()

	m.publish(types.OrderEvent{
		Type: types.EventOrderUpdate, Order: &updated, Timestamp: time.Now(),
	})
	if newFill > 0 {
		price := updated.AvgFillPrice
		if price <= 0 {
			price = updated.Price
		}
		m.applyFill(id, newFill, price)
	}
}

// applyFill records a trade and folds it into the position for the
// order's outcome.
func (m *Manager) applyFill(orderID string, fillUSD, price float64) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok || price <= 0 {
		m.mu.Unlock()
		return
	}

	trade := types.Trade{
		ID:         uuid.New().String(),
		Venue:      order.Venue,
		OrderID:    orderID,
		MarketID:   order.MarketID,
		OutcomeID:  order.OutcomeID,
		Side:       order.Side,
		Price:      price,
		Size:       fillUSD,
		ExecutedAt: time.Now(),
	}
	m.trades = append(m.trades, trade)

	pos := m.applyToPosition(order, fillUSD, price)
	m.mu.Unlock()

	now := time.Now()
	m.publish(types.OrderEvent{Type: types.EventFill, Trade: &trade, Timestamp: now})
	if pos != nil {
		m.publish(types.OrderEvent{Type: types.EventPositionUpdate, Position: pos, Timestamp: now})
	}
}

// applyToPosition mutates the outcome's position under m.mu and returns a
// copy for publication. Contract counts are implicit: Size / AvgEntryPrice.
func (m *Manager) applyToPosition(order *types.Order, fillUSD, price float64) *types.Position {
	contracts := fillUSD / price

	pos, ok := m.positions[order.OutcomeID]
	if !ok {
		pos = &types.Position{
			ID:         uuid.New().String(),
			Venue:      order.Venue,
			MarketID:   order.MarketID,
			OutcomeID:  order.OutcomeID,
			Side:       types.PositionLong,
			StrategyID: order.StrategyID,
		}
		m.positions[order.OutcomeID] = pos
	}

	held := 0.0
	if pos.AvgEntryPrice > 0 {
		held = pos.Size / pos.AvgEntryPrice
	}

	switch order.Side {
	case types.BUY:
		total := held + contracts
		pos.AvgEntryPrice = (held*pos.AvgEntryPrice + contracts*price) / total
		pos.Size = total * pos.AvgEntryPrice
		pos.IsOpen = true
	case types.SELL:
		closed := contracts
		if closed > held {
			m.logger.Warn("sell exceeds held size, clamping",
				"outcome", order.OutcomeID, "held", held, "sold", contracts)
			closed = held
		}
		pos.RealizedPnl += closed * (price - pos.AvgEntryPrice)
		remaining := held - closed
		pos.Size = remaining * pos.AvgEntryPrice
		if remaining <= 1e-9 {
			pos.Size = 0
			pos.IsOpen = false
		}
	}
	pos.CurrentPrice = price

	out := *pos
	return &out
}

// GetTrades returns a copy of the fill log.
func (m *Manager) GetTrades() []types.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *Manager) publish(evt types.OrderEvent) {
	m.mu.RLock()
	subs := make([]chan types.OrderEvent, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			m.logger.Warn("order event dropped, slow subscriber", "type", evt.Type)
		}
	}
}

func copyOrder(o *types.Order) *types.Order {
	c := *o
	return &c
}
