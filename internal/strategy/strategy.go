// Package strategy holds the signal generators. Each strategy consumes the
// debounced price stream, keeps whatever state it needs, and offers signals
// through EmitSignals. The engine owns the cadence: it forwards updates,
// drains signals, and routes them to the signal executor.
package strategy

import (
	"context"
	"sync"
	"time"

	"predictarb/pkg/types"
)

// Strategy is a signal generator.
type Strategy interface {
	ID() string
	Start(ctx context.Context) error
	Stop()
	OnPriceUpdate(u types.PriceUpdate)
	EmitSignals() []types.TradingSignal
}

// MarketSource resolves a market id to its latest normalized snapshot.
// The engine backs this with the market data service.
type MarketSource interface {
	Market(id string) (types.Market, bool)
}

// TradeNotifier lets the engine tell a strategy that one of its signals
// traded, which starts the post-trade cooldown for that market.
type TradeNotifier interface {
	NotifyTrade(marketID string)
}

// cooldownGate enforces the per-market emission rules shared by every
// strategy: one signal per cooldown window, a longer quiet period after a
// trade, and no re-emission while an earlier signal is still live.
type cooldownGate struct {
	mu             sync.Mutex
	signalCooldown time.Duration
	tradeCooldown  time.Duration

	lastSignal map[string]time.Time
	lastTrade  map[string]time.Time
	liveUntil  map[string]time.Time
}

func newCooldownGate(signalCooldown, tradeCooldown time.Duration) *cooldownGate {
	return &cooldownGate{
		signalCooldown: signalCooldown,
		tradeCooldown:  tradeCooldown,
		lastSignal:     make(map[string]time.Time),
		lastTrade:      make(map[string]time.Time),
		liveUntil:      make(map[string]time.Time),
	}
}

func (g *cooldownGate) allow(marketID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until, ok := g.liveUntil[marketID]; ok && now.Before(until) {
		return false
	}
	if last, ok := g.lastSignal[marketID]; ok && now.Sub(last) < g.signalCooldown {
		return false
	}
	if last, ok := g.lastTrade[marketID]; ok && now.Sub(last) < g.tradeCooldown {
		return false
	}
	return true
}

func (g *cooldownGate) mark(marketID string, now, expiresAt time.Time) {
	g.mu.Lock()
	g.lastSignal[marketID] = now
	g.liveUntil[marketID] = expiresAt
	g.mu.Unlock()
}

func (g *cooldownGate) NotifyTrade(marketID string) {
	g.mu.Lock()
	g.lastTrade[marketID] = time.Now()
	g.mu.Unlock()
}

// quoteBoard is the shared latest-quote state strategies read from.
type quoteBoard struct {
	mu     sync.RWMutex
	quotes map[string]types.PriceUpdate // keyed by outcome id
}

func newQuoteBoard() *quoteBoard {
	return &quoteBoard{quotes: make(map[string]types.PriceUpdate)}
}

func (b *quoteBoard) put(u types.PriceUpdate) {
	b.mu.Lock()
	b.quotes[u.OutcomeID] = u
	b.mu.Unlock()
}

func (b *quoteBoard) get(outcomeID string) (types.PriceUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.quotes[outcomeID]
	return u, ok
}

// byMarket groups the latest quotes per market id.
func (b *quoteBoard) byMarket() map[string][]types.PriceUpdate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]types.PriceUpdate)
	for _, u := range b.quotes {
		out[u.MarketID] = append(out[u.MarketID], u)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
