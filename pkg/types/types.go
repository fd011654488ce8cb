// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine: venues,
// markets, order books, orders, positions, signals, and arbitrage
// opportunities. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All prices are normalized to [0, 1] before they enter this vocabulary.
// Venue-specific encodings (Kalshi cents, contract counts) exist only inside
// the venue clients.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies a supported exchange. The set is closed: every
// externally-visible identifier is prefixed with the venue so the two
// namespaces can never collide.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// Valid reports whether v is one of the known venues.
func (v Venue) Valid() bool {
	return v == VenuePolymarket || v == VenueKalshi
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OutcomeType distinguishes the two legs of a binary market.
type OutcomeType string

const (
	OutcomeYes OutcomeType = "YES"
	OutcomeNo  OutcomeType = "NO"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests until filled or cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Til-Date: rests until expiration timestamp
	OrderTypeIOC OrderType = "IOC" // Immediate-Or-Cancel: fills what it can, cancels rest
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills in full immediately or not at all
)

// OrderStatus tracks the order lifecycle:
//
//	PENDING → (OPEN | FILLED | REJECTED)     on venue acknowledgment
//	OPEN    → (PARTIAL | FILLED | CANCELLED) via fills and cancels
//
// FILLED, CANCELLED and REJECTED are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// MarketStatus is the venue-reported trading state of a market.
type MarketStatus string

const (
	MarketActive    MarketStatus = "ACTIVE"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketResolved  MarketStatus = "RESOLVED"
)

// PositionSide gives the direction of a held position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// GlobalID builds the namespaced identifier "venue:externalId[:outcome]"
// used everywhere outside the venue clients.
func GlobalID(v Venue, externalID string, outcome ...OutcomeType) string {
	if len(outcome) > 0 {
		return fmt.Sprintf("%s:%s:%s", v, externalID, outcome[0])
	}
	return fmt.Sprintf("%s:%s", v, externalID)
}

// SplitGlobalID parses a namespaced identifier back into its parts.
// The outcome segment is empty when absent.
func SplitGlobalID(id string) (v Venue, externalID, outcome string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("malformed global id %q", id)
	}
	v = Venue(parts[0])
	if !v.Valid() {
		return "", "", "", fmt.Errorf("unknown venue in id %q", id)
	}
	externalID = parts[1]
	if len(parts) == 3 {
		outcome = parts[2]
	}
	return v, externalID, outcome, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the normalized, immutable-within-snapshot view of a venue
// market. A binary market has exactly two outcomes (YES and NO) whose fair
// prices sum to 1 at equilibrium.
type Market struct {
	ID          string       // global id: venue:externalId
	Venue       Venue        //
	ExternalID  string       // venue-native identifier (condition id / ticker)
	Title       string       //
	Description string       //
	Category    string       //
	EndDate     time.Time    // scheduled resolution time
	Outcomes    []Outcome    // exactly two for binary markets
	Volume24h   float64      // trailing 24h volume, USD
	Liquidity   float64      // resting book depth, USD
	Status      MarketStatus //
	IsActive    bool         // accepting orders right now
}

// Binary reports whether the market has exactly a YES and a NO outcome.
func (m Market) Binary() bool {
	if len(m.Outcomes) != 2 {
		return false
	}
	var yes, no bool
	for _, o := range m.Outcomes {
		switch o.Type {
		case OutcomeYes:
			yes = true
		case OutcomeNo:
			no = true
		}
	}
	return yes && no
}

// Outcome returns the outcome of the given type, if present.
func (m Market) Outcome(t OutcomeType) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.Type == t {
			return o, true
		}
	}
	return Outcome{}, false
}

// HoursToResolution returns hours until EndDate, negative if already past.
func (m Market) HoursToResolution(now time.Time) float64 {
	return m.EndDate.Sub(now).Hours()
}

// Outcome is one side of a binary market with its current top of book.
// Invariant: 0 ≤ BestBid ≤ BestAsk ≤ 1; an outcome missing either quote is
// considered unquoted.
type Outcome struct {
	ID          string      // global id: venue:externalId:TYPE
	ExternalID  string      // venue-native token id / market side
	Name        string      //
	Type        OutcomeType //
	Probability float64     // venue-implied probability, [0,1]
	BestBid     float64     //
	BestAsk     float64     //
	BidSize     float64     // USD available at best bid
	AskSize     float64     // USD available at best ask
}

// Quoted reports whether both sides of the top of book are present and sane.
func (o Outcome) Quoted() bool {
	return o.BestBid > 0 && o.BestAsk > 0 && o.BestBid <= o.BestAsk && o.BestAsk <= 1
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price ∈ [0,1], Size ≥ 0 in USD.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a point-in-time view of one outcome's book.
// Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	Venue     Venue        `json:"venue"`
	MarketID  string       `json:"market_id"`
	OutcomeID string       `json:"outcome_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid level, ok=false on an empty side.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, ok=false on an empty side.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// ————————————————————————————————————————————————————————————————————————
// Orders, positions, trades
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the input to PlaceOrder. Price must be in (0,1) and Size
// strictly positive (USD notional).
type OrderRequest struct {
	Venue      Venue     `json:"venue"`
	MarketID   string    `json:"market_id"`
	OutcomeID  string    `json:"outcome_id"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Type       OrderType `json:"type"`
	StrategyID string    `json:"strategy_id,omitempty"`
}

// Validate checks the request's input constraints.
func (r OrderRequest) Validate() error {
	if !r.Venue.Valid() {
		return fmt.Errorf("unknown venue %q", r.Venue)
	}
	if r.Price <= 0 || r.Price >= 1 {
		return fmt.Errorf("price %v outside (0,1)", r.Price)
	}
	if r.Size <= 0 {
		return fmt.Errorf("size %v must be positive", r.Size)
	}
	if r.Side != BUY && r.Side != SELL {
		return fmt.Errorf("unknown side %q", r.Side)
	}
	return nil
}

// Order is the engine's view of a single order. Orders are owned by the
// order manager; every other component refers to them by ID only.
type Order struct {
	ID              string      `json:"id"`
	Venue           Venue       `json:"venue"`
	ExternalOrderID string      `json:"external_order_id,omitempty"`
	MarketID        string      `json:"market_id"`
	OutcomeID       string      `json:"outcome_id"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`        // USD notional requested
	FilledSize      float64     `json:"filled_size"` // USD notional filled so far
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Type            OrderType   `json:"type"`
	Status          OrderStatus `json:"status"`
	StrategyID      string      `json:"strategy_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Position is the engine's view of holdings in one outcome.
// Size is always ≥ 0 with direction carried by Side; a closed position
// keeps RealizedPnl with IsOpen=false.
type Position struct {
	ID            string       `json:"id"`
	Venue         Venue        `json:"venue"`
	MarketID      string       `json:"market_id"`
	OutcomeID     string       `json:"outcome_id"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"` // USD notional at entry
	AvgEntryPrice float64      `json:"avg_entry_price"`
	CurrentPrice  float64      `json:"current_price"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
	RealizedPnl   float64      `json:"realized_pnl"`
	IsOpen        bool         `json:"is_open"`
	StrategyID    string       `json:"strategy_id,omitempty"`
}

// Trade records a single fill against one of our orders.
type Trade struct {
	ID         string    `json:"id"`
	Venue      Venue     `json:"venue"`
	OrderID    string    `json:"order_id"`
	MarketID   string    `json:"market_id"`
	OutcomeID  string    `json:"outcome_id"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"` // USD notional
	Fee        float64   `json:"fee"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals and opportunities
// ————————————————————————————————————————————————————————————————————————

// BatchLeg is one leg of an atomic multi-leg intent carried in
// SignalMetadata. Used by the probability-sum strategy to buy both outcomes
// of one market in a single execution.
type BatchLeg struct {
	MarketID  string  `json:"market_id"`
	OutcomeID string  `json:"outcome_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
}

// SignalMetadata carries optional strategy-specific payload.
type SignalMetadata struct {
	Batch []BatchLeg `json:"batch,omitempty"`
}

// TradingSignal is a strategy's request to trade, with confidence and
// expiry semantics. The signal executor refuses expired signals.
type TradingSignal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	MarketID   string          `json:"market_id"`
	OutcomeID  string          `json:"outcome_id"`
	Side       Side            `json:"side"`
	Price      float64         `json:"price"`
	Size       float64         `json:"size"`
	Confidence float64         `json:"confidence"` // [0,1]
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Metadata   *SignalMetadata `json:"metadata,omitempty"`
}

// Expired reports whether the signal is past its expiry.
func (s TradingSignal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OpportunityKind distinguishes intra-market from cross-venue arbitrage.
type OpportunityKind string

const (
	SinglePlatform OpportunityKind = "single_platform"
	CrossPlatform  OpportunityKind = "cross_platform"
)

// OpportunityLeg is one order the arbitrage executor must fill.
type OpportunityLeg struct {
	Venue     Venue   `json:"venue"`
	MarketID  string  `json:"market_id"`
	OutcomeID string  `json:"outcome_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`     // USD to execute
	MaxSize   float64 `json:"max_size"` // USD available at the quoted price
}

// ArbitrageOpportunity is a detected mispricing whose legs, executed
// together, lock in MaxProfit regardless of resolution.
type ArbitrageOpportunity struct {
	ID          string           `json:"id"`
	Kind        OpportunityKind  `json:"kind"`
	Legs        []OpportunityLeg `json:"legs"`
	GrossSpread float64          `json:"gross_spread"` // per-dollar profit before fees
	NetSpread   float64          `json:"net_spread"`   // after fees and buffers
	SpreadBps   float64          `json:"spread_bps"`   // NetSpread × 10000
	MaxSize     float64          `json:"max_size"`     // USD executable across all legs
	MaxProfit   float64          `json:"max_profit"`   // NetSpread × MaxSize
	Confidence  float64          `json:"confidence"`
	DetectedAt  time.Time        `json:"detected_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	IsValid     bool             `json:"is_valid"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data events
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate is the debounced top-of-book event fanned out by the market
// data service. Source is "ws" for feed-derived updates and "poll" for the
// REST fallback poller.
type PriceUpdate struct {
	Venue     Venue     `json:"venue"`
	MarketID  string    `json:"market_id"`
	OutcomeID string    `json:"outcome_id"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	MidPrice  float64   `json:"mid_price"`
	Spread    float64   `json:"spread"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Order events (the one-way bus out of the order manager)
// ————————————————————————————————————————————————————————————————————————

// OrderEventType labels events published by the order manager.
type OrderEventType string

const (
	EventFill           OrderEventType = "fill"
	EventTrade          OrderEventType = "trade"
	EventOrderUpdate    OrderEventType = "orderUpdate"
	EventPositionUpdate OrderEventType = "positionUpdate"
)

// OrderEvent is published on the order manager's bus. The payload is a
// copy; subscribers never hold references back into the manager's stores.
type OrderEvent struct {
	Type      OrderEventType `json:"type"`
	Order     *Order         `json:"order,omitempty"`
	Trade     *Trade         `json:"trade,omitempty"`
	Position  *Position      `json:"position,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution results
// ————————————————————————————————————————————————————————————————————————

// ExecutionResult is the outcome of one arbitrage or signal execution,
// persisted to the local execution log for daily P&L reconstruction.
type ExecutionResult struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id,omitempty"`
	SignalID       string          `json:"signal_id,omitempty"`
	Kind           OpportunityKind `json:"kind,omitempty"`
	Success        bool            `json:"success"`
	Partial        bool            `json:"partial"` // some legs filled, unwind performed
	OrderIDs       []string        `json:"order_ids,omitempty"`
	FilledSize     float64         `json:"filled_size"`
	FilledPrice    float64         `json:"filled_price"`
	RealizedProfit float64         `json:"realized_profit"` // negative on unwind loss
	ExecutionTime  time.Duration   `json:"execution_time"`
	Error          string          `json:"error,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
}
