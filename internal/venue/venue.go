// Package venue defines the contract every trading venue adapter implements,
// plus the error taxonomy callers branch on.
//
// Concrete adapters live in the polymarket and kalshi subpackages. Each one
// maps its venue's wire formats into pkg/types at the boundary: prices are
// normalized to [0,1] probabilities and sizes to USD notional before anything
// leaves the adapter.
package venue

import (
	"context"
	"errors"
	"time"

	"predictarb/pkg/types"
)

// Sentinel errors. Adapters wrap venue-specific failures so that callers can
// use errors.Is without knowing which venue produced them.
var (
	// ErrAuthFailed means the venue rejected our credentials or signature.
	ErrAuthFailed = errors.New("venue: authentication failed")

	// ErrUnreachable means the venue could not be reached or returned 5xx
	// after retries.
	ErrUnreachable = errors.New("venue: unreachable")

	// ErrRateLimited means the venue returned 429 or the local limiter
	// timed out.
	ErrRateLimited = errors.New("venue: rate limited")

	// ErrNotFound means the market, outcome, or order does not exist.
	ErrNotFound = errors.New("venue: not found")

	// ErrRejected means the venue refused the order (price off-tick,
	// market suspended, self-trade, and similar).
	ErrRejected = errors.New("venue: order rejected")

	// ErrInsufficientBalance means the funding wallet cannot cover the order.
	ErrInsufficientBalance = errors.New("venue: insufficient balance")

	// ErrAlreadyTerminal means a cancel targeted an order that is already
	// filled, cancelled, or rejected.
	ErrAlreadyTerminal = errors.New("venue: order already terminal")

	// ErrValidation means the request failed local validation before any
	// network call.
	ErrValidation = errors.New("venue: invalid request")
)

// MarketFilter narrows GetMarkets. Zero value means everything active.
type MarketFilter struct {
	Category     string
	MinVolume24h float64 // USD
	MinLiquidity float64 // USD
	ActiveOnly   bool
	Limit        int // 0 = venue default paging
}

// Balance is the venue account's free collateral in USD.
type Balance struct {
	Venue     types.Venue
	Available float64
	Total     float64
	UpdatedAt time.Time
}

// Client is the REST surface of one venue. All methods are safe for
// concurrent use. Implementations rate-limit internally and translate
// failures into the package sentinels.
type Client interface {
	// Connect verifies credentials and warms any derived state (API keys,
	// balance). Must be called before trading methods.
	Connect(ctx context.Context) error

	// Venue identifies the adapter.
	Venue() types.Venue

	GetMarkets(ctx context.Context, filter MarketFilter) ([]types.Market, error)
	GetMarket(ctx context.Context, externalID string) (*types.Market, error)
	GetOrderBook(ctx context.Context, outcomeID string) (*types.OrderBook, error)

	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, externalOrderID string) error
	CancelAllOrders(ctx context.Context, marketID string) error

	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetTrades(ctx context.Context, marketID string, limit int) ([]types.Trade, error)
}

// ————————————————————————————————————————————————————————————————————————
// Feed events
// ————————————————————————————————————————————————————————————————————————

// FeedState is the websocket connection state machine.
type FeedState int32

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateSubscribed
)

func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// EventType labels normalized feed events.
type EventType string

const (
	EventBookSnapshot EventType = "book_snapshot"
	EventBookDelta    EventType = "book_delta"
	EventTrade        EventType = "trade"
	EventOrderUpdate  EventType = "order_update"
	EventDisconnect   EventType = "disconnect"
	EventReconnect    EventType = "reconnect"
)

// Event is one normalized message from a venue feed. Exactly one payload
// field is set, selected by Type.
type Event struct {
	Type      EventType
	Venue     types.Venue
	Book      *types.OrderBook // snapshot: full book; delta: changed levels only
	Trade     *types.Trade
	Order     *types.Order
	Timestamp time.Time
}

// Feed is the websocket surface of one venue. Start launches the reconnect
// loop and returns immediately; events arrive on Events until Close.
type Feed interface {
	Start(ctx context.Context) error
	Close() error

	// Subscribe adds venue-native outcome identifiers to the live
	// subscription set; replayed automatically after reconnect.
	Subscribe(outcomeIDs []string) error
	Unsubscribe(outcomeIDs []string) error

	Events() <-chan Event
	State() FeedState
}
