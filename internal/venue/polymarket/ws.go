// ws.go implements the Polymarket market-channel websocket feed.
//
// The feed subscribes by clob token id and receives "book" snapshots plus
// "price_change" deltas, which it normalizes into venue.Events. It
// auto-reconnects with exponential backoff (1s to 30s cap), replays the
// subscription set after every reconnect, and applies a read deadline so a
// silent server is detected within about two missed pings.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"predictarb/internal/metrics"
	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	eventBufferSize  = 256
)

// wsBookMsg is a full book snapshot on the market channel.
type wsBookMsg struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp string          `json:"timestamp"`
	Buys      []clobBookLevel `json:"buys"`
	Sells     []clobBookLevel `json:"sells"`
}

// wsPriceChangeMsg carries incremental level updates.
type wsPriceChangeMsg struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`
	Changes   []struct {
		Price string `json:"price"`
		Side  string `json:"side"` // BUY or SELL
		Size  string `json:"size"`
	} `json:"changes"`
}

// Feed is the market-channel websocket. It implements venue.Feed.
type Feed struct {
	url     string
	client  *Client // token id resolution
	conn    *websocket.Conn
	connMu  sync.Mutex
	state   atomic.Int32
	events  chan venue.Event
	logger  *slog.Logger
	cancel  context.CancelFunc
	started atomic.Bool

	subMu      sync.RWMutex
	subscribed map[string]bool // token ids
}

// NewFeed builds the feed. The client supplies token id lookups so events
// leave with global ids.
func NewFeed(wsURL string, client *Client, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		client:     client,
		events:     make(chan venue.Event, eventBufferSize),
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "polymarket_ws"),
	}
}

// Events implements venue.Feed.
func (f *Feed) Events() <-chan venue.Event { return f.events }

// State implements venue.Feed.
func (f *Feed) State() venue.FeedState { return venue.FeedState(f.state.Load()) }

// Start launches the reconnect loop. Safe to call once.
func (f *Feed) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return fmt.Errorf("feed already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(runCtx)
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (f *Feed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Subscribe adds token ids to the live set and pushes the updated set to
// the server; reconnects replay the same message.
func (f *Feed) Subscribe(outcomeIDs []string) error {
	tokens, err := f.tokenIDs(outcomeIDs)
	if err != nil {
		return err
	}
	f.subMu.Lock()
	for _, id := range tokens {
		f.subscribed[id] = true
	}
	f.subMu.Unlock()

	if f.State() < venue.StateConnected {
		return nil // picked up by the next (re)connect
	}
	return f.sendSubscriptions()
}

// Unsubscribe removes token ids from the live set. The server replaces
// its asset list on every subscription message, so the trimmed set is
// pushed the same way.
func (f *Feed) Unsubscribe(outcomeIDs []string) error {
	tokens, err := f.tokenIDs(outcomeIDs)
	if err != nil {
		return err
	}
	f.subMu.Lock()
	for _, id := range tokens {
		delete(f.subscribed, id)
	}
	f.subMu.Unlock()

	if f.State() < venue.StateConnected {
		return nil
	}
	return f.sendSubscriptions()
}

func (f *Feed) tokenIDs(outcomeIDs []string) ([]string, error) {
	tokens := make([]string, 0, len(outcomeIDs))
	for _, id := range outcomeIDs {
		tokenID, err := f.client.TokenID(id)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tokenID)
	}
	return tokens, nil
}

// run maintains the connection with exponential backoff plus jitter.
func (f *Feed) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		f.state.Store(int32(venue.StateDisconnected))
		metrics.FeedConnected.WithLabelValues("polymarket").Set(0)

		if ctx.Err() != nil {
			return
		}

		f.emit(venue.Event{
			Type:      venue.EventDisconnect,
			Venue:     types.VenuePolymarket,
			Timestamp: time.Now(),
		})
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff+jitter,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.state.Store(int32(venue.StateConnecting))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.state.Store(int32(venue.StateConnected))
	metrics.FeedConnected.WithLabelValues("polymarket").Set(1)

	if err := f.sendSubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.state.Store(int32(venue.StateSubscribed))
	f.logger.Info("websocket connected")
	f.emit(venue.Event{
		Type:      venue.EventReconnect,
		Venue:     types.VenuePolymarket,
		Timestamp: time.Now(),
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// sendSubscriptions writes the whole live set as one market-channel
// subscribe message, the only subscription shape the endpoint speaks.
func (f *Feed) sendSubscriptions() error {
	f.subMu.RLock()
	tokens := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		tokens = append(tokens, id)
	}
	f.subMu.RUnlock()

	if len(tokens) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{
		"type":       "market",
		"assets_ids": tokens,
	})
}

// dispatch routes one raw message. Messages can arrive as a single object
// or an array of objects.
func (f *Feed) dispatch(data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return
		}
		for _, item := range batch {
			f.dispatchOne(item)
		}
		return
	}
	f.dispatchOne(data)
}

func (f *Feed) dispatchOne(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "book":
		var msg wsBookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.emitBook(msg, venue.EventBookSnapshot)

	case "price_change":
		var msg wsPriceChangeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.emitDelta(msg)

	case "last_trade_price", "tick_size_change", "best_bid_ask":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *Feed) emitBook(msg wsBookMsg, eventType venue.EventType) {
	marketID, outcomeID, ok := f.client.ResolveToken(msg.AssetID)
	if !ok {
		return // market never listed through this client
	}

	book, err := normalizeBook(clobBook{
		Market:    msg.Market,
		AssetID:   msg.AssetID,
		Timestamp: msg.Timestamp,
		Bids:      msg.Buys,
		Asks:      msg.Sells,
	}, marketID, outcomeID)
	if err != nil {
		return
	}

	f.emit(venue.Event{
		Type:      eventType,
		Venue:     types.VenuePolymarket,
		Book:      book,
		Timestamp: book.Timestamp,
	})
}

func (f *Feed) emitDelta(msg wsPriceChangeMsg) {
	marketID, outcomeID, ok := f.client.ResolveToken(msg.AssetID)
	if !ok {
		return
	}

	var bids, asks []clobBookLevel
	for _, ch := range msg.Changes {
		level := clobBookLevel{Price: ch.Price, Size: ch.Size}
		if ch.Side == "BUY" {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}

	book, err := normalizeBook(clobBook{
		AssetID:   msg.AssetID,
		Timestamp: msg.Timestamp,
		Bids:      bids,
		Asks:      asks,
	}, marketID, outcomeID)
	if err != nil {
		return
	}

	f.emit(venue.Event{
		Type:      venue.EventBookDelta,
		Venue:     types.VenuePolymarket,
		Book:      book,
		Timestamp: book.Timestamp,
	})
}

// emit delivers an event without blocking; a full channel drops the event.
func (f *Feed) emit(evt venue.Event) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event channel full, dropping event", "type", evt.Type)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
