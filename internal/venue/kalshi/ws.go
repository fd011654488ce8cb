// ws.go implements the Kalshi websocket feed.
//
// The upgrade request carries the same RSA-PSS headers as REST calls. After
// connecting, the feed subscribes to the orderbook_delta and fill channels
// for its tracked tickers. Kalshi numbers every orderbook message with a
// per-subscription seq; a gap means a missed delta, so the feed drops its
// local book and resubscribes to force a fresh snapshot.
//
// The feed keeps the full yes/no book per ticker and emits a complete
// normalized book for both outcomes on every change. Downstream replaces
// books atomically, so deltas never need to be applied twice.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"predictarb/internal/metrics"
	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const (
	pingInterval     = 10 * time.Second
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	eventBufferSize  = 256
	wsPath           = "/trade-api/ws/v2"
)

// wsCommand is a client -> server message.
type wsCommand struct {
	ID     int            `json:"id"`
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

// wsEnvelope is the common server -> client frame.
type wsEnvelope struct {
	Type string          `json:"type"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

// wsSnapshotMsg is the orderbook_snapshot payload.
type wsSnapshotMsg struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

// wsDeltaMsg is the orderbook_delta payload.
type wsDeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"` // yes / no
}

// wsFillMsg is the fill payload on the authenticated fill channel.
type wsFillMsg struct {
	TradeID      string `json:"trade_id"`
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	Count        int64  `json:"count"`
	YesPrice     int64  `json:"yes_price"`
	NoPrice      int64  `json:"no_price"`
	Ts           int64  `json:"ts"`
}

// tickerBook is the feed's local copy of one market's resting book,
// cents -> contract count per side.
type tickerBook struct {
	yes map[int64]int64
	no  map[int64]int64
}

// Feed is the Kalshi websocket. It implements venue.Feed.
type Feed struct {
	url     string
	auth    *Auth
	conn    *websocket.Conn
	connMu  sync.Mutex
	state   atomic.Int32
	events  chan venue.Event
	logger  *slog.Logger
	cancel  context.CancelFunc
	started atomic.Bool

	subMu      sync.RWMutex
	subscribed map[string]bool // tickers

	// read-loop state, touched only by the read goroutine
	books   map[string]*tickerBook
	lastSeq int64
	cmdID   int
}

// NewFeed builds the feed for the given websocket URL.
func NewFeed(wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		auth:       auth,
		events:     make(chan venue.Event, eventBufferSize),
		subscribed: make(map[string]bool),
		books:      make(map[string]*tickerBook),
		logger:     logger.With("component", "kalshi_ws"),
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

// Subscribe adds tickers (derived from global outcome ids) to the live set.
func (f *Feed) Subscribe(outcomeIDs []string) error {
	tickers, err := f.tickers(outcomeIDs)
	if err != nil {
		return err
	}
	f.subMu.Lock()
	added := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if !f.subscribed[t] {
			f.subscribed[t] = true
			added = append(added, t)
		}
	}
	f.subMu.Unlock()

	if len(added) == 0 || f.State() < venue.StateConnected {
		return nil
	}
	return f.sendSubscribe(added)
}

// Unsubscribe removes tickers from the live set.
func (f *Feed) Unsubscribe(outcomeIDs []string) error {
	tickers, err := f.tickers(outcomeIDs)
	if err != nil {
		return err
	}
	f.subMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subMu.Unlock()

	if f.State() < venue.StateConnected {
		return nil
	}
	return f.writeCommand("unsubscribe", map[string]any{
		"channels":       []string{"orderbook_delta"},
		"market_tickers": tickers,
	})
}

func (f *Feed) tickers(outcomeIDs []string) ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(outcomeIDs))
	for _, id := range outcomeIDs {
		v, ticker, _, err := types.SplitGlobalID(id)
		if err != nil || v != types.VenueKalshi {
			return nil, fmt.Errorf("%w: outcome id %q", venue.ErrValidation, id)
		}
		if !seen[ticker] {
			seen[ticker] = true
			out = append(out, ticker)
		}
	}
	return out, nil
}

func (f *Feed) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		f.state.Store(int32(venue.StateDisconnected))
		metrics.FeedConnected.WithLabelValues("kalshi").Set(0)

		if ctx.Err() != nil {
			return
		}

		f.emit(venue.Event{
			Type:      venue.EventDisconnect,
			Venue:     types.VenueKalshi,
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

	header := http.Header{}
	if f.auth.Ready() {
		f.state.Store(int32(venue.StateAuthenticating))
		authHeaders, err := f.auth.Headers("GET", wsPath)
		if err != nil {
			return fmt.Errorf("sign upgrade: %w", err)
		}
		for k, v := range authHeaders {
			header.Set(k, v)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
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

	// Fresh connection, fresh book state.
	f.books = make(map[string]*tickerBook)
	f.lastSeq = 0

	f.state.Store(int32(venue.StateConnected))
	metrics.FeedConnected.WithLabelValues("kalshi").Set(1)

	if err := f.replaySubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.state.Store(int32(venue.StateSubscribed))
	f.logger.Info("websocket connected")
	f.emit(venue.Event{
		Type:      venue.EventReconnect,
		Venue:     types.VenueKalshi,
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
		if err := f.dispatch(msg); err != nil {
			return err
		}
	}
}

func (f *Feed) replaySubscriptions() error {
	f.subMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subMu.RUnlock()

	if len(tickers) == 0 {
		return nil
	}
	return f.sendSubscribe(tickers)
}

func (f *Feed) sendSubscribe(tickers []string) error {
	channels := []string{"orderbook_delta"}
	if f.auth.Ready() {
		channels = append(channels, "fill")
	}
	return f.writeCommand("subscribe", map[string]any{
		"channels":       channels,
		"market_tickers": tickers,
	})
}

// dispatch routes one frame. A non-nil error tears down the connection,
// which is how seq gaps force a fresh snapshot.
func (f *Feed) dispatch(data []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return nil
	}

	switch env.Type {
	case "orderbook_snapshot":
		f.lastSeq = env.Seq
		var msg wsSnapshotMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal snapshot", "error", err)
			return nil
		}
		f.applySnapshot(msg)

	case "orderbook_delta":
		if f.lastSeq != 0 && env.Seq != f.lastSeq+1 {
			f.logger.Warn("sequence gap, forcing resync",
				"expected", f.lastSeq+1,
				"got", env.Seq,
			)
			return fmt.Errorf("seq gap: want %d got %d", f.lastSeq+1, env.Seq)
		}
		f.lastSeq = env.Seq
		var msg wsDeltaMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal delta", "error", err)
			return nil
		}
		f.applyDelta(msg)

	case "fill":
		var msg wsFillMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal fill", "error", err)
			return nil
		}
		f.emitFill(msg)

	case "subscribed", "unsubscribed", "ok":
		f.logger.Debug("command acknowledged", "type", env.Type)

	case "error":
		f.logger.Error("server error", "msg", string(env.Msg))

	default:
		f.logger.Debug("unknown ws event type", "type", env.Type)
	}
	return nil
}

func (f *Feed) applySnapshot(msg wsSnapshotMsg) {
	book := &tickerBook{yes: make(map[int64]int64), no: make(map[int64]int64)}
	for _, lvl := range msg.Yes {
		book.yes[lvl[0]] = lvl[1]
	}
	for _, lvl := range msg.No {
		book.no[lvl[0]] = lvl[1]
	}
	f.books[msg.MarketTicker] = book
	f.emitBooks(msg.MarketTicker, venue.EventBookSnapshot)
}

func (f *Feed) applyDelta(msg wsDeltaMsg) {
	book, ok := f.books[msg.MarketTicker]
	if !ok {
		return // snapshot not seen yet
	}
	side := book.yes
	if msg.Side == "no" {
		side = book.no
	}
	next := side[msg.Price] + msg.Delta
	if next <= 0 {
		delete(side, msg.Price)
	} else {
		side[msg.Price] = next
	}
	f.emitBooks(msg.MarketTicker, venue.EventBookDelta)
}

// emitBooks publishes the full normalized book for both outcomes of one
// ticker.
func (f *Feed) emitBooks(ticker string, eventType venue.EventType) {
	book, ok := f.books[ticker]
	if !ok {
		return
	}

	wire := wireOrderbook{}
	for cents, count := range book.yes {
		wire.Orderbook.Yes = append(wire.Orderbook.Yes, [2]int64{cents, count})
	}
	for cents, count := range book.no {
		wire.Orderbook.No = append(wire.Orderbook.No, [2]int64{cents, count})
	}

	marketID := types.GlobalID(types.VenueKalshi, ticker)
	now := time.Now()
	for _, ot := range []types.OutcomeType{types.OutcomeYes, types.OutcomeNo} {
		outcomeID := types.GlobalID(types.VenueKalshi, ticker, ot)
		f.emit(venue.Event{
			Type:      eventType,
			Venue:     types.VenueKalshi,
			Book:      normalizeBook(wire, marketID, outcomeID, ot),
			Timestamp: now,
		})
	}
}

func (f *Feed) emitFill(msg wsFillMsg) {
	outcome := types.OutcomeYes
	price := msg.YesPrice
	if msg.Side == "no" {
		outcome = types.OutcomeNo
		price = msg.NoPrice
	}
	side := types.BUY
	if msg.Action == "sell" {
		side = types.SELL
	}

	f.emit(venue.Event{
		Type:  venue.EventTrade,
		Venue: types.VenueKalshi,
		Trade: &types.Trade{
			ID:         msg.TradeID,
			Venue:      types.VenueKalshi,
			OrderID:    msg.OrderID,
			MarketID:   types.GlobalID(types.VenueKalshi, msg.MarketTicker),
			OutcomeID:  types.GlobalID(types.VenueKalshi, msg.MarketTicker, outcome),
			Side:       side,
			Price:      centsToProb(price),
			Size:       contractsToUSD(msg.Count, price),
			ExecutedAt: time.Unix(msg.Ts, 0),
		},
		Timestamp: time.Now(),
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
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.connMu.Unlock()
					f.logger.Warn("ping failed", "error", err)
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}

func (f *Feed) writeCommand(cmd string, params map[string]any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.cmdID++
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(wsCommand{ID: f.cmdID, Cmd: cmd, Params: params})
}
