// Package marketdata runs the engine's price plane.
//
// The Service consumes normalized book events from every venue feed, mirrors
// the latest book per outcome in a TTL cache, and fans out derived
// PriceUpdates to subscribers. Updates for one outcome are debounced: a
// burst of book changes within the debounce window collapses to the latest
// value, so detectors always price against the freshest top of book without
// reprocessing every intermediate tick. Raw book events are forwarded
// undebounced on a separate channel.
//
// A REST poller (poller.go) covers feed outages and venues with spotty
// websocket coverage by synthesizing top-of-book updates for the tracked
// universe at a fixed interval.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const subscriberBuffer = 128

// DegradedEvent reports a venue feed losing or regaining its connection.
// While a venue is degraded its cached books age out normally; the other
// venue keeps serving.
type DegradedEvent struct {
	Venue     types.Venue
	Recovered bool
	At        time.Time
}

// cacheEntry is one outcome's latest book.
type cacheEntry struct {
	book       types.OrderBook
	insertedAt time.Time
}

// debounceEntry holds the pending update for one outcome while its timer
// runs. Newer updates overwrite pending; only the last one fires.
type debounceEntry struct {
	timer   *time.Timer
	pending types.PriceUpdate
}

// Service is the market data plane. Safe for concurrent use.
type Service struct {
	cfg     config.MarketDataConfig
	clients map[types.Venue]venue.Client
	feeds   map[types.Venue]venue.Feed
	logger  *slog.Logger

	mu       sync.RWMutex
	cache    map[string]cacheEntry // outcome id -> latest book
	tracked  map[string]types.Venue
	debounce map[string]*debounceEntry

	subMu       sync.RWMutex
	priceSubs   []chan types.PriceUpdate
	bookSubs    []chan types.OrderBook
	degradeSubs []chan DegradedEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the service over the given clients and feeds. Feeds may
// be nil for poll-only operation.
func NewService(
	cfg config.MarketDataConfig,
	clients map[types.Venue]venue.Client,
	feeds map[types.Venue]venue.Feed,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		clients:  clients,
		feeds:    feeds,
		logger:   logger.With("component", "marketdata"),
		cache:    make(map[string]cacheEntry),
		tracked:  make(map[string]types.Venue),
		debounce: make(map[string]*debounceEntry),
	}
}

// Start launches the feed consumers and the REST poller.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for v, feed := range s.feeds {
		if feed == nil {
			continue
		}
		if err := feed.Start(runCtx); err != nil {
			cancel()
			return err
		}
		s.wg.Add(1)
		go func(v types.Venue, feed venue.Feed) {
			defer s.wg.Done()
			s.consume(runCtx, v, feed)
		}(v, feed)
	}

	if s.cfg.PollInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollLoop(runCtx)
		}()
	}

	s.logger.Info("market data service started",
		"feeds", len(s.feeds),
		"poll_interval", s.cfg.PollInterval,
	)
	return nil
}

// Stop tears down feeds and waits for the loops to drain.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, feed := range s.feeds {
		if feed != nil {
			feed.Close()
		}
	}
	s.wg.Wait()

	s.mu.Lock()
	for _, d := range s.debounce {
		d.timer.Stop()
	}
	s.debounce = make(map[string]*debounceEntry)
	s.mu.Unlock()
}

// Feeds exposes the venue feeds for health reporting. The map is the one
// passed at construction and is never mutated after.
func (s *Service) Feeds() map[types.Venue]venue.Feed {
	return s.feeds
}

// Track adds outcomes to the live universe and subscribes their feeds.
func (s *Service) Track(outcomeIDs ...string) error {
	byVenue := make(map[types.Venue][]string)
	s.mu.Lock()
	for _, id := range outcomeIDs {
		v, _, _, err := types.SplitGlobalID(id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if _, ok := s.tracked[id]; !ok {
			s.tracked[id] = v
			byVenue[v] = append(byVenue[v], id)
		}
	}
	s.mu.Unlock()

	for v, ids := range byVenue {
		feed := s.feeds[v]
		if feed == nil {
			continue
		}
		if err := feed.Subscribe(ids); err != nil {
			s.logger.Warn("feed subscribe failed", "venue", v, "error", err)
		}
	}
	return nil
}

// Untrack removes outcomes, unsubscribes their feeds, and evicts their
// cache entries.
func (s *Service) Untrack(outcomeIDs ...string) {
	byVenue := make(map[types.Venue][]string)
	s.mu.Lock()
	for _, id := range outcomeIDs {
		if v, ok := s.tracked[id]; ok {
			delete(s.tracked, id)
			delete(s.cache, id)
			if d, ok := s.debounce[id]; ok {
				d.timer.Stop()
				delete(s.debounce, id)
			}
			byVenue[v] = append(byVenue[v], id)
		}
	}
	s.mu.Unlock()

	for v, ids := range byVenue {
		feed := s.feeds[v]
		if feed == nil {
			continue
		}
		if err := feed.Unsubscribe(ids); err != nil {
			s.logger.Warn("feed unsubscribe failed", "venue", v, "error", err)
		}
	}
}

// Tracked returns the current tracked outcome ids.
func (s *Service) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		out = append(out, id)
	}
	return out
}

// GetBook returns the cached book for an outcome. ok=false when absent or
// older than the cache TTL.
func (s *Service) GetBook(outcomeID string) (types.OrderBook, bool) {
	s.mu.RLock()
	entry, ok := s.cache[outcomeID]
	s.mu.RUnlock()
	if !ok {
		return types.OrderBook{}, false
	}
	if s.cfg.CacheTTL > 0 && time.Since(entry.insertedAt) > s.cfg.CacheTTL {
		return types.OrderBook{}, false
	}
	return entry.book, true
}

// SubscribePrices registers a debounced PriceUpdate subscriber. The cancel
// func removes the subscription.
func (s *Service) SubscribePrices() (<-chan types.PriceUpdate, func()) {
	ch := make(chan types.PriceUpdate, subscriberBuffer)
	s.subMu.Lock()
	s.priceSubs = append(s.priceSubs, ch)
	s.subMu.Unlock()
	return ch, func() { s.removePriceSub(ch) }
}

// SubscribeBooks registers an undebounced book subscriber.
func (s *Service) SubscribeBooks() (<-chan types.OrderBook, func()) {
	ch := make(chan types.OrderBook, subscriberBuffer)
	s.subMu.Lock()
	s.bookSubs = append(s.bookSubs, ch)
	s.subMu.Unlock()
	return ch, func() { s.removeBookSub(ch) }
}

// SubscribeDegraded registers a feed health subscriber.
func (s *Service) SubscribeDegraded() (<-chan DegradedEvent, func()) {
	ch := make(chan DegradedEvent, 8)
	s.subMu.Lock()
	s.degradeSubs = append(s.degradeSubs, ch)
	s.subMu.Unlock()
	return ch, func() { s.removeDegradeSub(ch) }
}

// ————————————————————————————————————————————————————————————————————————
// Feed consumption
// ————————————————————————————————————————————————————————————————————————

func (s *Service) consume(ctx context.Context, v types.Venue, feed venue.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed.Events():
			if !ok {
				return
			}
			s.handleEvent(v, evt)
		}
	}
}

func (s *Service) handleEvent(v types.Venue, evt venue.Event) {
	switch evt.Type {
	case venue.EventBookSnapshot, venue.EventBookDelta:
		if evt.Book == nil {
			return
		}
		s.ApplyBook(*evt.Book, "ws")

	case venue.EventDisconnect:
		s.logger.Warn("feed degraded", "venue", v)
		s.fanoutDegraded(DegradedEvent{Venue: v, At: evt.Timestamp})

	case venue.EventReconnect:
		s.logger.Info("feed recovered", "venue", v)
		s.fanoutDegraded(DegradedEvent{Venue: v, Recovered: true, At: evt.Timestamp})
	}
}

// ApplyBook replaces the cached book for an outcome and schedules the
// debounced price update. Also used by the poller with source="poll".
func (s *Service) ApplyBook(book types.OrderBook, source string) {
	s.mu.Lock()
	tracked := len(s.tracked) == 0 // before Track is first called, accept all
	if !tracked {
		_, tracked = s.tracked[book.OutcomeID]
	}
	if !tracked {
		s.mu.Unlock()
		return
	}
	s.cache[book.OutcomeID] = cacheEntry{book: book, insertedAt: time.Now()}
	s.mu.Unlock()

	s.fanoutBook(book)

	update, ok := deriveUpdate(book, source)
	if !ok {
		return
	}
	metrics.PriceUpdates.WithLabelValues(string(book.Venue), source).Inc()

	if s.cfg.DebounceInterval <= 0 {
		s.fanoutPrice(update)
		return
	}
	s.scheduleDebounced(update)
}

// scheduleDebounced arms (or re-arms) the per-outcome quiescence timer.
// The latest update always wins the window.
func (s *Service) scheduleDebounced(update types.PriceUpdate) {
	key := update.OutcomeID

	s.mu.Lock()
	if d, ok := s.debounce[key]; ok {
		d.pending = update
		d.timer.Reset(s.cfg.DebounceInterval)
		s.mu.Unlock()
		return
	}
	d := &debounceEntry{pending: update}
	d.timer = time.AfterFunc(s.cfg.DebounceInterval, func() {
		s.mu.Lock()
		pending := d.pending
		delete(s.debounce, key)
		s.mu.Unlock()
		s.fanoutPrice(pending)
	})
	s.debounce[key] = d
	s.mu.Unlock()
}

// deriveUpdate computes the top-of-book PriceUpdate for a cached book.
// Books missing either side produce no update.
func deriveUpdate(book types.OrderBook, source string) (types.PriceUpdate, bool) {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return types.PriceUpdate{}, false
	}
	return types.PriceUpdate{
		Venue:     book.Venue,
		MarketID:  book.MarketID,
		OutcomeID: book.OutcomeID,
		BestBid:   bid.Price,
		BestAsk:   ask.Price,
		BidSize:   bid.Size,
		AskSize:   ask.Size,
		MidPrice:  (bid.Price + ask.Price) / 2,
		Spread:    ask.Price - bid.Price,
		Source:    source,
		Timestamp: book.Timestamp,
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Fan-out
// ————————————————————————————————————————————————————————————————————————

func (s *Service) fanoutPrice(update types.PriceUpdate) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.priceSubs {
		select {
		case ch <- update:
		default:
			s.logger.Warn("price subscriber full, dropping update",
				"outcome", update.OutcomeID)
		}
	}
}

func (s *Service) fanoutBook(book types.OrderBook) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.bookSubs {
		select {
		case ch <- book:
		default:
			s.logger.Warn("book subscriber full, dropping event",
				"outcome", book.OutcomeID)
		}
	}
}

func (s *Service) fanoutDegraded(evt DegradedEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.degradeSubs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Service) removePriceSub(ch chan types.PriceUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.priceSubs {
		if sub == ch {
			s.priceSubs = append(s.priceSubs[:i], s.priceSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Service) removeBookSub(ch chan types.OrderBook) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.bookSubs {
		if sub == ch {
			s.bookSubs = append(s.bookSubs[:i], s.bookSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Service) removeDegradeSub(ch chan DegradedEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.degradeSubs {
		if sub == ch {
			s.degradeSubs = append(s.degradeSubs[:i], s.degradeSubs[i+1:]...)
			close(ch)
			return
		}
	}
}
