// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. Venue clients fetch the market universe; the matcher pairs equivalent
//     markets across venues.
//  2. The market data service mirrors books for the tracked top-N outcomes
//     and fans out debounced price updates.
//  3. Each price update feeds the price history, the arbitrage detector,
//     and every enabled strategy; the richest opportunity (or highest
//     confidence signal) is dispatched to an executor.
//  4. The risk core watches exposure, daily loss, drawdown, and API health,
//     and can kill trading; the order manager's event bus feeds it.
//  5. A scan watchdog re-walks the whole cached universe on a slow interval
//     so quiet markets are not starved by the event-driven path.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"predictarb/internal/api"
	"predictarb/internal/config"
	"predictarb/internal/detector"
	"predictarb/internal/execution"
	"predictarb/internal/marketdata"
	"predictarb/internal/matcher"
	"predictarb/internal/orders"
	"predictarb/internal/ratelimit"
	"predictarb/internal/risk"
	"predictarb/internal/stats"
	"predictarb/internal/store"
	"predictarb/internal/strategy"
	"predictarb/internal/venue"
	"predictarb/internal/venue/kalshi"
	"predictarb/internal/venue/polymarket"
	"predictarb/pkg/types"
)

const defaultScanDebounce = 500 * time.Millisecond

// riskGate defers the risk core reference so the order manager can be built
// before the core (which needs the manager as its canceller).
type riskGate struct {
	mu   sync.RWMutex
	core *risk.Core
}

func (g *riskGate) set(c *risk.Core) {
	g.mu.Lock()
	g.core = c
	g.mu.Unlock()
}

func (g *riskGate) CheckOrder(req types.OrderRequest) error {
	g.mu.RLock()
	core := g.core
	g.mu.RUnlock()
	if core == nil {
		return nil
	}
	return core.CheckOrder(req)
}

// Engine owns the lifecycle of every component and the main trading loop.
type Engine struct {
	cfg        config.Config
	clients    map[types.Venue]venue.Client
	data       *marketdata.Service
	pairs      *matcher.Matcher
	detect     *detector.Detector
	strategies []strategy.Strategy
	history    *stats.History
	orders     *orders.Manager
	riskCore   *risk.Core
	arbExec    *execution.ArbitrageExecutor
	sigExec    *execution.SignalExecutor
	st         *store.Store
	apiServer  *api.Server
	logger     *slog.Logger

	// markets mirrors the latest known universe, global id -> market.
	// Outcome quotes inside are refreshed from price updates.
	mu            sync.RWMutex
	markets       map[string]types.Market
	lastScan      map[string]time.Time
	cooldownUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	limiters := ratelimit.NewRegistry(cfg.Kalshi.Tier)

	polyClient, err := polymarket.NewClient(cfg.Polymarket, limiters, logger)
	if err != nil {
		return nil, fmt.Errorf("polymarket client: %w", err)
	}
	kalshiClient, err := kalshi.NewClient(&cfg, limiters, logger)
	if err != nil {
		return nil, fmt.Errorf("kalshi client: %w", err)
	}
	clients := map[types.Venue]venue.Client{
		types.VenuePolymarket: polyClient,
		types.VenueKalshi:     kalshiClient,
	}

	feeds := map[types.Venue]venue.Feed{}
	if cfg.Features.EnableWebSocket {
		feeds[types.VenuePolymarket] = polymarket.NewFeed(cfg.Polymarket.WSURL, polyClient, logger)
		if wsURL := cfg.KalshiWSURL(); wsURL != "" {
			feeds[types.VenueKalshi] = kalshi.NewFeed(wsURL, kalshiClient.Auth(), logger)
		}
	}

	data := marketdata.NewService(cfg.MarketData, clients, feeds, logger)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	gate := &riskGate{}
	var paper *orders.PaperEngine
	if cfg.Trading.PaperTrading {
		paper = orders.NewPaperEngine(cfg.Trading.PaperTradingBalance, data, logger)
	}
	om := orders.NewManager(clients, gate, paper, logger)

	riskCore := risk.New(risk.RiskParams{
		MaxPositionSizeUsd:      cfg.Risk.MaxPositionSizeUsd,
		MaxTotalExposureUsd:     cfg.Risk.MaxTotalExposureUsd,
		MaxDailyLossUsd:         cfg.Risk.MaxDailyLossUsd,
		MaxDrawdownPct:          cfg.Risk.MaxDrawdownPct,
		ApiErrorRateThreshold:   cfg.Risk.ApiErrorRateThreshold,
		ApiErrorWindow:          cfg.Risk.ApiErrorWindow,
		KillSwitchCheckInterval: cfg.Risk.KillSwitchCheckInterval,
		InitialEquity:           cfg.Trading.PaperTradingBalance,
	}, st, om, logger)
	gate.set(riskCore)

	history := stats.NewHistory(0)

	var strategies []strategy.Strategy
	if cfg.Features.EnableProbabilitySum {
		strategies = append(strategies, strategy.NewProbabilitySum(cfg.Strategies, logger))
	}
	if cfg.Features.EnableMomentum {
		strategies = append(strategies, strategy.NewMomentum(cfg.Strategies, history, logger))
	}
	if cfg.Features.EnableMeanReversion {
		strategies = append(strategies, strategy.NewMeanReversion(cfg.Strategies, history, logger))
	}
	if cfg.Features.EnableImbalance {
		strategies = append(strategies, strategy.NewImbalance(cfg.Strategies, logger))
	}

	e := &Engine{
		cfg:        cfg,
		clients:    clients,
		data:       data,
		detect:     detector.New(cfg.Risk, cfg.Features, logger),
		strategies: strategies,
		history:    history,
		orders:     om,
		riskCore:   riskCore,
		arbExec:    execution.NewArbitrageExecutor(om, data, cfg.Trading, logger),
		sigExec:    execution.NewSignalExecutor(om, cfg.Trading, logger),
		st:         st,
		logger:     logger.With("component", "engine"),
		markets:    make(map[string]types.Market),
		lastScan:   make(map[string]time.Time),
	}

	if cfg.Features.EnableCrossPlatformArb {
		e.pairs = matcher.New(cfg.Matcher, nil, logger)
	}
	if cfg.Features.EnableEndgame {
		e.strategies = append(e.strategies,
			strategy.NewEndgame(cfg.Strategies, marketView{e}, logger))
	}
	if cfg.API.Enabled {
		e.apiServer = api.NewServer(cfg.API, e, om, riskCore, e.arbExec, logger)
	}
	return e, nil
}

// marketView adapts the engine's market mirror to the strategy interface.
type marketView struct{ e *Engine }

func (v marketView) Market(id string) (types.Market, bool) {
	v.e.mu.RLock()
	defer v.e.mu.RUnlock()
	m, ok := v.e.markets[id]
	return m, ok
}

// Start connects the venues, loads the universe, and launches every
// background loop. It returns once the engine is running.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for v, c := range e.clients {
		if err := c.Connect(e.ctx); err != nil {
			if !e.cfg.Trading.PaperTrading {
				return fmt.Errorf("connect %s: %w", v, err)
			}
			// Paper mode trades against the local book mirror; a venue
			// without credentials still serves public market data.
			e.logger.Warn("venue connect failed, continuing in paper mode",
				"venue", v, "error", err)
		}
	}

	if err := e.refreshUniverse(e.ctx); err != nil {
		return fmt.Errorf("initial universe: %w", err)
	}
	if err := e.data.Start(e.ctx); err != nil {
		return fmt.Errorf("market data: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskCore.Start(e.ctx)
	}()

	for _, s := range e.strategies {
		if err := s.Start(e.ctx); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID(), err)
		}
	}

	events, cancelEvents := e.orders.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelEvents()
		e.consumeOrderEvents(events)
	}()

	prices, cancelPrices := e.data.SubscribePrices()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelPrices()
		e.run(prices)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchdog()
	}()

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Start(); err != nil {
				e.logger.Error("api server stopped", "error", err)
			}
		}()
	}

	e.mu.RLock()
	universe := len(e.markets)
	e.mu.RUnlock()
	e.logger.Info("engine started",
		"markets", universe,
		"strategies", len(e.strategies),
		"paper_trading", e.cfg.Trading.PaperTrading)
	return nil
}

// Stop shuts the engine down: stops scanning, cancels resting orders as a
// safety net, and drains every goroutine.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	if e.cancel != nil {
		e.cancel()
	}

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCancel()
	for v := range e.clients {
		if err := e.orders.CancelAllOrders(cancelCtx, v, ""); err != nil {
			e.logger.Error("cancel-all on shutdown failed", "venue", v, "error", err)
		}
	}

	for _, s := range e.strategies {
		s.Stop()
	}
	e.data.Stop()
	if e.apiServer != nil {
		if err := e.apiServer.Stop(); err != nil {
			e.logger.Error("api server stop failed", "error", err)
		}
	}

	e.wg.Wait()
	if err := e.st.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// refreshUniverse pulls the active universe from every venue, refreshes the
// cross-venue pair set, and retargets the market data service at the top-N
// markets by volume.
func (e *Engine) refreshUniverse(ctx context.Context) error {
	byVenue := make(map[types.Venue][]types.Market)
	for v, c := range e.clients {
		markets, err := c.GetMarkets(ctx, venue.MarketFilter{ActiveOnly: true})
		e.riskCore.RecordAPIResult(err == nil)
		if err != nil {
			e.logger.Error("universe fetch failed", "venue", v, "error", err)
			continue
		}
		byVenue[v] = markets
	}
	if len(byVenue) == 0 {
		return fmt.Errorf("no venue returned a universe")
	}

	var all []types.Market
	for _, markets := range byVenue {
		all = append(all, markets...)
	}

	e.mu.Lock()
	for _, m := range all {
		e.markets[m.ID] = m
	}
	e.mu.Unlock()

	if e.pairs != nil {
		matched, err := e.pairs.Match(ctx,
			byVenue[types.VenuePolymarket], byVenue[types.VenueKalshi])
		if err != nil {
			e.logger.Error("pair matching failed", "error", err)
		} else {
			e.logger.Info("pair set refreshed", "pairs", len(matched))
		}
	}

	return e.retrack(all)
}

// retrack points the market data service at the top-N markets by 24h
// volume, always including both legs of every active cross-venue pair.
func (e *Engine) retrack(all []types.Market) error {
	top := e.cfg.MarketData.TopMarkets
	if top <= 0 {
		top = 50
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Volume24h > all[j].Volume24h })
	if len(all) > top {
		all = all[:top]
	}

	picked := make(map[string]types.Market, len(all))
	for _, m := range all {
		picked[m.ID] = m
	}
	if e.pairs != nil {
		for _, p := range e.pairs.Pairs() {
			picked[p.Polymarket.ID] = p.Polymarket
			picked[p.Kalshi.ID] = p.Kalshi
		}
	}

	var outcomeIDs []string
	for _, m := range picked {
		for _, o := range m.Outcomes {
			outcomeIDs = append(outcomeIDs, o.ID)
		}
	}
	return e.data.Track(outcomeIDs...)
}

// run is the main event loop: one debounced price update in, at most one
// execution out.
func (e *Engine) run(prices <-chan types.PriceUpdate) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case u, ok := <-prices:
			if !ok {
				return
			}
			e.handlePriceUpdate(u)
		}
	}
}

func (e *Engine) handlePriceUpdate(u types.PriceUpdate) {
	e.history.Record(u.OutcomeID, u.MidPrice, u.BidSize+u.AskSize, u.Timestamp)
	e.applyQuote(u)
	for _, s := range e.strategies {
		s.OnPriceUpdate(u)
	}

	if e.riskCore.Active() {
		return
	}
	now := time.Now()
	e.mu.Lock()
	if now.Before(e.cooldownUntil) {
		e.mu.Unlock()
		return
	}
	debounce := e.cfg.MarketData.ScanDebounce
	if debounce <= 0 {
		debounce = defaultScanDebounce
	}
	if last, ok := e.lastScan[u.MarketID]; ok && now.Sub(last) < debounce {
		e.mu.Unlock()
		return
	}
	e.lastScan[u.MarketID] = now
	e.mu.Unlock()

	e.scan(u.MarketID)
}

// applyQuote folds a price update back into the cached market so detectors
// and the endgame strategy always price against current top of book.
func (e *Engine) applyQuote(u types.PriceUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[u.MarketID]
	if !ok {
		return
	}
	for i := range m.Outcomes {
		if m.Outcomes[i].ID != u.OutcomeID {
			continue
		}
		m.Outcomes[i].BestBid = u.BestBid
		m.Outcomes[i].BestAsk = u.BestAsk
		m.Outcomes[i].BidSize = u.BidSize
		m.Outcomes[i].AskSize = u.AskSize
		m.Outcomes[i].Probability = u.MidPrice
	}
	e.markets[u.MarketID] = m
}

// scan evaluates one market: arbitrage first, strategy signals second.
func (e *Engine) scan(marketID string) {
	e.mu.RLock()
	m, ok := e.markets[marketID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	var opps []types.ArbitrageOpportunity
	if opp := e.detect.DetectSingle(m); opp != nil {
		opps = append(opps, *opp)
	}
	if e.pairs != nil {
		for _, p := range e.pairs.Pairs() {
			if p.Polymarket.ID != marketID && p.Kalshi.ID != marketID {
				continue
			}
			poly, kalshi := e.pairLegs(p)
			if opp := e.detect.DetectCross(poly, kalshi, p.Confidence); opp != nil {
				opps = append(opps, *opp)
			}
		}
	}

	valid := opps[:0]
	for i := range opps {
		if e.detect.Validate(&opps[i], e.data.GetBook) {
			valid = append(valid, opps[i])
		}
	}
	if len(valid) > 0 {
		detector.Sort(valid)
		e.dispatchArbitrage(valid[0])
		return
	}

	e.dispatchBestSignal()
}

// pairLegs resolves both legs of a pair from the live mirror, falling back
// to the snapshot taken at match time.
func (e *Engine) pairLegs(p matcher.Pair) (types.Market, types.Market) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	poly, kalshi := p.Polymarket, p.Kalshi
	if m, ok := e.markets[poly.ID]; ok {
		poly = m
	}
	if m, ok := e.markets[kalshi.ID]; ok {
		kalshi = m
	}
	return poly, kalshi
}

func (e *Engine) dispatchArbitrage(opp types.ArbitrageOpportunity) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, err := e.arbExec.Execute(e.ctx, &opp)
		if err != nil {
			// Busy executor: the opportunity will be re-detected on the
			// next update if it survives.
			return
		}
		e.afterExecution(*result, legMarkets(opp.Legs))
	}()
}

func (e *Engine) dispatchBestSignal() {
	var best *types.TradingSignal
	for _, s := range e.strategies {
		for _, sig := range s.EmitSignals() {
			sig := sig
			if best == nil || sig.Confidence > best.Confidence {
				best = &sig
			}
		}
	}
	if best == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, err := e.sigExec.Execute(e.ctx, *best)
		if err != nil {
			e.logger.Debug("signal not executed", "signal", best.ID, "error", err)
			return
		}
		e.afterExecution(*result, []string{best.MarketID})
	}()
}

// afterExecution persists the result, books realized P&L into the risk
// core, and arms the post-execution cooldowns.
func (e *Engine) afterExecution(result types.ExecutionResult, marketIDs []string) {
	if err := e.st.SaveExecution(result); err != nil {
		e.logger.Error("execution persist failed", "id", result.ID, "error", err)
	}
	if result.RealizedProfit != 0 {
		e.riskCore.RecordPnl(result.RealizedProfit)
	}
	if !result.Success && !result.Partial {
		return
	}

	for _, s := range e.strategies {
		if n, ok := s.(strategy.TradeNotifier); ok {
			for _, id := range marketIDs {
				n.NotifyTrade(id)
			}
		}
	}
	if cd := e.cfg.Trading.CooldownAfterExec; cd > 0 {
		e.mu.Lock()
		e.cooldownUntil = time.Now().Add(cd)
		e.mu.Unlock()
	}
}

func legMarkets(legs []types.OpportunityLeg) []string {
	seen := make(map[string]struct{}, len(legs))
	var out []string
	for _, l := range legs {
		if _, ok := seen[l.MarketID]; ok {
			continue
		}
		seen[l.MarketID] = struct{}{}
		out = append(out, l.MarketID)
	}
	return out
}

// consumeOrderEvents feeds the order event bus into the risk core.
func (e *Engine) consumeOrderEvents(events <-chan types.OrderEvent) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.riskCore.HandleOrderEvent(evt)
		}
	}
}

// watchdog re-walks the cached universe on a slow interval so markets whose
// feeds went quiet still get scanned, and periodically refreshes the
// universe itself.
func (e *Engine) watchdog() {
	interval := e.cfg.MarketData.WatchdogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshUniverse(e.ctx); err != nil {
				e.logger.Error("universe refresh failed", "error", err)
			}
			if e.riskCore.Active() {
				continue
			}
			e.mu.RLock()
			ids := make([]string, 0, len(e.markets))
			for id := range e.markets {
				ids = append(ids, id)
			}
			e.mu.RUnlock()
			for _, id := range ids {
				e.scan(id)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// API provider
// ————————————————————————————————————————————————————————————————————————

// Health aggregates per-component state for GET /health.
func (e *Engine) Health() api.HealthReport {
	components := make(map[string]string)
	healthy, total := 0, 0

	for v, feed := range e.dataFeeds() {
		total++
		state := feed.State()
		if state == venue.StateSubscribed || state == venue.StateConnected {
			components["feed_"+string(v)] = "ok"
			healthy++
		} else {
			components["feed_"+string(v)] = state.String()
		}
	}

	total++
	if e.riskCore.Active() {
		components["risk"] = "kill switch active"
	} else {
		components["risk"] = "ok"
		healthy++
	}

	status := "Healthy"
	switch {
	case healthy == 0:
		status = "Unhealthy"
	case healthy < total:
		status = "Degraded"
	}
	return api.HealthReport{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// Strategies lists every configured strategy for GET /api/strategies.
func (e *Engine) Strategies() []api.StrategyStatus {
	running := e.ctx != nil && e.ctx.Err() == nil
	out := make([]api.StrategyStatus, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, api.StrategyStatus{
			ID:      s.ID(),
			Enabled: true,
			Running: running,
		})
	}
	return out
}

func (e *Engine) dataFeeds() map[types.Venue]venue.Feed {
	// The service owns the feeds; for health we only need their states,
	// which the feeds expose concurrently.
	return e.data.Feeds()
}
