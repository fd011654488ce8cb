// Package risk enforces the hard limits that keep the bot solvent.
//
// The core watches daily P&L, drawdown, total exposure, and the venue API
// error rate on a fast ticker. Any breach trips the kill switch, which is
// one-shot: once Active it stays Active (new reasons accumulate, the
// cancel-all fires only once) until an operator calls Reset. Daily P&L
// rolls at UTC midnight exactly once per day and survives restarts through
// the execution store.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predictarb/internal/metrics"
	"predictarb/pkg/types"
)

// ErrKillSwitchActive rejects order flow while the switch is tripped.
var ErrKillSwitchActive = errors.New("kill switch active")

// PnlStore persists per-day realized P&L across restarts.
type PnlStore interface {
	UpsertDailyPnl(date string, realized float64) error
	DailyPnl(date string) (float64, bool, error)
}

// Canceller is the slice of the order manager the kill switch needs.
type Canceller interface {
	CancelAllOrders(ctx context.Context, v types.Venue, marketID string) error
}

const dateLayout = "2006-01-02"

// minAPIResults is the sample floor below which the error-rate trigger
// stays quiet; two errors out of two calls is noise, not an outage.
const minAPIResults = 10

type apiResult struct {
	at time.Time
	ok bool
}

// Core is the risk engine. One instance guards the whole bot.
type Core struct {
	cfg       RiskParams
	pnl       PnlStore
	canceller Canceller
	logger    *slog.Logger

	mu           sync.Mutex
	active       bool
	reasons      []string
	activatedAt  time.Time
	day          string
	dailyPnl     float64
	equity       float64
	peakEquity   float64
	exposure     map[string]float64 // per-market entry notional
	totalExpo    float64
	apiResults   []apiResult
	cancelIssued bool
}

// RiskParams mirrors config.RiskConfig without importing it, so tests and
// the engine can both construct a core directly.
type RiskParams struct {
	MaxPositionSizeUsd      float64
	MaxTotalExposureUsd     float64
	MaxDailyLossUsd         float64
	MaxDrawdownPct          float64
	ApiErrorRateThreshold   float64
	ApiErrorWindow          time.Duration
	KillSwitchCheckInterval time.Duration
	InitialEquity           float64
}

// New builds the core. The canceller may be nil (tests, read-only mode);
// pnl may be nil to skip persistence.
func New(cfg RiskParams, pnl PnlStore, canceller Canceller, logger *slog.Logger) *Core {
	if cfg.KillSwitchCheckInterval <= 0 {
		cfg.KillSwitchCheckInterval = 100 * time.Millisecond
	}
	c := &Core{
		cfg:        cfg,
		pnl:        pnl,
		canceller:  canceller,
		logger:     logger.With("component", "risk"),
		day:        time.Now().UTC().Format(dateLayout),
		equity:     cfg.InitialEquity,
		peakEquity: cfg.InitialEquity,
		exposure:   make(map[string]float64),
	}
	c.restoreToday()
	return c
}

// restoreToday reloads the current UTC day's P&L after a mid-day restart.
func (c *Core) restoreToday() {
	if c.pnl == nil {
		return
	}
	realized, ok, err := c.pnl.DailyPnl(c.day)
	if err != nil {
		c.logger.Warn("restore daily pnl failed", "error", err)
		return
	}
	if ok {
		c.dailyPnl = realized
		c.equity += realized
		if c.equity > c.peakEquity {
			c.peakEquity = c.equity
		}
		c.logger.Info("restored daily pnl", "date", c.day, "realized", realized)
	}
}

// Start runs the check loop until ctx is cancelled.
func (c *Core) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KillSwitchCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(time.Now())
		}
	}
}

// tick runs the rollover and every automatic trigger.
func (c *Core) tick(now time.Time) {
	c.mu.Lock()
	c.rolloverLocked(now)
	c.checkLimitsLocked()
	c.mu.Unlock()
}

func (c *Core) rolloverLocked(now time.Time) {
	today := now.UTC().Format(dateLayout)
	if today == c.day {
		return
	}
	c.logger.Info("daily pnl rollover", "closed_day", c.day, "realized", c.dailyPnl)
	c.persistLocked()
	c.day = today
	c.dailyPnl = 0
	c.persistLocked()
	metrics.DailyPnl.Set(0)
}

func (c *Core) checkLimitsLocked() {
	if c.cfg.MaxDailyLossUsd > 0 && c.dailyPnl <= -c.cfg.MaxDailyLossUsd {
		c.activateLocked(fmt.Sprintf("daily loss %.2f reached %.2f",
			-c.dailyPnl, c.cfg.MaxDailyLossUsd))
	}
	if c.cfg.MaxDrawdownPct > 0 && c.peakEquity > 0 {
		dd := (c.peakEquity - c.equity) / c.peakEquity * 100
		if dd >= c.cfg.MaxDrawdownPct {
			c.activateLocked(fmt.Sprintf("drawdown %.1f%% reached %.1f%%",
				dd, c.cfg.MaxDrawdownPct))
		}
	}
	if c.cfg.MaxTotalExposureUsd > 0 && c.totalExpo >= c.cfg.MaxTotalExposureUsd {
		c.activateLocked(fmt.Sprintf("exposure %.2f reached %.2f",
			c.totalExpo, c.cfg.MaxTotalExposureUsd))
	}
	if rate, n := c.apiErrorRateLocked(time.Now()); n >= minAPIResults &&
		c.cfg.ApiErrorRateThreshold > 0 && rate > c.cfg.ApiErrorRateThreshold {
		c.activateLocked(fmt.Sprintf("api error rate %.0f%% over %d calls",
			rate*100, n))
	}
}

// CheckOrder implements the order manager's pre-write policy: reject while
// the switch is active, then check the hypothetical post-trade exposure
// per market and in aggregate.
func (c *Core) CheckOrder(req types.OrderRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrKillSwitchActive
	}
	if req.Side != types.BUY {
		return nil // sells reduce exposure
	}
	if c.cfg.MaxPositionSizeUsd > 0 &&
		c.exposure[req.MarketID]+req.Size > c.cfg.MaxPositionSizeUsd {
		return fmt.Errorf("position limit: %s holds %.2f, adding %.2f exceeds %.2f",
			req.MarketID, c.exposure[req.MarketID], req.Size, c.cfg.MaxPositionSizeUsd)
	}
	if c.cfg.MaxTotalExposureUsd > 0 &&
		c.totalExpo+req.Size > c.cfg.MaxTotalExposureUsd {
		return fmt.Errorf("exposure limit: total %.2f, adding %.2f exceeds %.2f",
			c.totalExpo, req.Size, c.cfg.MaxTotalExposureUsd)
	}
	return nil
}

// HandleOrderEvent feeds the exposure tracker from the order-event bus.
func (c *Core) HandleOrderEvent(evt types.OrderEvent) {
	if evt.Type != types.EventPositionUpdate || evt.Position == nil {
		return
	}
	p := evt.Position

	c.mu.Lock()
	size := p.Size
	if !p.IsOpen {
		size = 0
	}
	c.totalExpo += size - c.exposure[p.MarketID+"/"+p.OutcomeID]
	c.exposure[p.MarketID+"/"+p.OutcomeID] = size
	// Per-market limit keys on the market, so fold outcomes together.
	c.rebuildMarketExposureLocked(p.MarketID)
	total := c.totalExpo
	c.mu.Unlock()

	metrics.OpenExposure.Set(total)
}

// rebuildMarketExposureLocked recomputes the per-market rollup used by
// CheckOrder from the per-outcome entries.
func (c *Core) rebuildMarketExposureLocked(marketID string) {
	total := 0.0
	prefix := marketID + "/"
	for key, size := range c.exposure {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			total += size
		}
	}
	c.exposure[marketID] = total
}

// RecordPnl folds an execution's realized profit into the day and persists.
func (c *Core) RecordPnl(delta float64) {
	c.mu.Lock()
	c.rolloverLocked(time.Now())
	c.dailyPnl += delta
	c.equity += delta
	if c.equity > c.peakEquity {
		c.peakEquity = c.equity
	}
	c.persistLocked()
	daily := c.dailyPnl
	c.checkLimitsLocked()
	c.mu.Unlock()

	metrics.DailyPnl.Set(daily)
}

func (c *Core) persistLocked() {
	if c.pnl == nil {
		return
	}
	if err := c.pnl.UpsertDailyPnl(c.day, c.dailyPnl); err != nil {
		c.logger.Warn("persist daily pnl failed", "date", c.day, "error", err)
	}
}

// RecordAPIResult feeds the rolling error-rate window.
func (c *Core) RecordAPIResult(ok bool) {
	now := time.Now()
	c.mu.Lock()
	c.apiResults = append(c.apiResults, apiResult{at: now, ok: ok})
	c.trimAPIResultsLocked(now)
	c.mu.Unlock()
}

func (c *Core) trimAPIResultsLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.ApiErrorWindow)
	i := 0
	for i < len(c.apiResults) && c.apiResults[i].at.Before(cutoff) {
		i++
	}
	c.apiResults = c.apiResults[i:]
}

func (c *Core) apiErrorRateLocked(now time.Time) (rate float64, n int) {
	c.trimAPIResultsLocked(now)
	n = len(c.apiResults)
	if n == 0 {
		return 0, 0
	}
	failed := 0
	for _, r := range c.apiResults {
		if !r.ok {
			failed++
		}
	}
	return float64(failed) / float64(n), n
}

// Trigger trips the kill switch manually.
func (c *Core) Trigger(reason string) {
	c.mu.Lock()
	c.activateLocked("manual: " + reason)
	c.mu.Unlock()
}

// activateLocked is the one-shot transition. Repeated triggers only add
// their reason; the cancel-all and the state flip happen once.
func (c *Core) activateLocked(reason string) {
	for _, r := range c.reasons {
		if r == reason {
			return
		}
	}
	c.reasons = append(c.reasons, reason)
	if c.active {
		c.logger.Warn("kill switch reason added", "reason", reason)
		return
	}

	c.active = true
	c.activatedAt = time.Now()
	metrics.KillSwitchActive.Set(1)
	c.logger.Error("KILL SWITCH ACTIVATED", "reason", reason)

	if c.canceller != nil && !c.cancelIssued {
		c.cancelIssued = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.canceller.CancelAllOrders(ctx, "", ""); err != nil {
				c.logger.Error("kill switch cancel-all failed", "error", err)
			}
		}()
	}
}

// Reset returns the switch to Inactive. Operator action only.
func (c *Core) Reset() {
	c.mu.Lock()
	c.active = false
	c.reasons = nil
	c.cancelIssued = false
	c.mu.Unlock()

	metrics.KillSwitchActive.Set(0)
	c.logger.Info("kill switch reset")
}

// Active reports the switch state.
func (c *Core) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot is the observable risk state for the HTTP surface.
type Snapshot struct {
	KillSwitchActive bool      `json:"kill_switch_active"`
	Reasons          []string  `json:"reasons,omitempty"`
	ActivatedAt      time.Time `json:"activated_at,omitempty"`
	Day              string    `json:"day"`
	DailyPnl         float64   `json:"daily_pnl"`
	Equity           float64   `json:"equity"`
	PeakEquity       float64   `json:"peak_equity"`
	TotalExposure    float64   `json:"total_exposure"`
}

func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	reasons := make([]string, len(c.reasons))
	copy(reasons, c.reasons)
	return Snapshot{
		KillSwitchActive: c.active,
		Reasons:          reasons,
		ActivatedAt:      c.activatedAt,
		Day:              c.day,
		DailyPnl:         c.dailyPnl,
		Equity:           c.equity,
		PeakEquity:       c.peakEquity,
		TotalExposure:    c.totalExpo,
	}
}
