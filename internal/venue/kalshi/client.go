// Package kalshi implements the Kalshi trade API venue adapter.
//
// REST endpoints used (all under /trade-api/v2):
//   - GET    /markets                     listings for the scanner
//   - GET    /markets/{ticker}            one market
//   - GET    /markets/{ticker}/orderbook  resting book
//   - POST   /portfolio/orders            place an order
//   - DELETE /portfolio/orders/{id}       cancel an order
//   - GET    /portfolio/orders            open orders (for cancel-all)
//   - GET    /portfolio/balance           free collateral
//   - GET    /portfolio/positions         open positions
//   - GET    /portfolio/fills             our fills
//
// Kalshi's rate limit is a fixed per-tier rate with no burst, so both the
// order and read paths go through shared token buckets.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/internal/ratelimit"
	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const (
	basePath       = "/trade-api/v2"
	acquireTimeout = 2 * time.Second
	pageSize       = 200
	maxPages       = 10
)

// Client is the Kalshi venue adapter.
type Client struct {
	http   *resty.Client
	auth   *Auth
	orders *ratelimit.Limiter
	reads  *ratelimit.Limiter
	logger *slog.Logger
}

// NewClient builds the adapter against the host resolved from config.
func NewClient(cfg *config.Config, limiters *ratelimit.Registry, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(cfg.Kalshi)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetBaseURL(cfg.KalshiHost()+basePath).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		orders: limiters.Get("kalshi.orders"),
		reads:  limiters.Get("kalshi.read"),
		logger: logger.With("component", "kalshi"),
	}, nil
}

// Venue implements venue.Client.
func (c *Client) Venue() types.Venue { return types.VenueKalshi }

// Auth exposes the signer for the websocket feed.
func (c *Client) Auth() *Auth { return c.auth }

// Connect verifies credentials with a balance read. Without a key the
// adapter stays read-only.
func (c *Client) Connect(ctx context.Context) error {
	if !c.auth.Ready() {
		c.logger.Warn("no credentials configured, read-only mode")
		return nil
	}
	if _, err := c.GetBalance(ctx); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	c.logger.Info("connected", "key_id", c.auth.KeyID())
	return nil
}

// signedRequest builds a request with auth headers for the given call.
// Public market data endpoints skip signing when no key is configured.
func (c *Client) signedRequest(ctx context.Context, method, path string) (*resty.Request, error) {
	req := c.http.R().SetContext(ctx)
	if !c.auth.Ready() {
		return req, nil
	}
	headers, err := c.auth.Headers(method, basePath+path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}
	return req.SetHeaders(headers), nil
}

// GetMarkets pages the listings, newest-closing first.
func (c *Client) GetMarkets(ctx context.Context, filter venue.MarketFilter) ([]types.Market, error) {
	var out []types.Market
	limit := filter.Limit
	if limit <= 0 {
		limit = pageSize * maxPages
	}
	cursor := ""

	for page := 0; page < maxPages && len(out) < limit; page++ {
		if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
			metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
			return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
		}

		req, err := c.signedRequest(ctx, "GET", "/markets")
		if err != nil {
			return nil, err
		}
		var wire struct {
			Markets []wireMarket `json:"markets"`
			Cursor  string       `json:"cursor"`
		}
		req.SetResult(&wire).
			SetQueryParam("limit", strconv.Itoa(pageSize)).
			SetQueryParam("status", "open")
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		resp, err := req.Get("/markets")
		if err != nil {
			metrics.APIErrors.WithLabelValues("kalshi", "markets").Inc()
			return nil, fmt.Errorf("%w: get markets: %v", venue.ErrUnreachable, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, c.mapError("markets", resp)
		}

		for _, wm := range wire.Markets {
			m := normalizeMarket(wm)
			if filter.ActiveOnly && !m.IsActive {
				continue
			}
			if filter.Category != "" && m.Category != filter.Category {
				continue
			}
			if filter.MinVolume24h > 0 && m.Volume24h < filter.MinVolume24h {
				continue
			}
			if filter.MinLiquidity > 0 && m.Liquidity < filter.MinLiquidity {
				continue
			}
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}

		cursor = wire.Cursor
		if cursor == "" || len(wire.Markets) == 0 {
			break
		}
	}
	return out, nil
}

// GetMarket fetches one market by ticker.
func (c *Client) GetMarket(ctx context.Context, externalID string) (*types.Market, error) {
	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/markets/" + externalID
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Market wireMarket `json:"market"`
	}
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "market").Inc()
		return nil, fmt.Errorf("%w: get market: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("market", resp)
	}

	m := normalizeMarket(wire.Market)
	return &m, nil
}

// GetOrderBook fetches the resting book for one outcome. The outcome id is
// a global id; its YES/NO suffix selects which side the book is viewed from.
func (c *Client) GetOrderBook(ctx context.Context, outcomeID string) (*types.OrderBook, error) {
	v, ticker, outcome, err := types.SplitGlobalID(outcomeID)
	if err != nil || v != types.VenueKalshi {
		return nil, fmt.Errorf("%w: outcome id %q", venue.ErrValidation, outcomeID)
	}
	ot := types.OutcomeType(outcome)
	if ot != types.OutcomeYes && ot != types.OutcomeNo {
		ot = types.OutcomeYes
	}

	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/markets/" + ticker + "/orderbook"
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	var wire wireOrderbook
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "orderbook").Inc()
		return nil, fmt.Errorf("%w: get orderbook: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("orderbook", resp)
	}

	marketID := types.GlobalID(types.VenueKalshi, ticker)
	return normalizeBook(wire, marketID, outcomeID, ot), nil
}

// PlaceOrder places a limit order, converting USD notional to contracts.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrValidation, err)
	}
	v, ticker, outcome, err := types.SplitGlobalID(req.OutcomeID)
	if err != nil || v != types.VenueKalshi {
		return nil, fmt.Errorf("%w: outcome id %q", venue.ErrValidation, req.OutcomeID)
	}

	cents := probToCents(req.Price)
	count := usdToContracts(req.Size, cents)
	if count <= 0 {
		return nil, fmt.Errorf("%w: size %v too small for one contract", venue.ErrValidation, req.Size)
	}

	side := "yes"
	priceField := "yes_price"
	if types.OutcomeType(outcome) == types.OutcomeNo {
		side = "no"
		priceField = "no_price"
	}
	action := "buy"
	if req.Side == types.SELL {
		action = "sell"
	}

	body := map[string]any{
		"ticker":          ticker,
		"client_order_id": uuid.NewString(),
		"type":            "limit",
		"action":          action,
		"side":            side,
		"count":           count,
		priceField:        cents,
	}
	switch req.Type {
	case types.OrderTypeFOK:
		body["time_in_force"] = "fill_or_kill"
	case types.OrderTypeIOC:
		body["time_in_force"] = "immediate_or_cancel"
	case types.OrderTypeGTD:
		body["expiration_ts"] = time.Now().Add(time.Minute).Unix()
	}

	if err := c.orders.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.orders").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}
	defer metrics.TimeOrder("kalshi")()

	path := "/portfolio/orders"
	httpReq, err := c.signedRequest(ctx, "POST", path)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Order wireOrder `json:"order"`
	}
	resp, err := httpReq.SetBody(body).SetResult(&wire).Post(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "orders").Inc()
		return nil, fmt.Errorf("%w: place order: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, c.mapError("orders", resp)
	}

	placed := normalizeOrder(wire.Order)
	placed.StrategyID = req.StrategyID
	placed.Type = req.Type

	c.logger.Info("order placed",
		"order_id", placed.ID,
		"ticker", ticker,
		"side", req.Side,
		"price_cents", cents,
		"count", count,
		"status", placed.Status,
	)
	return &placed, nil
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, externalOrderID string) error {
	if err := c.orders.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.orders").Inc()
		return fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/portfolio/orders/" + externalOrderID
	req, err := c.signedRequest(ctx, "DELETE", path)
	if err != nil {
		return err
	}
	resp, err := req.Delete(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "cancel").Inc()
		return fmt.Errorf("%w: cancel order: %v", venue.ErrUnreachable, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return venue.ErrAlreadyTerminal
	default:
		return c.mapError("cancel", resp)
	}
}

// CancelAllOrders cancels every resting order, optionally for one market.
// Kalshi has no bulk endpoint, so open orders are listed and cancelled
// individually.
func (c *Client) CancelAllOrders(ctx context.Context, marketID string) error {
	ticker := ""
	if marketID != "" {
		v, ext, _, err := types.SplitGlobalID(marketID)
		if err != nil || v != types.VenueKalshi {
			return fmt.Errorf("%w: market id %q", venue.ErrValidation, marketID)
		}
		ticker = ext
	}

	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/portfolio/orders"
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return err
	}
	var wire struct {
		Orders []wireOrder `json:"orders"`
	}
	req.SetResult(&wire).SetQueryParam("status", "resting")
	if ticker != "" {
		req.SetQueryParam("ticker", ticker)
	}
	resp, err := req.Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "orders").Inc()
		return fmt.Errorf("%w: list orders: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.mapError("orders", resp)
	}

	var firstErr error
	for _, o := range wire.Orders {
		if err := c.CancelOrder(ctx, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Warn("orders cancelled", "count", len(wire.Orders), "market", marketID)
	return firstErr
}

// GetBalance reads free collateral.
func (c *Client) GetBalance(ctx context.Context) (*venue.Balance, error) {
	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/portfolio/balance"
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Balance int64 `json:"balance"` // cents
	}
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "balance").Inc()
		return nil, fmt.Errorf("%w: get balance: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("balance", resp)
	}

	usd := float64(wire.Balance) / 100
	return &venue.Balance{
		Venue:     types.VenueKalshi,
		Available: usd,
		Total:     usd,
		UpdatedAt: time.Now(),
	}, nil
}

// GetPositions reads open positions. A positive wire position is long YES;
// a negative one is long NO for the same exposure.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/portfolio/positions"
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	var wire struct {
		MarketPositions []wirePosition `json:"market_positions"`
	}
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "positions").Inc()
		return nil, fmt.Errorf("%w: get positions: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("positions", resp)
	}

	out := make([]types.Position, 0, len(wire.MarketPositions))
	for _, p := range wire.MarketPositions {
		if p.Position == 0 {
			continue
		}
		outcome := types.OutcomeYes
		contracts := p.Position
		if contracts < 0 {
			outcome = types.OutcomeNo
			contracts = -contracts
		}
		exposure := float64(p.MarketExposure) / 100
		avgEntry := 0.0
		if contracts > 0 {
			avgEntry = exposure / float64(contracts)
		}
		out = append(out, types.Position{
			ID:            types.GlobalID(types.VenueKalshi, p.Ticker, outcome),
			Venue:         types.VenueKalshi,
			MarketID:      types.GlobalID(types.VenueKalshi, p.Ticker),
			OutcomeID:     types.GlobalID(types.VenueKalshi, p.Ticker, outcome),
			Side:          types.PositionLong,
			Size:          exposure,
			AvgEntryPrice: avgEntry,
			RealizedPnl:   float64(p.RealizedPnl) / 100,
			IsOpen:        true,
		})
	}
	return out, nil
}

// GetTrades reads our fills, optionally for one market.
func (c *Client) GetTrades(ctx context.Context, marketID string, limit int) ([]types.Trade, error) {
	if err := c.reads.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("kalshi.read").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path := "/portfolio/fills"
	req, err := c.signedRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}
	if marketID != "" {
		v, ext, _, err := types.SplitGlobalID(marketID)
		if err != nil || v != types.VenueKalshi {
			return nil, fmt.Errorf("%w: market id %q", venue.ErrValidation, marketID)
		}
		req.SetQueryParam("ticker", ext)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var wire struct {
		Fills []wireFill `json:"fills"`
	}
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("kalshi", "fills").Inc()
		return nil, fmt.Errorf("%w: get fills: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("fills", resp)
	}

	out := make([]types.Trade, 0, len(wire.Fills))
	for _, f := range wire.Fills {
		outcome := types.OutcomeYes
		price := f.YesPrice
		if f.Side == "no" {
			outcome = types.OutcomeNo
			price = f.NoPrice
		}
		side := types.BUY
		if f.Action == "sell" {
			side = types.SELL
		}
		out = append(out, types.Trade{
			ID:         f.TradeID,
			Venue:      types.VenueKalshi,
			OrderID:    f.OrderID,
			MarketID:   types.GlobalID(types.VenueKalshi, f.Ticker),
			OutcomeID:  types.GlobalID(types.VenueKalshi, f.Ticker, outcome),
			Side:       side,
			Price:      centsToProb(price),
			Size:       contractsToUSD(f.Count, price),
			ExecutedAt: f.CreatedAt,
		})
	}
	return out, nil
}

// mapError translates an HTTP failure into a sentinel error and counts it.
func (c *Client) mapError(endpoint string, resp *resty.Response) error {
	metrics.APIErrors.WithLabelValues("kalshi", endpoint).Inc()
	status, body := resp.StatusCode(), resp.String()
	switch {
	case status == http.StatusTooManyRequests:
		metrics.RateLimitHits.WithLabelValues("kalshi." + endpoint).Inc()
		return fmt.Errorf("%w: %s", venue.ErrRateLimited, endpoint)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", venue.ErrAuthFailed, endpoint, body)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", venue.ErrNotFound, endpoint)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "insufficient"):
		return fmt.Errorf("%w: %s", venue.ErrInsufficientBalance, body)
	case status >= 500:
		return fmt.Errorf("%w: %s: status %d", venue.ErrUnreachable, endpoint, status)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", venue.ErrRejected, endpoint, status, body)
	}
}
