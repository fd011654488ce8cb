// Package polymarket implements the Polymarket CLOB venue adapter.
//
// REST endpoints used:
//   - Gamma  GET  /markets              market listings for the scanner
//   - CLOB   GET  /book                 L2 book for one token
//   - CLOB   POST /order               place a signed order
//   - CLOB   DELETE /order             cancel one order
//   - CLOB   DELETE /cancel-all        cancel everything
//   - CLOB   DELETE /cancel-market-orders  cancel one market's orders
//   - CLOB   GET  /auth/derive-api-key bootstrap L2 creds from the wallet
//   - CLOB   GET  /balance-allowance   free collateral
//   - Data   GET  /positions           open positions
//   - CLOB   GET  /data/trades         our fills
//
// Order placement goes through the shared token-bucket limiter; reads are
// additionally paced with a golang.org/x/time/rate limiter so scanner bursts
// cannot starve the order path.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"predictarb/internal/config"
	"predictarb/internal/metrics"
	"predictarb/internal/ratelimit"
	"predictarb/internal/venue"
	"predictarb/pkg/types"
)

const (
	zeroAddress    = "0x0000000000000000000000000000000000000000"
	acquireTimeout = 2 * time.Second
	pageSize       = 100
	maxPages       = 10
)

// Client is the Polymarket venue adapter.
type Client struct {
	clob   *resty.Client // CLOB API: books, orders, auth
	gamma  *resty.Client // Gamma API: market listings
	data   *resty.Client // Data API: positions
	auth   *Auth
	orders *ratelimit.Limiter // shared order-path bucket
	reads  *rate.Limiter      // read-path pacing
	logger *slog.Logger

	tokens tokenCache // global outcome id -> clob token id
}

// NewClient builds the adapter. Credentials may be absent for read-only use.
func NewClient(cfg config.PolymarketConfig, limiters *ratelimit.Registry, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	newREST := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
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
	}

	return &Client{
		clob:   newREST(cfg.RESTBaseURL),
		gamma:  newREST(cfg.DataBaseURL),
		data:   newREST("https://data-api.polymarket.com"),
		auth:   auth,
		orders: limiters.Get("polymarket.orders"),
		reads:  rate.NewLimiter(rate.Limit(50), 100),
		logger: logger.With("component", "polymarket"),
	}, nil
}

// Venue implements venue.Client.
func (c *Client) Venue() types.Venue { return types.VenuePolymarket }

// Auth exposes the signer for the user websocket feed.
func (c *Client) Auth() *Auth { return c.auth }

// ResolveToken maps a clob token id back to the global market and outcome
// ids, when the market has been listed through this client.
func (c *Client) ResolveToken(tokenID string) (marketID, outcomeID string, ok bool) {
	return c.tokens.lookupToken(tokenID)
}

// TokenID maps a global outcome id to its clob token id.
func (c *Client) TokenID(outcomeID string) (string, error) {
	tokenID, _, err := c.tokens.resolve(outcomeID)
	return tokenID, err
}

// Connect derives L2 credentials when only the wallet key is configured and
// verifies them with a balance read. Without any credentials the adapter
// stays read-only, which paper trading relies on.
func (c *Client) Connect(ctx context.Context) error {
	if !c.auth.HasCredentials() {
		if c.auth.privateKey == nil {
			c.logger.Warn("no credentials configured, read-only mode")
			return nil
		}
		if err := c.deriveAPIKey(ctx); err != nil {
			return err
		}
	}
	if _, err := c.GetBalance(ctx); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	c.logger.Info("connected", "address", c.auth.Address().Hex())
	return nil
}

func (c *Client) deriveAPIKey(ctx context.Context) error {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	var creds Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("%w: derive api key: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.mapError("derive-api-key", resp)
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("api key derived", "api_key", creds.ApiKey)
	return nil
}

// GetMarkets pages the Gamma listings and returns normalized binary markets.
func (c *Client) GetMarkets(ctx context.Context, filter venue.MarketFilter) ([]types.Market, error) {
	var out []types.Market
	limit := filter.Limit
	if limit <= 0 {
		limit = pageSize * maxPages
	}

	for page := 0; page < maxPages && len(out) < limit; page++ {
		if err := c.reads.Wait(ctx); err != nil {
			return nil, err
		}

		var wire []gammaMarket
		req := c.gamma.R().
			SetContext(ctx).
			SetQueryParam("limit", strconv.Itoa(pageSize)).
			SetQueryParam("offset", strconv.Itoa(page*pageSize)).
			SetQueryParam("order", "volume24hr").
			SetQueryParam("ascending", "false").
			SetQueryParam("closed", "false").
			SetResult(&wire)
		if filter.ActiveOnly {
			req.SetQueryParam("active", "true")
		}
		if filter.Category != "" {
			req.SetQueryParam("tag", filter.Category)
		}

		resp, err := req.Get("/markets")
		if err != nil {
			metrics.APIErrors.WithLabelValues("polymarket", "markets").Inc()
			return nil, fmt.Errorf("%w: get markets: %v", venue.ErrUnreachable, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, c.mapError("markets", resp)
		}
		if len(wire) == 0 {
			break
		}

		for _, gm := range wire {
			m, err := normalizeMarket(gm)
			if err != nil {
				continue
			}
			if filter.MinVolume24h > 0 && m.Volume24h < filter.MinVolume24h {
				continue
			}
			if filter.MinLiquidity > 0 && m.Liquidity < filter.MinLiquidity {
				continue
			}
			c.tokens.put(m)
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
		if len(wire) < pageSize {
			break
		}
	}
	return out, nil
}

// GetMarket fetches one market by condition id.
func (c *Client) GetMarket(ctx context.Context, externalID string) (*types.Market, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var wire []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", externalID).
		SetResult(&wire).
		Get("/markets")
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "markets").Inc()
		return nil, fmt.Errorf("%w: get market: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("markets", resp)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("%w: market %s", venue.ErrNotFound, externalID)
	}

	m, err := normalizeMarket(wire[0])
	if err != nil {
		return nil, err
	}
	c.tokens.put(m)
	return &m, nil
}

// GetOrderBook fetches the L2 book for one outcome. Accepts either a global
// outcome id previously seen via GetMarkets/GetMarket or a raw token id.
func (c *Client) GetOrderBook(ctx context.Context, outcomeID string) (*types.OrderBook, error) {
	tokenID, marketID, err := c.tokens.resolve(outcomeID)
	if err != nil {
		return nil, err
	}
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var wire clobBook
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&wire).
		Get("/book")
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "book").Inc()
		return nil, fmt.Errorf("%w: get book: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("book", resp)
	}

	return normalizeBook(wire, marketID, outcomeID)
}

// PlaceOrder signs and posts a single order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrValidation, err)
	}
	tokenID, _, err := c.tokens.resolve(req.OutcomeID)
	if err != nil {
		return nil, err
	}

	if err := c.orders.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("polymarket.orders").Inc()
		return nil, fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}
	defer metrics.TimeOrder("polymarket")()

	makerAmt, takerAmt := priceToAmounts(req.Price, req.Size, req.Side)
	order := wireOrder{
		Salt:          newSalt(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(req.Side),
		SignatureType: c.auth.SignatureType(),
	}
	if req.Type == types.OrderTypeGTD {
		order.Expiration = strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10)
	}

	sig, err := c.auth.SignOrder(&order)
	if err != nil {
		return nil, fmt.Errorf("%w: sign order: %v", venue.ErrAuthFailed, err)
	}
	order.Signature = sig

	payload := orderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: string(req.Type),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	var result orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "order").Inc()
		return nil, fmt.Errorf("%w: post order: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("order", resp)
	}
	if !result.Success {
		return nil, mapOrderError(result.ErrorMsg)
	}

	now := time.Now()
	placed := &types.Order{
		ID:              result.OrderID,
		Venue:           types.VenuePolymarket,
		ExternalOrderID: result.OrderID,
		MarketID:        req.MarketID,
		OutcomeID:       req.OutcomeID,
		Side:            req.Side,
		Price:           req.Price,
		Size:            req.Size,
		Type:            req.Type,
		Status:          normalizeOrderStatus(result.Status),
		StrategyID:      req.StrategyID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if placed.Status == types.OrderStatusFilled {
		placed.FilledSize = req.Size
		placed.AvgFillPrice = req.Price
	}

	c.logger.Info("order placed",
		"order_id", placed.ID,
		"outcome", req.OutcomeID,
		"side", req.Side,
		"price", req.Price,
		"size", req.Size,
		"status", placed.Status,
	)
	return placed, nil
}

// CancelOrder cancels one order by its venue id.
func (c *Client) CancelOrder(ctx context.Context, externalOrderID string) error {
	if err := c.orders.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("polymarket.orders").Inc()
		return fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	body := fmt.Sprintf(`{"orderID":%q}`, externalOrderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "cancel").Inc()
		return fmt.Errorf("%w: cancel order: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.mapError("cancel", resp)
	}
	if reason, ok := result.NotCanceled[externalOrderID]; ok {
		if strings.Contains(strings.ToLower(reason), "matched") ||
			strings.Contains(strings.ToLower(reason), "canceled") {
			return venue.ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: %s", venue.ErrRejected, reason)
	}
	return nil
}

// CancelAllOrders cancels everything, or one market's orders when marketID
// is set.
func (c *Client) CancelAllOrders(ctx context.Context, marketID string) error {
	if err := c.orders.Acquire(ctx, 1, acquireTimeout); err != nil {
		metrics.RateLimitHits.WithLabelValues("polymarket.orders").Inc()
		return fmt.Errorf("%w: %v", venue.ErrRateLimited, err)
	}

	path, body := "/cancel-all", ""
	if marketID != "" {
		_, ext, _, err := types.SplitGlobalID(marketID)
		if err != nil {
			return fmt.Errorf("%w: %v", venue.ErrValidation, err)
		}
		path = "/cancel-market-orders"
		body = fmt.Sprintf(`{"market":%q}`, ext)
	}

	headers, err := c.auth.L2Headers("DELETE", path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	req := c.clob.R().SetContext(ctx).SetHeaders(headers)
	if body != "" {
		req.SetBody(json.RawMessage(body))
	}
	resp, err := req.Delete(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "cancel").Inc()
		return fmt.Errorf("%w: cancel all: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.mapError("cancel", resp)
	}
	c.logger.Warn("orders cancelled", "market", marketID)
	return nil
}

// GetBalance reads free USDC collateral for the funding wallet.
func (c *Client) GetBalance(ctx context.Context) (*venue.Balance, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	var wire balanceAllowance
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetQueryParam("signature_type", strconv.Itoa(c.auth.SignatureType())).
		SetResult(&wire).
		Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "balance").Inc()
		return nil, fmt.Errorf("%w: get balance: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("balance", resp)
	}

	raw, _ := strconv.ParseFloat(wire.Balance, 64)
	usd := raw / 1e6 // USDC 6 decimals
	return &venue.Balance{
		Venue:     types.VenuePolymarket,
		Available: usd,
		Total:     usd,
		UpdatedAt: time.Now(),
	}, nil
}

// GetPositions reads open positions from the data API.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var wire []dataPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", c.auth.FunderAddress().Hex()).
		SetResult(&wire).
		Get("/positions")
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "positions").Inc()
		return nil, fmt.Errorf("%w: get positions: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("positions", resp)
	}

	out := make([]types.Position, 0, len(wire))
	for _, p := range wire {
		if p.Size <= 0 {
			continue
		}
		ot := types.OutcomeYes
		if strings.EqualFold(p.Outcome, "no") {
			ot = types.OutcomeNo
		}
		out = append(out, types.Position{
			ID:            types.GlobalID(types.VenuePolymarket, p.ConditionID, ot),
			Venue:         types.VenuePolymarket,
			MarketID:      types.GlobalID(types.VenuePolymarket, p.ConditionID),
			OutcomeID:     types.GlobalID(types.VenuePolymarket, p.ConditionID, ot),
			Side:          types.PositionLong,
			Size:          p.Size * p.AvgPrice,
			AvgEntryPrice: p.AvgPrice,
			CurrentPrice:  p.CurPrice,
			UnrealizedPnl: p.CashPnl,
			RealizedPnl:   p.RealizedPnl,
			IsOpen:        true,
		})
	}
	return out, nil
}

// GetTrades reads our recent fills, optionally for one market.
func (c *Client) GetTrades(ctx context.Context, marketID string, limit int) ([]types.Trade, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/trades"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthFailed, err)
	}

	req := c.clob.R().SetContext(ctx).SetHeaders(headers)
	if marketID != "" {
		_, ext, _, err := types.SplitGlobalID(marketID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", venue.ErrValidation, err)
		}
		req.SetQueryParam("market", ext)
	}

	var wire []clobTrade
	resp, err := req.SetResult(&wire).Get(path)
	if err != nil {
		metrics.APIErrors.WithLabelValues("polymarket", "trades").Inc()
		return nil, fmt.Errorf("%w: get trades: %v", venue.ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapError("trades", resp)
	}

	out := make([]types.Trade, 0, len(wire))
	for _, t := range wire {
		if limit > 0 && len(out) >= limit {
			break
		}
		price, _ := strconv.ParseFloat(t.Price, 64)
		shares, _ := strconv.ParseFloat(t.Size, 64)
		ts := time.Now()
		if sec, err := strconv.ParseInt(t.MatchTime, 10, 64); err == nil {
			ts = time.Unix(sec, 0)
		}
		out = append(out, types.Trade{
			ID:         t.ID,
			Venue:      types.VenuePolymarket,
			OrderID:    t.TakerOrderID,
			MarketID:   types.GlobalID(types.VenuePolymarket, t.Market),
			Side:       types.Side(t.Side),
			Price:      price,
			Size:       shares * price,
			ExecutedAt: ts,
		})
	}
	return out, nil
}

// mapError translates an HTTP failure into a sentinel error and counts it.
func (c *Client) mapError(endpoint string, resp *resty.Response) error {
	metrics.APIErrors.WithLabelValues("polymarket", endpoint).Inc()
	status, body := resp.StatusCode(), resp.String()
	switch {
	case status == http.StatusTooManyRequests:
		metrics.RateLimitHits.WithLabelValues("polymarket." + endpoint).Inc()
		return fmt.Errorf("%w: %s", venue.ErrRateLimited, endpoint)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", venue.ErrAuthFailed, endpoint, body)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", venue.ErrNotFound, endpoint)
	case status >= 500:
		return fmt.Errorf("%w: %s: status %d", venue.ErrUnreachable, endpoint, status)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", venue.ErrRejected, endpoint, status, body)
	}
}

// mapOrderError classifies the CLOB's errorMsg on a rejected order.
func mapOrderError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "balance") || strings.Contains(lower, "allowance"):
		return fmt.Errorf("%w: %s", venue.ErrInsufficientBalance, msg)
	case strings.Contains(lower, "market") && strings.Contains(lower, "closed"):
		return fmt.Errorf("%w: %s", venue.ErrRejected, msg)
	default:
		return fmt.Errorf("%w: %s", venue.ErrRejected, msg)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Token cache
// ————————————————————————————————————————————————————————————————————————

// tokenCache maps global outcome ids to clob token ids, filled as markets
// are listed. A raw token id passes through untouched.
type tokenCache struct {
	mu      sync.RWMutex
	byID    map[string]tokenEntry
	byToken map[string]tokenRef
}

type tokenEntry struct {
	tokenID  string
	marketID string
}

type tokenRef struct {
	marketID  string
	outcomeID string
}

func (tc *tokenCache) put(m types.Market) {
	tc.mu.Lock()
	if tc.byID == nil {
		tc.byID = make(map[string]tokenEntry)
		tc.byToken = make(map[string]tokenRef)
	}
	for _, o := range m.Outcomes {
		tc.byID[o.ID] = tokenEntry{tokenID: o.ExternalID, marketID: m.ID}
		tc.byToken[o.ExternalID] = tokenRef{marketID: m.ID, outcomeID: o.ID}
	}
	tc.mu.Unlock()
}

func (tc *tokenCache) lookupToken(tokenID string) (marketID, outcomeID string, ok bool) {
	tc.mu.RLock()
	ref, ok := tc.byToken[tokenID]
	tc.mu.RUnlock()
	return ref.marketID, ref.outcomeID, ok
}

func (tc *tokenCache) resolve(outcomeID string) (tokenID, marketID string, err error) {
	tc.mu.RLock()
	entry, ok := tc.byID[outcomeID]
	tc.mu.RUnlock()
	if ok {
		return entry.tokenID, entry.marketID, nil
	}
	// Not a global id we know: treat as a raw token id.
	if _, _, _, splitErr := types.SplitGlobalID(outcomeID); splitErr != nil {
		return outcomeID, "", nil
	}
	return "", "", fmt.Errorf("%w: unknown outcome %s", venue.ErrNotFound, outcomeID)
}
