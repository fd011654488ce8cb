// normalize.go maps Kalshi wire formats into pkg/types. Kalshi quotes in
// integer cents and sizes in contracts; everything is converted to [0,1]
// probabilities and USD notional here, using decimal arithmetic so repeated
// conversions never drift.
package kalshi

import (
	"time"

	"github.com/shopspring/decimal"

	"predictarb/pkg/types"
)

var oneHundred = decimal.NewFromInt(100)

// centsToProb converts an integer cent price to a [0,1] probability.
func centsToProb(cents int64) float64 {
	f, _ := decimal.NewFromInt(cents).Div(oneHundred).Float64()
	return f
}

// probToCents converts a [0,1] probability to integer cents, rounding to the
// nearest cent and clamping to the venue's valid [1,99] range.
func probToCents(p float64) int64 {
	c := decimal.NewFromFloat(p).Mul(oneHundred).Round(0).IntPart()
	if c < 1 {
		c = 1
	}
	if c > 99 {
		c = 99
	}
	return c
}

// contractsToUSD converts a contract count at a cent price to USD notional.
func contractsToUSD(count, cents int64) float64 {
	f, _ := decimal.NewFromInt(count).
		Mul(decimal.NewFromInt(cents)).
		Div(oneHundred).
		Float64()
	return f
}

// usdToContracts converts USD notional at a cent price to whole contracts,
// rounding down.
func usdToContracts(usd float64, cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return decimal.NewFromFloat(usd).
		Mul(oneHundred).
		Div(decimal.NewFromInt(cents)).
		Floor().
		IntPart()
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

// wireMarket is one market from GET /markets.
type wireMarket struct {
	Ticker       string    `json:"ticker"`
	EventTicker  string    `json:"event_ticker"`
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle"`
	RulesPrimary string    `json:"rules_primary"`
	Category     string    `json:"category"`
	CloseTime    time.Time `json:"close_time"`
	Status       string    `json:"status"` // initialized, active, closed, settled
	YesBid       int64     `json:"yes_bid"`
	YesAsk       int64     `json:"yes_ask"`
	NoBid        int64     `json:"no_bid"`
	NoAsk        int64     `json:"no_ask"`
	Volume24h    int64     `json:"volume_24h"`    // contracts
	Liquidity    int64     `json:"liquidity"`     // cents
	OpenInterest int64     `json:"open_interest"` // contracts
}

// wireOrderbook is GET /markets/{ticker}/orderbook. Each level is
// [price_cents, contract_count]; Kalshi exposes only resting bids per side.
type wireOrderbook struct {
	Orderbook struct {
		Yes [][2]int64 `json:"yes"`
		No  [][2]int64 `json:"no"`
	} `json:"orderbook"`
}

// wireOrder is one order in portfolio responses.
type wireOrder struct {
	OrderID        string    `json:"order_id"`
	ClientOrderID  string    `json:"client_order_id"`
	Ticker         string    `json:"ticker"`
	Action         string    `json:"action"` // buy / sell
	Side           string    `json:"side"`   // yes / no
	YesPrice       int64     `json:"yes_price"`
	NoPrice        int64     `json:"no_price"`
	Count          int64     `json:"count"`
	RemainingCount int64     `json:"remaining_count"`
	Status         string    `json:"status"` // resting, canceled, executed, pending
	CreatedTime    time.Time `json:"created_time"`
}

// wirePosition is one row of GET /portfolio/positions.
type wirePosition struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"`        // signed contracts, + = long YES
	MarketExposure int64  `json:"market_exposure"` // cents
	RealizedPnl    int64  `json:"realized_pnl"`    // cents
	TotalTraded    int64  `json:"total_traded"`    // cents
}

// wireFill is one row of GET /portfolio/fills.
type wireFill struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Ticker    string    `json:"ticker"`
	Side      string    `json:"side"` // yes / no
	Action    string    `json:"action"`
	Count     int64     `json:"count"`
	YesPrice  int64     `json:"yes_price"`
	NoPrice   int64     `json:"no_price"`
	CreatedAt time.Time `json:"created_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalization
// ————————————————————————————————————————————————————————————————————————

// normalizeMarket converts a Kalshi market. Every Kalshi market is binary:
// the YES side is quoted directly and the NO side derived from it.
func normalizeMarket(wm wireMarket) types.Market {
	marketID := types.GlobalID(types.VenueKalshi, wm.Ticker)

	yes := types.Outcome{
		ID:         types.GlobalID(types.VenueKalshi, wm.Ticker, types.OutcomeYes),
		ExternalID: wm.Ticker,
		Name:       "Yes",
		Type:       types.OutcomeYes,
		BestBid:    centsToProb(wm.YesBid),
		BestAsk:    centsToProb(wm.YesAsk),
	}
	no := types.Outcome{
		ID:         types.GlobalID(types.VenueKalshi, wm.Ticker, types.OutcomeNo),
		ExternalID: wm.Ticker,
		Name:       "No",
		Type:       types.OutcomeNo,
		BestBid:    centsToProb(wm.NoBid),
		BestAsk:    centsToProb(wm.NoAsk),
	}
	if yes.BestBid > 0 && yes.BestAsk > 0 {
		yes.Probability = (yes.BestBid + yes.BestAsk) / 2
		no.Probability = 1 - yes.Probability
	}

	title := wm.Title
	if wm.Subtitle != "" {
		title += " " + wm.Subtitle
	}

	status := types.MarketActive
	switch wm.Status {
	case "closed", "settled":
		status = types.MarketResolved
	case "initialized":
		status = types.MarketSuspended
	}

	return types.Market{
		ID:          marketID,
		Venue:       types.VenueKalshi,
		ExternalID:  wm.Ticker,
		Title:       title,
		Description: wm.RulesPrimary,
		Category:    wm.Category,
		EndDate:     wm.CloseTime,
		Outcomes:    []types.Outcome{yes, no},
		Volume24h:   float64(wm.Volume24h), // contracts approximate USD at $1 max payout
		Liquidity:   float64(wm.Liquidity) / 100,
		Status:      status,
		IsActive:    wm.Status == "active",
	}
}

// normalizeBook builds the book for one outcome. Kalshi publishes resting
// bids per side only, so the asks for an outcome are the mirrored bids of
// the opposite side: ask(YES at p) = 1 - bid(NO at 1-p).
func normalizeBook(wb wireOrderbook, marketID, outcomeID string, outcome types.OutcomeType) *types.OrderBook {
	same, opposite := wb.Orderbook.Yes, wb.Orderbook.No
	if outcome == types.OutcomeNo {
		same, opposite = wb.Orderbook.No, wb.Orderbook.Yes
	}

	bids := make([]types.PriceLevel, 0, len(same))
	for _, lvl := range same {
		cents, count := lvl[0], lvl[1]
		if cents <= 0 || cents >= 100 || count <= 0 {
			continue
		}
		bids = append(bids, types.PriceLevel{
			Price: centsToProb(cents),
			Size:  contractsToUSD(count, cents),
		})
	}

	asks := make([]types.PriceLevel, 0, len(opposite))
	for _, lvl := range opposite {
		cents, count := lvl[0], lvl[1]
		if cents <= 0 || cents >= 100 || count <= 0 {
			continue
		}
		askCents := 100 - cents
		asks = append(asks, types.PriceLevel{
			Price: centsToProb(askCents),
			Size:  contractsToUSD(count, askCents),
		})
	}

	sortLevels(bids, true)
	sortLevels(asks, false)

	return &types.OrderBook{
		Venue:     types.VenueKalshi,
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}
}

func sortLevels(levels []types.PriceLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			swap := levels[j].Price > levels[j-1].Price
			if descending {
				swap = levels[j].Price < levels[j-1].Price
			}
			if !swap {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// normalizeOrderStatus maps Kalshi order statuses onto the engine lifecycle.
func normalizeOrderStatus(s string, remaining, total int64) types.OrderStatus {
	switch s {
	case "resting":
		if remaining < total {
			return types.OrderStatusPartial
		}
		return types.OrderStatusOpen
	case "executed":
		return types.OrderStatusFilled
	case "canceled":
		return types.OrderStatusCancelled
	case "pending":
		return types.OrderStatusPending
	default:
		return types.OrderStatusPending
	}
}

// normalizeOrder converts a wire order using the request context for ids.
func normalizeOrder(wo wireOrder) types.Order {
	outcome := types.OutcomeYes
	price := wo.YesPrice
	if wo.Side == "no" {
		outcome = types.OutcomeNo
		price = wo.NoPrice
	}

	side := types.BUY
	if wo.Action == "sell" {
		side = types.SELL
	}

	total := contractsToUSD(wo.Count, price)
	filled := contractsToUSD(wo.Count-wo.RemainingCount, price)

	order := types.Order{
		ID:              wo.OrderID,
		Venue:           types.VenueKalshi,
		ExternalOrderID: wo.OrderID,
		MarketID:        types.GlobalID(types.VenueKalshi, wo.Ticker),
		OutcomeID:       types.GlobalID(types.VenueKalshi, wo.Ticker, outcome),
		Side:            side,
		Price:           centsToProb(price),
		Size:            total,
		FilledSize:      filled,
		Status:          normalizeOrderStatus(wo.Status, wo.RemainingCount, wo.Count),
		CreatedAt:       wo.CreatedTime,
		UpdatedAt:       wo.CreatedTime,
	}
	if filled > 0 {
		order.AvgFillPrice = centsToProb(price)
	}
	return order
}
