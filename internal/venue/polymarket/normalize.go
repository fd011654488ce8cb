// normalize.go maps Polymarket wire formats into pkg/types. Gamma market
// listings, CLOB books, and order/trade payloads all cross this boundary;
// nothing upstream ever sees a venue-native shape.
package polymarket

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"predictarb/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

// gammaMarket is one market from the Gamma listings API. Outcomes and token
// ids arrive as JSON-encoded string arrays inside string fields.
type gammaMarket struct {
	ConditionID   string  `json:"conditionId"`
	Question      string  `json:"question"`
	Description   string  `json:"description"`
	Category      string  `json:"category"`
	EndDateISO    string  `json:"endDateIso"`
	Outcomes      string  `json:"outcomes"`      // e.g. `["Yes","No"]`
	OutcomePrices string  `json:"outcomePrices"` // e.g. `["0.42","0.58"]`
	ClobTokenIDs  string  `json:"clobTokenIds"`  // e.g. `["123...","456..."]`
	Volume24hr    float64 `json:"volume24hr"`
	Liquidity     float64 `json:"liquidityNum"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	BestBid       float64 `json:"bestBid"`
	BestAsk       float64 `json:"bestAsk"`
}

// clobBook is the L2 book for one token from GET /book.
type clobBook struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Timestamp string          `json:"timestamp"` // ms since epoch
	Bids      []clobBookLevel `json:"bids"`
	Asks      []clobBookLevel `json:"asks"`
}

type clobBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wireOrder is the signed on-chain order embedded in POST /order.
type wireOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"` // BUY or SELL
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// SideCode maps the wire side to the on-chain enum (0=BUY, 1=SELL).
func (o *wireOrder) SideCode() int {
	if o.Side == "SELL" {
		return 1
	}
	return 0
}

// orderPayload wraps a signed order with its owner and time-in-force.
type orderPayload struct {
	Order     wireOrder `json:"order"`
	Owner     string    `json:"owner"` // L2 api key
	OrderType string    `json:"orderType"`
}

// orderResponse is the CLOB's answer to POST /order.
type orderResponse struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	Status            string   `json:"status"` // live, matched, delayed, unmatched
	TakingAmount      string   `json:"takingAmount"`
	MakingAmount      string   `json:"makingAmount"`
	TransactionHashes []string `json:"transactionsHashes"`
}

// balanceAllowance is GET /balance-allowance for the collateral asset.
type balanceAllowance struct {
	Balance   string `json:"balance"` // USDC, 6 decimals
	Allowance string `json:"allowance"`
}

// dataPosition is one row from the data API positions endpoint.
type dataPosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"` // token id
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	CurPrice    float64 `json:"curPrice"`
	CashPnl     float64 `json:"cashPnl"`
	RealizedPnl float64 `json:"realizedPnl"`
	Redeemable  bool    `json:"redeemable"`
}

// clobTrade is one fill from GET /data/trades.
type clobTrade struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FeeRateBps   string `json:"fee_rate_bps"`
	MatchTime    string `json:"match_time"` // unix seconds
	TakerOrderID string `json:"taker_order_id"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalization
// ————————————————————————————————————————————————————————————————————————

// normalizeMarket converts a Gamma listing into the engine's Market. Markets
// that are not binary YES/NO, or whose token ids cannot be parsed, return an
// error and are skipped by the caller.
func normalizeMarket(gm gammaMarket) (types.Market, error) {
	var names, prices, tokens []string
	if err := json.Unmarshal([]byte(gm.Outcomes), &names); err != nil {
		return types.Market{}, fmt.Errorf("parse outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokens); err != nil {
		return types.Market{}, fmt.Errorf("parse token ids: %w", err)
	}
	if gm.OutcomePrices != "" {
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err != nil {
			return types.Market{}, fmt.Errorf("parse outcome prices: %w", err)
		}
	}
	if len(names) != 2 || len(tokens) != 2 {
		return types.Market{}, fmt.Errorf("market %s is not binary", gm.ConditionID)
	}

	endDate, err := time.Parse(time.RFC3339, gm.EndDateISO)
	if err != nil {
		// Some listings carry a bare date.
		endDate, err = time.Parse("2006-01-02", gm.EndDateISO)
		if err != nil {
			return types.Market{}, fmt.Errorf("parse end date %q: %w", gm.EndDateISO, err)
		}
	}

	marketID := types.GlobalID(types.VenuePolymarket, gm.ConditionID)
	outcomes := make([]types.Outcome, 2)
	for i, name := range names {
		ot := types.OutcomeNo
		if i == 0 {
			ot = types.OutcomeYes
		}
		var prob float64
		if i < len(prices) {
			prob, _ = strconv.ParseFloat(prices[i], 64)
		}
		outcomes[i] = types.Outcome{
			ID:          types.GlobalID(types.VenuePolymarket, gm.ConditionID, ot),
			ExternalID:  tokens[i],
			Name:        name,
			Type:        ot,
			Probability: prob,
		}
	}
	// Top of book from the listing applies to the YES side only.
	outcomes[0].BestBid = gm.BestBid
	outcomes[0].BestAsk = gm.BestAsk

	status := types.MarketActive
	if gm.Closed {
		status = types.MarketResolved
	} else if !gm.Active {
		status = types.MarketSuspended
	}

	return types.Market{
		ID:          marketID,
		Venue:       types.VenuePolymarket,
		ExternalID:  gm.ConditionID,
		Title:       gm.Question,
		Description: gm.Description,
		Category:    gm.Category,
		EndDate:     endDate,
		Outcomes:    outcomes,
		Volume24h:   gm.Volume24hr,
		Liquidity:   gm.Liquidity,
		Status:      status,
		IsActive:    gm.Active && !gm.Closed,
	}, nil
}

// normalizeBook converts a CLOB book. Wire levels are unsorted strings; the
// result has bids descending and asks ascending with float prices in [0,1].
func normalizeBook(wb clobBook, marketID, outcomeID string) (*types.OrderBook, error) {
	ts := time.Now()
	if ms, err := strconv.ParseInt(wb.Timestamp, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}

	book := &types.OrderBook{
		Venue:     types.VenuePolymarket,
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Bids:      parseLevels(wb.Bids, true),
		Asks:      parseLevels(wb.Asks, false),
		Timestamp: ts,
	}
	return book, nil
}

// parseLevels converts wire levels and sorts them best-first.
func parseLevels(wire []clobBookLevel, descending bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(wire))
	for _, l := range wire {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || price < 0 || price > 1 || size <= 0 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	sortLevels(levels, descending)
	return levels
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

// priceToAmounts converts price and USD size to the 6-decimal maker/taker
// amounts the exchange contract settles in.
//
// BUY:  makerAmount = USDC paid, takerAmount = tokens received
// SELL: makerAmount = tokens given, takerAmount = USDC received
func priceToAmounts(price, size float64, side types.Side) (makerAmt, takerAmt *big.Int) {
	scale := new(big.Float).SetFloat64(1e6)
	shares := roundDown(size/price, 2)

	switch side {
	case types.BUY:
		cost := roundDown(shares*price, 2)
		makerF := new(big.Float).Mul(new(big.Float).SetFloat64(cost), scale)
		makerAmt, _ = makerF.Int(nil)
		takerF := new(big.Float).Mul(new(big.Float).SetFloat64(shares), scale)
		takerAmt, _ = takerF.Int(nil)
	case types.SELL:
		makerF := new(big.Float).Mul(new(big.Float).SetFloat64(shares), scale)
		makerAmt, _ = makerF.Int(nil)
		revenue := roundDown(shares*price, 2)
		takerF := new(big.Float).Mul(new(big.Float).SetFloat64(revenue), scale)
		takerAmt, _ = takerF.Int(nil)
	}
	return makerAmt, takerAmt
}

// roundDown truncates to the given number of decimal places.
func roundDown(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Floor(val*pow) / pow
}

// normalizeOrderStatus maps CLOB statuses onto the engine's lifecycle.
func normalizeOrderStatus(s string) types.OrderStatus {
	switch s {
	case "live", "delayed":
		return types.OrderStatusOpen
	case "matched":
		return types.OrderStatusFilled
	case "unmatched":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}
