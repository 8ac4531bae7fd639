package bitget

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"perp_go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// USDT-margined perpetual futures
	productType = "USDT-FUTURES"
	marginCoin  = "USDT"

	successCode = "00000"

	// Business codes the adapter maps to well-known errors
	codeOrderNotFound = "40768"

	maxRetriesWS = 10
	baseDelay    = 1 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// apiResponse is the common V2 envelope
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type orderData struct {
	OrderId    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`      // buy, sell
	OrderType  string `json:"orderType"` // limit, market
	Size       string `json:"size"`
	Price      string `json:"price"`
	BaseVolume string `json:"baseVolume"` // filled quantity
	Status     string `json:"status"`
	ReduceOnly string `json:"reduceOnly"` // YES / NO
	CTime      string `json:"cTime"`      // Unix millis
}

type positionData struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"` // long, short
	Total        string `json:"total"`    // contracts
	OpenPriceAvg string `json:"openPriceAvg"`
	MarkPrice    string `json:"markPrice"`
	UnrealizedPL string `json:"unrealizedPL"`
}

type accountData struct {
	MarginCoin   string `json:"marginCoin"`
	Available    string `json:"available"`
	AccountEquity string `json:"accountEquity"`
	UnrealizedPL string `json:"unrealizedPL"`
}

type tickerData struct {
	Symbol     string `json:"symbol"`
	LastPr     string `json:"lastPr"`
	MarkPrice  string `json:"markPrice"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	BaseVolume string `json:"baseVolume"`
	Ts         string `json:"ts"`
}

type fundingData struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	NextUpdate  string `json:"nextUpdate"` // Unix millis
}

// WS subscription structures
type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

type wsTickerResponse struct {
	Action string       `json:"action"`
	Arg    subscribeArg `json:"arg"`
	Data   []tickerData `json:"data"`
	Ts     int64        `json:"ts"`
}

// parseDecimal tolerates empty strings; malformed values come back zero.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseMillis converts a Unix-milliseconds string to time.Time.
func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// toOrderStatus maps the exchange's status strings onto the domain's.
func toOrderStatus(s string) string {
	switch strings.ToLower(s) {
	case "live", "new", "init":
		return domain.OrderStatusNew
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled":
		return domain.OrderStatusCanceled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return strings.ToUpper(s)
	}
}

func toSide(s string) string {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func toOrderType(s string) string {
	if strings.EqualFold(s, "market") {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

// toDomainOrder converts one wire order into the domain model.
func (d orderData) toDomainOrder() *domain.Order {
	return &domain.Order{
		ID:            d.OrderId,
		ClientOrderID: d.ClientOid,
		Symbol:        d.Symbol,
		Side:          toSide(d.Side),
		Type:          toOrderType(d.OrderType),
		Quantity:      parseDecimal(d.Size),
		Price:         parseDecimal(d.Price),
		FilledQty:     parseDecimal(d.BaseVolume),
		Status:        toOrderStatus(d.Status),
		ReduceOnly:    strings.EqualFold(d.ReduceOnly, "YES"),
		CreatedAt:     parseMillis(d.CTime),
	}
}

// toDomainPosition converts one wire position into the domain model.
// Notional is signed: negative for shorts.
func (d positionData) toDomainPosition() *domain.Position {
	side := domain.PositionLong
	if strings.EqualFold(d.HoldSide, "short") {
		side = domain.PositionShort
	}
	contracts := parseDecimal(d.Total)
	mark := parseDecimal(d.MarkPrice)
	notional := contracts.Mul(mark)
	if side == domain.PositionShort {
		notional = notional.Neg()
	}
	return &domain.Position{
		Symbol:     d.Symbol,
		Side:       side,
		Contracts:  contracts,
		EntryPrice: parseDecimal(d.OpenPriceAvg),
		MarkPrice:  mark,
		Notional:   notional,
		UnrealPnL:  parseDecimal(d.UnrealizedPL),
	}
}
