package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker represents current price data for one symbol
type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candle is a single OHLCV bar
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// FundingRate is the current funding state of a perpetual contract
type FundingRate struct {
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
}

// Balance is the futures account balance in the quote currency
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	UnrealPnL decimal.Decimal `json:"unreal_pnl"`
}

// Equity returns total balance plus unrealized PnL.
func (b *Balance) Equity() decimal.Decimal {
	return b.Total.Add(b.UnrealPnL)
}

// RateLimits is the exchange-advertised request budget: a weight budget
// per minute and an order-count budget per 10 seconds.
type RateLimits struct {
	WeightPerMinute int `json:"weight_per_minute"`
	OrdersPer10s    int `json:"orders_per_10s"`
}
