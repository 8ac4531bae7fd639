package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perp_go/internal/domain"
)

// Published request budgets for the futures V2 API. The API does not
// advertise these at runtime, so FetchRateLimits reports the documented
// values after a connectivity check.
const (
	docWeightPerMinute = 1200
	docOrdersPer10s    = 50
)

// Client is the Bitget USDT-futures V2 REST adapter. It is the only
// place that knows the wire format; everything above it speaks
// domain.ExchangeClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	logger     *slog.Logger
}

var _ domain.ExchangeClient = (*Client)(nil)

// NewClient creates a Bitget futures API client.
func NewClient(baseURL, accessKey, secretKey, passphrase string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer: NewSigner(accessKey, secretKey, passphrase),
		logger: slog.Default().With("module", "bitget_client"),
	}
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginMode  string `json:"marginMode"`
	MarginCoin  string `json:"marginCoin"`
	Side        string `json:"side"`      // buy, sell
	OrderType   string `json:"orderType"` // limit, market
	Force       string `json:"force"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	ClientOid   string `json:"clientOid"`
	ReduceOnly  string `json:"reduceOnly"`
}

// PlaceOrder submits an order. The intent's ClientOrderID is forwarded as
// clientOid so later lookups can find the order.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	reduceOnly := "NO"
	if intent.ReduceOnly {
		reduceOnly = "YES"
	}
	req := placeOrderRequest{
		Symbol:      intent.Symbol,
		ProductType: productType,
		MarginMode:  "crossed",
		MarginCoin:  marginCoin,
		Side:        toWireSide(intent.Side),
		OrderType:   toWireOrderType(intent.Type),
		Force:       "gtc",
		Size:        intent.Quantity.String(),
		ClientOid:   intent.ClientOrderID,
		ReduceOnly:  reduceOnly,
	}
	if intent.Type == domain.OrderTypeLimit {
		req.Price = intent.Price.String()
	}

	var data struct {
		OrderId   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, req, &data); err != nil {
		return nil, err
	}

	c.logger.Info("order placed", "symbol", intent.Symbol, "client_oid", data.ClientOid)
	return &domain.Order{
		ID:            data.OrderId,
		ClientOrderID: data.ClientOid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		Status:        domain.OrderStatusNew,
		ReduceOnly:    intent.ReduceOnly,
		CreatedAt:     time.Now(),
	}, nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	req := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"clientOid":   clientOrderID,
	}
	var data struct {
		OrderId   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, req, &data); err != nil {
		return nil, err
	}
	return &domain.Order{
		ID:            data.OrderId,
		ClientOrderID: data.ClientOid,
		Symbol:        symbol,
		Status:        domain.OrderStatusCanceled,
	}, nil
}

// FetchOrder fetches a single order by client order id.
func (c *Client) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	query := url.Values{
		"symbol":      {symbol},
		"productType": {productType},
		"clientOid":   {clientOrderID},
	}
	var data orderData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/detail", query, nil, &data); err != nil {
		return nil, err
	}
	if data.OrderId == "" && data.ClientOid == "" {
		return nil, domain.ErrOrderNotFound
	}
	return data.toDomainOrder(), nil
}

// FetchOpenOrders lists currently open orders. Empty symbol means all.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	query := url.Values{"productType": {productType}}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var data struct {
		EntrustedList []orderData `json:"entrustedList"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-pending", query, nil, &data); err != nil {
		return nil, err
	}
	orders := make([]*domain.Order, 0, len(data.EntrustedList))
	for _, d := range data.EntrustedList {
		orders = append(orders, d.toDomainOrder())
	}
	return orders, nil
}

// FetchRecentOrders lists the most recent orders of any status, newest first.
func (c *Client) FetchRecentOrders(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	query := url.Values{"productType": {productType}}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var data struct {
		EntrustedList []orderData `json:"entrustedList"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-history", query, nil, &data); err != nil {
		return nil, err
	}
	orders := make([]*domain.Order, 0, len(data.EntrustedList))
	for _, d := range data.EntrustedList {
		orders = append(orders, d.toDomainOrder())
	}
	return orders, nil
}

// CancelAllOrders cancels every open order for one symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	req := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-all-orders", nil, req, nil)
}

// FetchPositions lists all open positions.
func (c *Client) FetchPositions(ctx context.Context) ([]*domain.Position, error) {
	query := url.Values{
		"productType": {productType},
		"marginCoin":  {marginCoin},
	}
	var data []positionData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", query, nil, &data); err != nil {
		return nil, err
	}
	positions := make([]*domain.Position, 0, len(data))
	for _, d := range data {
		positions = append(positions, d.toDomainPosition())
	}
	return positions, nil
}

// FetchBalance returns the USDT futures account balance.
func (c *Client) FetchBalance(ctx context.Context) (*domain.Balance, error) {
	query := url.Values{"productType": {productType}}
	var data []accountData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/account/accounts", query, nil, &data); err != nil {
		return nil, err
	}
	for _, acc := range data {
		if acc.MarginCoin == marginCoin {
			return &domain.Balance{
				Asset:     acc.MarginCoin,
				Total:     parseDecimal(acc.AccountEquity),
				Available: parseDecimal(acc.Available),
				UnrealPnL: parseDecimal(acc.UnrealizedPL),
			}, nil
		}
	}
	return nil, fmt.Errorf("no %s account in response", marginCoin)
}

// FetchTicker returns current price data for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	query := url.Values{
		"symbol":      {symbol},
		"productType": {productType},
	}
	var data []tickerData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", query, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty ticker response for %s", symbol)
	}
	d := data[0]
	return &domain.Ticker{
		Symbol:    d.Symbol,
		LastPrice: parseDecimal(d.LastPr),
		MarkPrice: parseDecimal(d.MarkPrice),
		BidPrice:  parseDecimal(d.BidPr),
		AskPrice:  parseDecimal(d.AskPr),
		Volume24h: parseDecimal(d.BaseVolume),
		Timestamp: parseMillis(d.Ts),
	}, nil
}

// FetchOHLCV returns recent candles. interval uses the exchange's
// granularity strings (1m, 5m, 1H, ...).
func (c *Client) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	query := url.Values{
		"symbol":      {symbol},
		"productType": {productType},
		"granularity": {interval},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	// Candles arrive as arrays: [ts, open, high, low, close, baseVol, quoteVol]
	var data [][]string
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/candles", query, nil, &data); err != nil {
		return nil, err
	}
	candles := make([]*domain.Candle, 0, len(data))
	for _, row := range data {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, &domain.Candle{
			OpenTime: parseMillis(row[0]),
			Open:     parseDecimal(row[1]),
			High:     parseDecimal(row[2]),
			Low:      parseDecimal(row[3]),
			Close:    parseDecimal(row[4]),
			Volume:   parseDecimal(row[5]),
		})
	}
	return candles, nil
}

// FetchFundingRate returns the current funding rate of one contract.
func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	query := url.Values{
		"symbol":      {symbol},
		"productType": {productType},
	}
	var data []fundingData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/current-fund-rate", query, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty funding rate response for %s", symbol)
	}
	d := data[0]
	return &domain.FundingRate{
		Symbol:          d.Symbol,
		Rate:            parseDecimal(d.FundingRate),
		NextFundingTime: parseMillis(d.NextUpdate),
	}, nil
}

// FetchRateLimits reports the request budgets for this API. The exchange
// does not expose them at runtime, so a connectivity check is made and
// the documented values are returned.
func (c *Client) FetchRateLimits(ctx context.Context) (*domain.RateLimits, error) {
	var data struct {
		ServerTime string `json:"serverTime"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/public/time", nil, nil, &data); err != nil {
		return nil, err
	}
	return &domain.RateLimits{
		WeightPerMinute: docWeightPerMinute,
		OrdersPer10s:    docOrdersPer10s,
	}, nil
}

func toWireSide(side string) string {
	if side == domain.SideSell {
		return "sell"
	}
	return "buy"
}

func toWireOrderType(orderType string) string {
	if orderType == domain.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

// doRequest signs and sends one request, classifying failures:
// transport errors, 429 and 5xx responses are retriable NetworkErrors;
// other HTTP failures are fatal; business rejections become
// ExchangeErrors. out may be nil when the caller only needs the status.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(jsonBytes)
		bodyStr = string(jsonBytes)
	}

	queryStr := query.Encode()
	reqURL := c.baseURL + path
	if queryStr != "" {
		reqURL += "?" + queryStr
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.signer.GenerateHeaders(method, path, queryStr, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError(path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError(path, err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := fmt.Errorf("http %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.NewNetworkError(path, httpErr)
		}
		return domain.NewFatalNetworkError(path, httpErr)
	}

	var envelope apiResponse
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return domain.NewNetworkError(path, fmt.Errorf("malformed response: %w", err))
	}
	if envelope.Code != successCode {
		if envelope.Code == codeOrderNotFound {
			return domain.ErrOrderNotFound
		}
		return &domain.ExchangeError{Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return domain.NewNetworkError(path, fmt.Errorf("malformed data field: %w", err))
		}
	}
	return nil
}
