// Package delta implements the exchange gateway for Delta Exchange derivatives.
package delta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"breakout-core/pkg/exchanges/common"
)

const venue = "delta"

// DefaultBaseURL is the production India endpoint.
const DefaultBaseURL = "https://api.india.delta.exchange"

// Config holds Delta Exchange credentials and transport settings.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration // per HTTP request
	RateLimit float64       // requests per second
	Burst     int
	UserAgent string
}

// Client talks to the Delta Exchange REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      *common.ClockSkew

	mu       sync.RWMutex
	products map[string]int // symbol -> product id
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "breakout-core"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		clock:      common.NewClockSkew(),
		products:   make(map[string]int),
	}
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	productID, err := c.resolveProduct(ctx, req.Symbol, req.ProductID)
	if err != nil {
		return common.OrderResult{}, err
	}
	body := map[string]any{
		"product_id": productID,
		"side":       toSide(req.Side),
		"size":       req.Qty,
	}
	switch req.Type {
	case common.OrderTypeMarket:
		body["order_type"] = "market_order"
	case common.OrderTypeLimit:
		body["order_type"] = "limit_order"
		body["limit_price"] = formatPrice(req.Price)
	case common.OrderTypeStopLimit:
		body["order_type"] = "limit_order"
		body["limit_price"] = formatPrice(req.Price)
		body["stop_price"] = formatPrice(req.StopPrice)
		body["stop_order_type"] = "stop_loss_order"
		body["stop_trigger_method"] = "last_traded_price"
	case common.OrderTypeStopMarket:
		body["order_type"] = "market_order"
		body["stop_price"] = formatPrice(req.StopPrice)
		body["stop_order_type"] = "stop_loss_order"
		body["stop_trigger_method"] = "last_traded_price"
	case common.OrderTypeTakeProfitMarket:
		body["order_type"] = "market_order"
		body["stop_price"] = formatPrice(req.StopPrice)
		body["stop_order_type"] = "take_profit_order"
		body["stop_trigger_method"] = "last_traded_price"
	default:
		return common.OrderResult{}, fmt.Errorf("delta: unsupported order type %q", req.Type)
	}
	if req.TimeInForce != "" {
		body["time_in_force"] = strings.ToLower(string(req.TimeInForce))
	}
	body["reduce_only"] = strconv.FormatBool(req.ReduceOnly)
	if req.ClientID != "" {
		body["client_order_id"] = req.ClientID
	}

	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/v2/orders", nil, body, &resp); err != nil {
		return common.OrderResult{}, err
	}
	st := resp.state()
	return common.OrderResult{
		ExchangeOrderID: st.ExchangeOrderID,
		Status:          st.Status,
		ClientID:        resp.ClientOrderID,
	}, nil
}

// GetOrderState fetches a single order.
func (c *Client) GetOrderState(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	var resp orderResp
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(exchangeOrderID), nil, nil, &resp); err != nil {
		return common.OrderState{}, err
	}
	return resp.state(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	productID, err := c.resolveProduct(ctx, symbol, 0)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("delta: invalid order id %q: %w", exchangeOrderID, err)
	}
	body := map[string]any{"id": id, "product_id": productID}
	return c.do(ctx, http.MethodDelete, "/v2/orders", nil, body, nil)
}

// CancelAllOpenOrders cancels every open order for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	productID, err := c.resolveProduct(ctx, symbol, 0)
	if err != nil {
		return err
	}
	body := map[string]any{"product_id": productID}
	return c.do(ctx, http.MethodDelete, "/v2/orders/all", nil, body, nil)
}

// GetPrice returns the last traded price, falling back to the mark price.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var resp tickerResp
	if err := c.do(ctx, http.MethodGet, "/v2/tickers/"+url.PathEscape(symbol), nil, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Close > 0 {
		return float64(resp.Close), nil
	}
	if resp.MarkPrice > 0 {
		return float64(resp.MarkPrice), nil
	}
	return 0, fmt.Errorf("delta: ticker %s has no price", symbol)
}

// GetCandles returns bars with open time in [end-count*resolution, end).
func (c *Client) GetCandles(ctx context.Context, symbol string, resolution time.Duration, end time.Time, count int) ([]common.Candle, error) {
	res, ok := resolutionParam(resolution)
	if !ok {
		return nil, fmt.Errorf("delta: unsupported resolution %s", resolution)
	}
	if count <= 0 {
		return nil, nil
	}
	start := end.Add(-time.Duration(count) * resolution)
	q := url.Values{}
	q.Set("resolution", res)
	q.Set("symbol", symbol)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	// end is inclusive on the venue side
	q.Set("end", strconv.FormatInt(end.Unix()-1, 10))

	var rows []candleResp
	if err := c.do(ctx, http.MethodGet, "/v2/history/candles", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]common.Candle, 0, len(rows))
	for _, r := range rows {
		t := time.Unix(r.Time, 0).UTC()
		if t.Before(start) || !t.Before(end) {
			continue
		}
		out = append(out, common.Candle{
			Time:   t,
			Open:   float64(r.Open),
			High:   float64(r.High),
			Low:    float64(r.Low),
			Close:  float64(r.Close),
			Volume: float64(r.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// GetPosition returns the open position for a symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (common.Position, error) {
	productID, err := c.resolveProduct(ctx, symbol, 0)
	if err != nil {
		return common.Position{}, err
	}
	q := url.Values{}
	q.Set("product_id", strconv.Itoa(productID))
	var resp positionResp
	if err := c.do(ctx, http.MethodGet, "/v2/positions", q, nil, &resp); err != nil {
		return common.Position{}, err
	}
	pos := common.Position{Symbol: symbol, EntryPrice: float64(resp.EntryPrice)}
	switch size := float64(resp.Size); {
	case size > 0:
		pos.Side, pos.Size = common.SideBuy, size
	case size < 0:
		pos.Side, pos.Size = common.SideSell, -size
	}
	return pos, nil
}

// GetOpenOrders lists open and untriggered orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	productID, err := c.resolveProduct(ctx, symbol, 0)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("product_ids", strconv.Itoa(productID))
	q.Set("states", "open,pending")
	var rows []orderResp
	if err := c.do(ctx, http.MethodGet, "/v2/orders", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(rows))
	for _, r := range rows {
		o := r.openOrder()
		if o.Symbol == "" {
			o.Symbol = symbol
		}
		out = append(out, o)
	}
	return out, nil
}

// resolveProduct returns the product id for symbol, preferring a caller
// supplied id and caching lookups.
func (c *Client) resolveProduct(ctx context.Context, symbol string, hint int) (int, error) {
	if hint > 0 {
		c.mu.Lock()
		c.products[symbol] = hint
		c.mu.Unlock()
		return hint, nil
	}
	c.mu.RLock()
	id, ok := c.products[symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	var resp productResp
	if err := c.do(ctx, http.MethodGet, "/v2/products/"+url.PathEscape(symbol), nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("resolve product %s: %w", symbol, err)
	}
	if resp.ID == 0 {
		return 0, fmt.Errorf("delta: unknown product %s", symbol)
	}
	c.mu.Lock()
	c.products[symbol] = resp.ID
	c.mu.Unlock()
	return resp.ID, nil
}

// do performs a signed request and decodes result into out. A request
// rejected for an expired signature is retried once after resyncing the
// clock from the venue's reported server time.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}
	err := c.doOnce(ctx, method, path, query, payload, out)
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "expired_signature" {
		return c.doOnce(ctx, method, path, query, payload, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var qs string
	if len(query) > 0 {
		qs = "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path+qs, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(c.clock.Now().Unix(), 10)
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", sign(method+timestamp+path+qs+string(payload), c.cfg.APISecret))
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/json")

	sent := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delta %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	received := time.Now()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("delta %s %s read body: %w", method, path, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)
	if res.StatusCode >= 300 || (env.Error != nil && !env.Success) {
		return c.classify(res.StatusCode, env.Error, raw, sent, received)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("delta %s %s decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) classify(status int, body *apiErrBody, raw []byte, sent, received time.Time) error {
	var code string
	if body != nil {
		code = body.Code
		if code == "expired_signature" && body.Context.ServerTime > 0 {
			c.clock.Observe(time.Unix(body.Context.ServerTime, 0), sent, received)
		}
	}
	var cause error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		code == "invalid_api_key", code == "unauthorized", code == "ip_not_whitelisted_for_api_key",
		code == "Signature Mismatch", code == "signature_mismatch":
		cause = common.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		cause = common.ErrRateLimited
	case status == http.StatusNotFound, code == "order_not_found", code == "open_order_not_found":
		cause = common.ErrOrderNotFound
	}
	return common.NewAPIError(venue, status, code, strings.TrimSpace(string(raw)), cause)
}
