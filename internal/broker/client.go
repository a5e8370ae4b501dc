// Package broker provides the REST client for the exchange-connected broker
// API: quotes, historical candles, the instrument master, and order
// placement. The wire schemas are externally defined and kept behind typed
// records validated at decode time.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"nifty-strangler/internal/models"
)

const defaultBaseURL = "https://api.kite.trade"

const defaultTimeout = 15 * time.Second

// Client is the raw HTTP client for the broker REST API. It performs no
// retries, caching, or pacing; the gateway layer owns all of that.
type Client struct {
	client      *http.Client
	apiKey      string
	accessToken string
	accountID   string
	baseURL     string
}

// NewClient creates a broker client authenticated with API key + session
// access token.
func NewClient(apiKey, accessToken, accountID, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client:      &http.Client{Timeout: defaultTimeout},
		apiKey:      apiKey,
		accessToken: accessToken,
		accountID:   accountID,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// WithHTTPClient swaps the underlying HTTP client (used by tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.client = hc
	}
	return c
}

// envelope is the standard response wrapper used by every endpoint.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// GetQuote fetches the last traded price for one symbol.
func (c *Client) GetQuote(ctx context.Context, exchange, symbol string) (*models.Quote, error) {
	key := exchange + ":" + symbol
	params := url.Values{}
	params.Set("i", key)

	var data map[string]quoteRecord
	if err := c.get(ctx, "/quote/ltp", params, &data); err != nil {
		return nil, fmt.Errorf("quote %s: %w", key, err)
	}
	rec, ok := data[key]
	if !ok {
		return nil, &FieldError{Record: "quote", Field: key}
	}
	if rec.LastPrice == nil {
		return nil, &FieldError{Record: "quote", Field: "last_price"}
	}
	return &models.Quote{
		Symbol:    symbol,
		LastPrice: *rec.LastPrice,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// GetCandles fetches historical bars for a symbol over [from, to].
func (c *Client) GetCandles(ctx context.Context, exchange, symbol, interval string,
	from, to time.Time) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("from", from.Format("2006-01-02 15:04:05"))
	params.Set("to", to.Format("2006-01-02 15:04:05"))

	endpoint := fmt.Sprintf("/historical/%s/%s/%s",
		url.PathEscape(exchange), url.PathEscape(symbol), url.PathEscape(interval))

	var data struct {
		Candles []candleRecord `json:"candles"`
	}
	if err := c.get(ctx, endpoint, params, &data); err != nil {
		return nil, fmt.Errorf("candles %s:%s: %w", exchange, symbol, err)
	}

	candles := make([]models.Candle, 0, len(data.Candles))
	for i := range data.Candles {
		cd, err := data.Candles[i].toCandle()
		if err != nil {
			return nil, err
		}
		candles = append(candles, cd)
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

// GetInstruments fetches the option instrument master for an underlying on
// one exchange. Malformed rows fail the whole call rather than being
// silently dropped.
func (c *Client) GetInstruments(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error) {
	params := url.Values{}
	params.Set("name", underlying)

	var data []instrumentRecord
	if err := c.get(ctx, "/instruments/"+url.PathEscape(exchange), params, &data); err != nil {
		return nil, fmt.Errorf("instruments %s %s: %w", exchange, underlying, err)
	}

	contracts := make([]models.OptionContract, 0, len(data))
	for i := range data {
		contract, err := data[i].toContract()
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

// PlaceOrder submits one order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	variety := p.Variety
	if variety == "" {
		variety = VarietyRegular
	}
	form := url.Values{}
	form.Set("exchange", p.Exchange)
	form.Set("tradingsymbol", p.TradingSymbol)
	form.Set("transaction_type", p.TransactionType)
	form.Set("quantity", strconv.Itoa(p.Quantity))
	form.Set("product", p.Product)
	form.Set("order_type", p.OrderType)
	if p.Price > 0 {
		form.Set("price", formatPrice(p.Price))
	}
	if p.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(p.TriggerPrice))
	}
	if p.Validity != "" {
		form.Set("validity", p.Validity)
	}
	if p.Tag != "" {
		form.Set("tag", p.Tag)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.request(ctx, http.MethodPost, "/orders/"+url.PathEscape(variety), form, &data); err != nil {
		return "", fmt.Errorf("place %s %s %s: %w", p.TransactionType, p.TradingSymbol, p.OrderType, err)
	}
	if data.OrderID == "" {
		return "", &FieldError{Record: "order", Field: "order_id"}
	}
	return data.OrderID, nil
}

// ModifyOrder updates the price/trigger of a working order.
func (c *Client) ModifyOrder(ctx context.Context, variety, orderID string, p ModifyParams) error {
	form := url.Values{}
	if p.Price > 0 {
		form.Set("price", formatPrice(p.Price))
	}
	if p.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(p.TriggerPrice))
	}
	if p.Quantity > 0 {
		form.Set("quantity", strconv.Itoa(p.Quantity))
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	endpoint := fmt.Sprintf("/orders/%s/%s", url.PathEscape(variety), url.PathEscape(orderID))
	if err := c.request(ctx, http.MethodPut, endpoint, form, &data); err != nil {
		return fmt.Errorf("modify order %s: %w", orderID, err)
	}
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, variety, orderID string) error {
	var data struct {
		OrderID string `json:"order_id"`
	}
	endpoint := fmt.Sprintf("/orders/%s/%s", url.PathEscape(variety), url.PathEscape(orderID))
	if err := c.request(ctx, http.MethodDelete, endpoint, nil, &data); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus returns the latest state of an order. The broker returns
// the full order history; the last entry is the current state.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	var data []Order
	if err := c.get(ctx, "/orders/"+url.PathEscape(orderID), nil, &data); err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if len(data) == 0 {
		return nil, &FieldError{Record: "order", Field: "history"}
	}
	order := data[len(data)-1]
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetPositions returns the net positions book.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var data struct {
		Net []Position `json:"net"`
	}
	if err := c.get(ctx, "/portfolio/positions", nil, &data); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	for i := range data.Net {
		if err := data.Net[i].Validate(); err != nil {
			return nil, err
		}
	}
	return data.Net, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	target := endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.request(ctx, http.MethodGet, target, nil, out)
}

// request performs one HTTP round trip and decodes the standard envelope.
// Non-2xx responses become *APIError with the body attached so the retry
// layer can classify them.
func (c *Client) request(ctx context.Context, method, endpoint string, form url.Values, out interface{}) error {
	var req *http.Request
	var err error

	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nifty-strangler/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode,
			Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	var env envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, endpoint, err)
	}
	if env.Status != "" && env.Status != "success" {
		return fmt.Errorf("%s %s: broker status %q: %s", method, endpoint, env.Status, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding %s %s data: %w", method, endpoint, err)
	}
	return nil
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
