// Package tradesim is a Go client for the tradesim-server HTTP API. It
// implements the same Broker surface the server exposes, so code written
// against the emulator can run remotely.
package tradesim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tradesim/internal/broker"
	"tradesim/internal/domain"
	"tradesim/internal/engine"
	"tradesim/internal/live"
)

var (
	_ broker.Broker      = (*Client)(nil)
	_ broker.CashManager = (*Client)(nil)
)

// Client provides a Go SDK for interacting with the tradesim-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradesim API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response. It unwraps to the domain sentinel that
// matches its status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradesim: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusConflict:
		return domain.ErrInvalidTransition
	case http.StatusNotImplemented:
		return domain.ErrUnsupported
	}
	return nil
}

// Name returns "remote".
func (c *Client) Name() string { return "remote" }

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// GetAccount retrieves account information.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var acct domain.Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID), nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetPositions retrieves the account's open positions.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	var positions []domain.Position
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/positions", nil, nil, &positions)
	return positions, err
}

// GetOrders retrieves the account's orders, newest first.
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/orders", nil, nil, &orders)
	return orders, err
}

// GetTransactions retrieves the cash ledger in [start, end]. Zero times
// leave that side open.
func (c *Client) GetTransactions(ctx context.Context, accountID string, start, end time.Time) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/transactions", rangeQuery(start, end), nil, &txs)
	return txs, err
}

// Deposit credits cash to the account.
func (c *Client) Deposit(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return c.cash(ctx, accountID, "deposits", amount)
}

// Withdraw debits cash from the account.
func (c *Client) Withdraw(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return c.cash(ctx, accountID, "withdrawals", amount)
}

func (c *Client) cash(ctx context.Context, accountID, kind string, amount float64) (*domain.Transaction, error) {
	var tx domain.Transaction
	body := map[string]float64{"amount": amount}
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts/"+url.PathEscape(accountID)+"/"+kind, nil, body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder submits a new order.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder retrieves one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetQuote retrieves the latest quote.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var q domain.Quote
	if err := c.do(ctx, http.MethodGet, "/api/v1/quotes/"+url.PathEscape(symbol), nil, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetOrderBook retrieves up to depth levels per side. Zero uses the server
// default.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	var book domain.OrderBook
	if err := c.do(ctx, http.MethodGet, "/api/v1/orderbook/"+url.PathEscape(symbol), intQuery("depth", depth), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetRecentTrades retrieves the latest trades in symbol.
func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := c.do(ctx, http.MethodGet, "/api/v1/trades/"+url.PathEscape(symbol), intQuery("limit", limit), nil, &trades)
	return trades, err
}

// GetBars retrieves bars in [start, end] at timeframe.
func (c *Client) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]domain.Bar, error) {
	q := rangeQuery(start, end)
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	var bars []domain.Bar
	err := c.do(ctx, http.MethodGet, "/api/v1/bars/"+url.PathEscape(symbol), q, nil, &bars)
	return bars, err
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// Status retrieves emulator status.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save forces a snapshot.
func (c *Client) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/save", nil, nil, nil)
}

// Reset wipes and reseeds the emulator ledger.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/reset", nil, nil, nil)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Events streams live events over WebSocket until ctx is canceled, fn returns
// an error, or the server closes the connection. types filters by event type
// or key; empty means everything.
func (c *Client) Events(ctx context.Context, types []string, fn func(live.Event) error) error {
	u := c.baseURL + "/api/v1/events"
	if len(types) > 0 {
		u += "?" + url.Values{"type": types}.Encode()
	}
	u = strings.Replace(u, "http", "ws", 1)

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.CloseNow()

	for {
		var evt live.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(evt); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func rangeQuery(start, end time.Time) url.Values {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339Nano))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339Nano))
	}
	return q
}

func intQuery(name string, n int) url.Values {
	if n <= 0 {
		return nil
	}
	return url.Values{name: {strconv.Itoa(n)}}
}
