// Package autotrade is a Go client for the trading engine's read-only HTTP
// API.
package autotrade

import (
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
)

// Client provides a Go SDK for interacting with the engine's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("autotrade api: %d %s", e.StatusCode, e.Message)
}

// Heartbeat is the engine's liveness snapshot.
type Heartbeat struct {
	LastTick      time.Time `json:"last_tick"`
	Ticks         int64     `json:"ticks"`
	Mode          string    `json:"mode"`
	Enabled       bool      `json:"enabled"`
	Session       string    `json:"session"`
	OpenPositions int       `json:"open_positions"`
	OrdersToday   int       `json:"orders_today"`
	LossToday     float64   `json:"loss_today_krw"`
	CooldownUntil time.Time `json:"cooldown_until"`
	ScanBlocked   string    `json:"scan_blocked,omitempty"`
	ExitsHeld     []string  `json:"exits_held,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	IntervalSec   int       `json:"interval_seconds"`
}

// Health is the /health response. Status is "ok" or "stale".
type Health struct {
	Status    string    `json:"status"`
	Now       time.Time `json:"now"`
	Heartbeat Heartbeat `json:"heartbeat"`
}

// Position is a managed holding.
type Position struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	Reconciling   bool      `json:"reconciling"`
	Qty           int64     `json:"qty"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	StopPrice     float64   `json:"stop_price"`
	TargetPrice   float64   `json:"target_price"`
	LastPrice     float64   `json:"last_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	ExitPrice     float64   `json:"exit_price"`
	ExitTime      time.Time `json:"exit_time"`
	RealizedPnL   float64   `json:"realized_pnl"`
	ExitReason    string    `json:"exit_reason,omitempty"`
}

// StageResult is one strategy stage outcome.
type StageResult struct {
	Stage   string  `json:"stage"`
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Blocker string  `json:"blocker,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// Signal is a recorded candidate evaluation.
type Signal struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"`
	CreatedAt  time.Time     `json:"created_at"`
	Decision   string        `json:"decision"`
	Stage      string        `json:"stage,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Score      float64       `json:"score"`
	Results    []StageResult `json:"results"`
	PositionID string        `json:"position_id,omitempty"`
}

// Trade is a fill record.
type Trade struct {
	ID            string    `json:"id"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"`
	Fees          float64   `json:"fees"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
	BrokerOrderID string    `json:"broker_order_id"`
	ClientOrderID string    `json:"client_order_id"`
	ResultCode    string    `json:"result_code"`
}

// Diagnosis explains whether the engine would order a symbol right now.
type Diagnosis struct {
	Symbol          string        `json:"symbol"`
	Results         []StageResult `json:"results"`
	Score           float64       `json:"score"`
	Passed          bool          `json:"passed"`
	CanAutoOrderNow bool          `json:"can_auto_order_now"`
	Stage           string        `json:"stage,omitempty"`
	Blocker         string        `json:"blocker,omitempty"`
	Detail          string        `json:"detail,omitempty"`
}

// Summary is one report bucket.
type Summary struct {
	Period         string  `json:"period"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	TotalProfit    float64 `json:"total_profit"`
	TotalLoss      float64 `json:"total_loss"`
	NetPnL         float64 `json:"net_pnl"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgHoldingMin  float64 `json:"avg_holding_minutes"`
	MaxDrawdownEst float64 `json:"mdd_estimate"`
}

// Contribution is one symbol's share of a report.
type Contribution struct {
	Symbol     string  `json:"symbol"`
	Trades     int     `json:"trades"`
	NetPnL     float64 `json:"net_pnl"`
	WinRatePct float64 `json:"win_rate_pct"`
}

// Report is a period performance report.
type Report struct {
	Period  string         `json:"period"`
	Rows    []Summary      `json:"rows"`
	Total   Summary        `json:"total"`
	Symbols []Contribution `json:"symbols"`
}

// DateRange bounds list queries by market-local calendar day, inclusive.
// Zero values let the server pick its default window.
type DateRange struct {
	From, To time.Time
}

func (r DateRange) values() url.Values {
	v := url.Values{}
	if !r.From.IsZero() {
		v.Set("from", r.From.Format("2006-01-02"))
	}
	if !r.To.IsZero() {
		v.Set("to", r.To.Format("2006-01-02"))
	}
	return v
}

// Health returns the engine heartbeat. A stale engine is not an error: the
// returned Health has Status "stale".
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.get(ctx, "/health", nil, &h)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && h.Status != "" {
		return &h, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Positions returns the active positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.get(ctx, "/api/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// ClosedPositions returns the positions closed within r.
func (c *Client) ClosedPositions(ctx context.Context, r DateRange) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.get(ctx, "/api/positions/closed", r.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// Signals returns the most recent signals, newest first. An empty symbol
// matches every symbol; limit <= 0 uses the server default.
func (c *Client) Signals(ctx context.Context, symbol string, limit int) ([]Signal, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Signals []Signal `json:"signals"`
	}
	if err := c.get(ctx, "/api/signals", q, &resp); err != nil {
		return nil, err
	}
	return resp.Signals, nil
}

// Trades returns the fills within r.
func (c *Client) Trades(ctx context.Context, r DateRange) ([]Trade, error) {
	var resp struct {
		Trades []Trade `json:"trades"`
	}
	if err := c.get(ctx, "/api/trades", r.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// Diagnosis asks the engine to evaluate every universe symbol now.
func (c *Client) Diagnosis(ctx context.Context) ([]Diagnosis, error) {
	var resp struct {
		Symbols []Diagnosis `json:"symbols"`
	}
	if err := c.get(ctx, "/api/diagnosis", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// Report returns a performance report bucketed by period (D, M, Q or Y).
func (c *Client) Report(ctx context.Context, period string, r DateRange) (*Report, error) {
	q := r.values()
	if period != "" {
		q.Set("period", period)
	}
	var rep Report
	if err := c.get(ctx, "/api/report", q, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// get decodes the JSON body into out. Non-2xx responses return *APIError;
// the body is still decoded into out when it is JSON.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		json.Unmarshal(body, out)
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
