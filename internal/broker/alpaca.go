package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"autotrade/internal/domain"
)

// Compile-time interface check.
var _ Transport = (*AlpacaBroker)(nil)

// AlpacaBroker implements Transport using the Alpaca brokerage API. Quotes
// come from market-data snapshots; orders carry the client order id so the
// broker itself deduplicates resubmissions.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	now     func() time.Time
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(dataOpts),
		now:  time.Now,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Authenticate verifies the key pair by reading the account. Alpaca keys do
// not expire, so there is nothing to refresh.
func (b *AlpacaBroker) Authenticate(_ context.Context) error {
	if _, err := b.trading.GetAccount(); err != nil {
		return alpacaError("authenticate", false, err)
	}
	return nil
}

// Quote builds a quote from the symbol's snapshot. Volume ratio compares the
// current daily bar with the previous one. Alpaca publishes no execution
// strength, so it is approximated from where the last trade sits in the
// day's range: 100 at mid-range, 200 at the high, 0 at the low.
func (b *AlpacaBroker) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	snap, err := b.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
	if err != nil {
		return domain.Quote{}, alpacaError("quote", false, err)
	}
	if snap == nil || snap.LatestTrade == nil || snap.DailyBar == nil {
		return domain.Quote{}, &Error{Op: "quote", Class: ClassTransient, Message: "incomplete snapshot for " + symbol}
	}

	day := snap.DailyBar
	q := domain.Quote{
		Symbol:    symbol,
		Price:     snap.LatestTrade.Price,
		Open:      day.Open,
		High:      day.High,
		Low:       day.Low,
		Volume:    int64(day.Volume),
		Timestamp: snap.LatestTrade.Timestamp,
	}
	if snap.LatestQuote != nil {
		q.Bid = snap.LatestQuote.BidPrice
		q.Ask = snap.LatestQuote.AskPrice
	}
	if prev := snap.PrevDailyBar; prev != nil && prev.Volume > 0 {
		q.VolumeRatio = float64(day.Volume) / float64(prev.Volume)
	}
	if rng := day.High - day.Low; rng > 0 {
		q.ExecutionStrength = 200 * (q.Price - day.Low) / rng
	} else {
		q.ExecutionStrength = 100
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = b.now()
	}
	return q, nil
}

// SubmitOrder sends an order to the Alpaca API. A duplicate client order id
// means an earlier attempt reached the broker; the existing order is
// returned instead.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	qty := decimal.NewFromInt(req.Qty)
	pr := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == domain.SideSell {
		pr.Side = alpaca.Sell
	}
	if req.Price > 0 {
		limit := decimal.NewFromFloat(req.Price).Round(2)
		pr.Type = alpaca.Limit
		pr.LimitPrice = &limit
	}

	order, err := b.trading.PlaceOrder(pr)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "client_order_id") {
			return b.OrderStatus(ctx, req)
		}
		res := &domain.OrderResult{ClientOrderID: req.ClientOrderID}
		aerr := alpacaError("place_order", true, err)
		if aerr.Class == ClassRejected {
			res.State = domain.OrderRejected
			res.StatusCode, res.Code, res.Message = aerr.Status, aerr.Code, aerr.Message
		}
		return res, aerr
	}
	return orderResult(order), nil
}

// OrderStatus looks the order up by client order id.
func (b *AlpacaBroker) OrderStatus(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	order, err := b.trading.GetOrderByClientOrderID(req.ClientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return &domain.OrderResult{ClientOrderID: req.ClientOrderID, State: domain.OrderNotFound}, nil
		}
		return nil, alpacaError("order_status", false, err)
	}
	return orderResult(order), nil
}

func orderResult(o *alpaca.Order) *domain.OrderResult {
	res := &domain.OrderResult{
		ClientOrderID: o.ClientOrderID,
		BrokerOrderID: o.ID,
		FilledQty:     o.FilledQty.IntPart(),
		Message:       o.Status,
	}
	if o.FilledAvgPrice != nil {
		res.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	switch o.Status {
	case "filled":
		res.State = domain.OrderFilled
	case "rejected":
		res.State = domain.OrderRejected
	case "canceled", "expired":
		res.State = domain.OrderCancelled
	default:
		res.State = domain.OrderPending
	}
	return res
}

// alpacaError classifies an SDK error. API errors keep their status, code
// and message; anything else is a network failure.
func alpacaError(op string, order bool, err error) *Error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return networkError(op, order, err)
	}
	class := classifyStatus(apiErr.StatusCode)
	if order {
		class = classifyOrderStatus(apiErr.StatusCode)
	}
	// Alpaca answers 403 for insufficient buying power, a business rejection.
	if apiErr.StatusCode == http.StatusForbidden && order {
		class = ClassRejected
	}
	return &Error{
		Op:      op,
		Class:   class,
		Status:  apiErr.StatusCode,
		Code:    strconv.Itoa(apiErr.Code),
		Message: apiErr.Message,
		Err:     fmt.Errorf("alpaca: %w", err),
	}
}
