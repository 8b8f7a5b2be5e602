package domain

import "time"

// OrderState is the broker-reported state of a submitted order.
type OrderState string

const (
	OrderFilled    OrderState = "FILLED"
	OrderPending   OrderState = "PENDING"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
	OrderNotFound  OrderState = "NOT_FOUND"
)

// OrderRequest is an order submission. ClientOrderID is the idempotency
// token; resubmissions of the same order reuse it.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"` // limit price, 0 for market
	SubmittedAt   time.Time `json:"submitted_at"`
}

// OrderResult is the broker's answer for an order, including the upstream
// status and message verbatim.
type OrderResult struct {
	ClientOrderID string     `json:"client_order_id"`
	BrokerOrderID string     `json:"broker_order_id"`
	State         OrderState `json:"state"`
	FilledQty     int64      `json:"filled_qty"`
	FilledPrice   float64    `json:"filled_price"`
	StatusCode    int        `json:"status_code"`
	Code          string     `json:"code"`
	Message       string     `json:"message"`
	Simulated     bool       `json:"simulated"`
}

// ResultCode returns the code recorded on a Trade for this result.
func (r *OrderResult) ResultCode() string {
	if r.Simulated {
		return "SIMULATED"
	}
	return string(r.State)
}
