// Package broker wraps the brokerage order API behind a Gateway that applies
// rate limiting, retry with backoff, re-authentication, and order
// reconciliation on top of interchangeable Transport implementations.
package broker

import (
	"context"

	"github.com/google/uuid"

	"autotrade/internal/domain"
)

// Transport abstracts one brokerage's wire API. Implementations classify
// every failure as a *Error and never retry on their own.
type Transport interface {
	// Name returns the transport identifier (e.g. "kis", "alpaca", "simulator").
	Name() string

	// Authenticate obtains or refreshes the access credential.
	Authenticate(ctx context.Context) error

	// Quote fetches a market snapshot for one symbol.
	Quote(ctx context.Context, symbol string) (domain.Quote, error)

	// SubmitOrder sends an order. A definitive rejection is returned as a
	// ClassRejected error; an unknown outcome as ClassAmbiguous.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

	// OrderStatus reads back the broker's record of the order identified
	// by req.ClientOrderID. Unknown orders report domain.OrderNotFound.
	OrderStatus(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)
}

// QuoteBatch is the fan-in result of a quote fetch. Each requested symbol is
// in exactly one of the two maps.
type QuoteBatch struct {
	Quotes map[string]domain.Quote
	Failed map[string]error
}

// NewClientOrderID returns a fresh idempotency token for an order.
func NewClientOrderID() string {
	return uuid.NewString()
}
