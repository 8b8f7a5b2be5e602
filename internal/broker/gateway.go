package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autotrade/internal/domain"
	"autotrade/internal/util"
)

// SessionClock reports the market session state. *util.TradingCalendar
// satisfies it.
type SessionClock interface {
	Status(t time.Time) domain.SessionStatus
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Mode domain.Mode
	// LiveErr is the result of validating LIVE credentials. When non-nil
	// every LIVE order fails with ClassConfigInvalid.
	LiveErr   error
	Retry     util.RetryPolicy
	Limiter   *util.RateLimiter
	Workers   int
	Clock     SessionClock
	Simulator *Simulator // DRY_RUN order sink; created when nil
	Now       func() time.Time
}

// Gateway is the single entry point for brokerage calls. Every call is rate
// limited and wrapped in the retry policy; only TRANSIENT failures are
// retried, AUTH triggers one re-authentication, and an AMBIGUOUS order
// submission is reconciled by a status read-back before anything else
// happens.
type Gateway struct {
	transport Transport
	sim       *Simulator
	policy    util.RetryPolicy
	limiter   *util.RateLimiter
	workers   int
	clock     SessionClock
	now       func() time.Time
	log       *slog.Logger

	mu      sync.RWMutex
	mode    domain.Mode
	liveErr error
}

// NewGateway creates a Gateway over t.
func NewGateway(t Transport, opts GatewayOptions) *Gateway {
	g := &Gateway{
		transport: t,
		sim:       opts.Simulator,
		policy:    opts.Retry,
		limiter:   opts.Limiter,
		workers:   max(opts.Workers, 1),
		clock:     opts.Clock,
		now:       opts.Now,
		mode:      opts.Mode,
		liveErr:   opts.LiveErr,
		log:       slog.Default().With("component", "gateway", "transport", t.Name()),
	}
	if g.sim == nil {
		if s, ok := t.(*Simulator); ok {
			g.sim = s
		} else {
			g.sim = NewSimulator(1)
		}
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.policy.Retryable = IsRetryable
	return g
}

// SetMode switches between DRY_RUN and LIVE and records the current LIVE
// credential validation result. Called on config reload between ticks.
func (g *Gateway) SetMode(mode domain.Mode, liveErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode != mode {
		g.log.Info("gateway mode changed", "from", g.mode, "to", mode)
	}
	g.mode, g.liveErr = mode, liveErr
}

// Mode returns the current order mode.
func (g *Gateway) Mode() domain.Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Simulator returns the DRY_RUN order sink.
func (g *Gateway) Simulator() *Simulator { return g.sim }

// TransportName returns the name of the underlying transport.
func (g *Gateway) TransportName() string { return g.transport.Name() }

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// FetchQuotes fetches quotes for symbols on a bounded worker pool. A failed
// symbol lands in QuoteBatch.Failed and does not affect the others. A FATAL
// failure is additionally returned as the error so the caller can abort the
// tick; the batch is still complete.
func (g *Gateway) FetchQuotes(ctx context.Context, symbols []string) (QuoteBatch, error) {
	batch := QuoteBatch{
		Quotes: make(map[string]domain.Quote, len(symbols)),
		Failed: make(map[string]error),
	}
	if len(symbols) == 0 {
		return batch, nil
	}

	symCh := make(chan string, len(symbols))
	for _, s := range symbols {
		symCh <- s
	}
	close(symCh)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fatal error
	)

	workers := min(g.workers, len(symbols))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symCh {
				q, err := g.quote(ctx, sym)

				mu.Lock()
				if err != nil {
					batch.Failed[sym] = err
					if ClassOf(err) == ClassFatal && fatal == nil {
						fatal = err
					}
				} else {
					batch.Quotes[sym] = q
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for sym, err := range batch.Failed {
		g.log.Warn("quote fetch failed", "symbol", sym, "class", ClassOf(err), "error", err)
	}
	if fatal != nil {
		return batch, fmt.Errorf("fetching quotes: %w", fatal)
	}
	return batch, nil
}

func (g *Gateway) quote(ctx context.Context, symbol string) (domain.Quote, error) {
	var q domain.Quote
	err := g.call(ctx, g.transport, func(ctx context.Context) error {
		var err error
		q, err = g.transport.Quote(ctx, symbol)
		return err
	})
	if err != nil {
		return domain.Quote{}, err
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder submits req. In DRY_RUN the order is filled by the simulator
// with the same result shape as LIVE. The returned error is always a
// classified *Error (possibly wrapped by retry exhaustion); the result may be
// non-nil alongside a REJECTED error to carry the broker's answer.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = g.now()
	}

	if g.clock != nil {
		if st := g.clock.Status(g.now()); st != domain.SessionOpen {
			return nil, &Error{Op: "place_order", Class: ClassMarketClosed, Message: "session " + string(st)}
		}
	}

	t, err := g.orderTransport()
	if err != nil {
		return nil, err
	}

	log := g.log.With("symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "client_order_id", req.ClientOrderID)

	var res *domain.OrderResult
	err = g.call(ctx, t, func(ctx context.Context) error {
		r, err := t.SubmitOrder(ctx, req)
		if ClassOf(err) != ClassAmbiguous {
			res = r
			return err
		}

		// Unknown outcome: ask the broker before doing anything else.
		log.Warn("order outcome ambiguous, reconciling", "error", err)
		st, serr := t.OrderStatus(ctx, req)
		if serr != nil {
			return &Error{Op: "place_order", Class: ClassAmbiguous, Message: "reconciliation read-back failed", Err: errors.Join(err, serr)}
		}
		if st.State != domain.OrderNotFound {
			res = st
			return nil
		}
		// The broker never saw it; resubmitting with the same token is safe.
		return &Error{Op: "place_order", Class: ClassTransient, Message: "order not found after ambiguous submit", Err: err}
	})
	if err != nil {
		status, code, msg := Upstream(err)
		log.Error("order failed", "class", ClassOf(err), "status", status, "code", code, "msg", msg, "error", err)
		return res, err
	}

	log.Info("order placed", "state", res.State, "broker_order_id", res.BrokerOrderID, "price", res.FilledPrice, "simulated", res.Simulated)
	return res, nil
}

// OrderStatus reads back the broker's view of req. It is the reconciliation
// path for orders left ambiguous or pending.
func (g *Gateway) OrderStatus(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	t, err := g.orderTransport()
	if err != nil {
		return nil, err
	}
	var res *domain.OrderResult
	err = g.call(ctx, t, func(ctx context.Context) error {
		var err error
		res, err = t.OrderStatus(ctx, req)
		return err
	})
	return res, err
}

func (g *Gateway) orderTransport() (Transport, error) {
	g.mu.RLock()
	mode, liveErr := g.mode, g.liveErr
	g.mu.RUnlock()

	if mode != domain.ModeLive {
		return g.sim, nil
	}
	if liveErr != nil {
		return nil, &Error{Op: "place_order", Class: ClassConfigInvalid, Message: liveErr.Error(), Err: liveErr}
	}
	return g.transport, nil
}

// call runs fn under the rate limiter and retry policy. An AUTH failure
// re-authenticates once per call and retries immediately; a second AUTH
// failure surfaces.
func (g *Gateway) call(ctx context.Context, t Transport, fn func(ctx context.Context) error) error {
	reauthed := false
	return g.policy.Do(ctx, func(attempt int) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return &Error{Op: "rate_limit", Class: ClassFatal, Err: err}
		}
		err := fn(ctx)
		if ClassOf(err) != ClassAuth || reauthed {
			return err
		}

		reauthed = true
		g.log.Info("re-authenticating", "attempt", attempt)
		if aerr := t.Authenticate(ctx); aerr != nil {
			return aerr
		}
		return fn(ctx)
	})
}
