package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"autotrade/internal/domain"
)

// Compile-time interface check.
var _ Transport = (*Simulator)(nil)

// Simulator is a paper brokerage. It serves synthetic quotes driven by a
// seeded random walk per symbol and fills every order immediately at the
// requested price. Fills are keyed by client order id, so resubmitting a
// token returns the original fill instead of a second one.
type Simulator struct {
	mu    sync.Mutex
	seed  uint64
	walks map[string]*walk
	fixed map[string]domain.Quote
	fills map[string]*domain.OrderResult
	seq   int
	now   func() time.Time
}

type walk struct {
	rng   *rand.Rand
	quote domain.Quote
}

// NewSimulator creates a Simulator whose synthetic quotes are reproducible
// for a given seed.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		seed:  uint64(seed),
		walks: make(map[string]*walk),
		fixed: make(map[string]domain.Quote),
		fills: make(map[string]*domain.OrderResult),
		now:   time.Now,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Authenticate is a no-op.
func (s *Simulator) Authenticate(context.Context) error { return nil }

// SetQuote pins the quote returned for q.Symbol until ClearQuote is called.
func (s *Simulator) SetQuote(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixed[q.Symbol] = q
}

// ClearQuote returns symbol to the synthetic random walk.
func (s *Simulator) ClearQuote(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fixed, symbol)
}

// Quote returns the pinned quote for symbol, or the next step of its walk.
func (s *Simulator) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.fixed[symbol]; ok {
		if q.Timestamp.IsZero() {
			q.Timestamp = s.now()
		}
		return q, nil
	}

	w, ok := s.walks[symbol]
	if !ok {
		w = s.newWalk(symbol)
		s.walks[symbol] = w
	}
	w.step(s.now())
	return w.quote, nil
}

func (s *Simulator) newWalk(symbol string) *walk {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewPCG(s.seed, h.Sum64()))

	open := roundTick(15000 + rng.Float64()*105000)
	return &walk{
		rng: rng,
		quote: domain.Quote{
			Symbol: symbol,
			Price:  open,
			Open:   open,
			High:   open,
			Low:    open,
			Volume: 0,
		},
	}
}

func (w *walk) step(now time.Time) {
	q := &w.quote
	q.Price = roundTick(q.Price * (1 + (w.rng.Float64()-0.45)*0.01))
	q.High = math.Max(q.High, q.Price)
	q.Low = math.Min(q.Low, q.Price)

	spread := q.Price * (0.001 + w.rng.Float64()*0.01)
	q.Bid = roundTick(q.Price - spread/2)
	q.Ask = roundTick(q.Price + spread/2)
	q.Volume += int64(1000 + w.rng.IntN(50000))
	q.VolumeRatio = 0.8 + w.rng.Float64()*3.0
	q.ExecutionStrength = 80 + w.rng.Float64()*60
	q.Timestamp = now
}

// roundTick rounds to a whole won.
func roundTick(p float64) float64 { return math.Round(p) }

// SubmitOrder fills req immediately. Resubmitting a known client order id
// returns the original fill.
func (s *Simulator) SubmitOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.fills[req.ClientOrderID]; ok {
		cp := *r
		return &cp, nil
	}

	price := req.Price
	if price <= 0 {
		if q, ok := s.fixed[req.Symbol]; ok {
			price = q.Price
		} else if w, ok := s.walks[req.Symbol]; ok {
			price = w.quote.Price
		}
	}
	if price <= 0 || req.Qty <= 0 {
		return &domain.OrderResult{ClientOrderID: req.ClientOrderID, State: domain.OrderRejected, Simulated: true},
			&Error{Op: "place_order", Class: ClassRejected, Code: "SIM_INVALID", Message: fmt.Sprintf("no price or qty for %s", req.Symbol)}
	}

	s.seq++
	r := &domain.OrderResult{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: fmt.Sprintf("SIM-%06d", s.seq),
		State:         domain.OrderFilled,
		FilledQty:     req.Qty,
		FilledPrice:   price,
		Code:          "0",
		Message:       "simulated fill",
		Simulated:     true,
	}
	s.fills[req.ClientOrderID] = r
	cp := *r
	return &cp, nil
}

// OrderStatus returns the fill recorded for req.ClientOrderID, or NOT_FOUND.
func (s *Simulator) OrderStatus(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.fills[req.ClientOrderID]; ok {
		cp := *r
		return &cp, nil
	}
	return &domain.OrderResult{ClientOrderID: req.ClientOrderID, State: domain.OrderNotFound, Simulated: true}, nil
}

// Fills returns the number of distinct orders filled.
func (s *Simulator) Fills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}
