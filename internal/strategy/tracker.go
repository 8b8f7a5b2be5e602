package strategy

import "sync"

// Tracker keeps a rolling window of recent prices per symbol and derives the
// trend slope the confirmation and exit rules consult. The engine observes
// each quote once per tick; readers such as diagnosis only query.
type Tracker struct {
	mu     sync.RWMutex
	window int
	prices map[string][]float64
}

// NewTracker creates a Tracker that keeps the last window prices per symbol.
func NewTracker(window int) *Tracker {
	return &Tracker{
		window: max(window, 2),
		prices: make(map[string][]float64),
	}
}

// Observe appends price to symbol's window.
func (t *Tracker) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p := append(t.prices[symbol], price)
	if len(p) > t.window {
		p = p[len(p)-t.window:]
	}
	t.prices[symbol] = p
}

// Resize changes the window length, trimming existing history.
func (t *Tracker) Resize(window int) {
	window = max(window, 2)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = window
	for sym, p := range t.prices {
		if len(p) > window {
			t.prices[sym] = p[len(p)-window:]
		}
	}
}

// Slope returns the least-squares slope of symbol's window expressed as a
// percentage of the window's mean price per sample. Fewer than two samples
// yield 0.
func (t *Tracker) Slope(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slopePct(t.prices[symbol])
}

// Samples returns the number of prices held for symbol.
func (t *Tracker) Samples(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices[symbol])
}

func slopePct(p []float64) float64 {
	n := float64(len(p))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range p {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	mean := sy / n
	if den == 0 || mean == 0 {
		return 0
	}
	slope := (n*sxy - sx*sy) / den
	return slope / mean * 100
}
