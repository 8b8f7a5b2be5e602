// Package domain defines the core value types shared by every layer of the
// trading engine: quotes, candidates, signals, positions, trades, and the
// engine's persisted risk state.
package domain

import (
	"math"
	"time"
)

// Mode selects whether orders reach the brokerage.
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModeLive   Mode = "LIVE"
)

// SessionStatus is the market session state reported by the trading calendar.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "OPEN"
	SessionClosed  SessionStatus = "CLOSED"
	SessionHoliday SessionStatus = "HOLIDAY"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction is the direction of a position. Only long positions are opened
// by the engine; the field exists so stored rows stay self-describing.
type Direction string

const (
	DirectionLong Direction = "LONG"
)

// Quote is a point-in-time market snapshot for one symbol.
type Quote struct {
	Symbol            string    `json:"symbol"`
	Price             float64   `json:"price"`
	Open              float64   `json:"open"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	Bid               float64   `json:"bid"`
	Ask               float64   `json:"ask"`
	Volume            int64     `json:"volume"`
	VolumeRatio       float64   `json:"volume_ratio"`       // today's volume vs previous session
	ExecutionStrength float64   `json:"execution_strength"` // buy/sell pressure, 100 = balanced
	Timestamp         time.Time `json:"timestamp"`
}

// VolatilityPct returns the intraday range as a percentage of the open.
func (q Quote) VolatilityPct() float64 {
	if q.Open <= 0 || q.High < q.Low {
		return 0
	}
	return (q.High - q.Low) / q.Open * 100
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
// A quote without a two-sided book reports an infinite spread so it can
// never clear a spread threshold.
func (q Quote) SpreadPct() float64 {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return math.Inf(1)
	}
	mid := (q.Bid + q.Ask) / 2
	return (q.Ask - q.Bid) / mid * 100
}
