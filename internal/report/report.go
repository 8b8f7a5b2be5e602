// Package report aggregates closed positions into performance summaries by
// day, month, quarter or year, plus per-symbol contribution.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/domain"
)

// Period selects the aggregation bucket.
type Period string

const (
	Daily     Period = "D"
	Monthly   Period = "M"
	Quarterly Period = "Q"
	Yearly    Period = "Y"
)

// ParsePeriod accepts D, M, Q or Y (case-insensitive) and the long names
// daily, monthly, quarterly and yearly.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "D", "DAILY", "DAY":
		return Daily, nil
	case "M", "MONTHLY", "MONTH":
		return Monthly, nil
	case "Q", "QUARTERLY", "QUARTER":
		return Quarterly, nil
	case "Y", "YEARLY", "YEAR":
		return Yearly, nil
	}
	return "", fmt.Errorf("period must be one of D/M/Q/Y, got %q", s)
}

// Key returns the bucket label of t: 2026-10-19, 2026-10, 2026Q4 or 2026.
func (p Period) Key(t time.Time) string {
	switch p {
	case Monthly:
		return t.Format("2006-01")
	case Quarterly:
		return fmt.Sprintf("%dQ%d", t.Year(), (int(t.Month())-1)/3+1)
	case Yearly:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}

// Summary is the performance of one bucket.
type Summary struct {
	Period         string  `json:"period"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	TotalProfit    float64 `json:"total_profit"`
	TotalLoss      float64 `json:"total_loss"` // <= 0
	NetPnL         float64 `json:"net_pnl"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgHoldingMin  float64 `json:"avg_holding_minutes"`
	MaxDrawdownEst float64 `json:"mdd_estimate"` // <= 0, over the whole report

	holdingMinutes float64
	profit, loss   decimal.Decimal
}

// Contribution is one symbol's share of the result.
type Contribution struct {
	Symbol     string  `json:"symbol"`
	Trades     int     `json:"trades"`
	NetPnL     float64 `json:"net_pnl"`
	WinRatePct float64 `json:"win_rate_pct"`

	wins int
	net  decimal.Decimal
}

// Report is the full aggregation of a set of closed positions.
type Report struct {
	Period  Period         `json:"period"`
	Rows    []Summary      `json:"rows"`
	Total   Summary        `json:"total"`
	Symbols []Contribution `json:"symbols"`
}

// Build aggregates the filled, closed positions in ps. Positions that never
// filled (no entry time) are ignored. Bucket keys use exit times in loc.
func Build(ps []domain.Position, p Period, loc *time.Location) Report {
	if loc == nil {
		loc = time.UTC
	}
	closed := make([]domain.Position, 0, len(ps))
	for _, pos := range ps {
		if pos.Status == domain.PositionClosed && !pos.EntryTime.IsZero() && !pos.ExitTime.IsZero() {
			closed = append(closed, pos)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ExitTime.Before(closed[j].ExitTime) })

	rep := Report{Period: p, Rows: []Summary{}, Symbols: []Contribution{}}
	if len(closed) == 0 {
		return rep
	}

	rows := make(map[string]*Summary)
	var keys []string
	total := &Summary{Period: "TOTAL"}
	symbols := make(map[string]*Contribution)

	for _, pos := range closed {
		key := p.Key(pos.ExitTime.In(loc))
		row, ok := rows[key]
		if !ok {
			row = &Summary{Period: key}
			rows[key] = row
			keys = append(keys, key)
		}
		row.add(pos)
		total.add(pos)

		c, ok := symbols[pos.Symbol]
		if !ok {
			c = &Contribution{Symbol: pos.Symbol}
			symbols[pos.Symbol] = c
		}
		c.Trades++
		c.net = c.net.Add(decimal.NewFromFloat(pos.RealizedPnL))
		if pos.RealizedPnL > 0 {
			c.wins++
		}
	}

	mdd := MaxDrawdown(closed)
	for _, k := range keys {
		row := rows[k]
		row.finish(mdd)
		rep.Rows = append(rep.Rows, *row)
	}
	total.finish(mdd)
	rep.Total = *total

	for _, c := range symbols {
		c.NetPnL = c.net.InexactFloat64()
		c.WinRatePct = round2(float64(c.wins) / float64(c.Trades) * 100)
		rep.Symbols = append(rep.Symbols, *c)
	}
	sort.Slice(rep.Symbols, func(i, j int) bool {
		if rep.Symbols[i].NetPnL != rep.Symbols[j].NetPnL {
			return rep.Symbols[i].NetPnL > rep.Symbols[j].NetPnL
		}
		return rep.Symbols[i].Symbol < rep.Symbols[j].Symbol
	})
	return rep
}

func (s *Summary) add(pos domain.Position) {
	v := decimal.NewFromFloat(pos.RealizedPnL)
	s.Trades++
	switch {
	case v.IsPositive():
		s.Wins++
		s.profit = s.profit.Add(v)
	case v.IsNegative():
		s.loss = s.loss.Add(v)
	}
	s.holdingMinutes += pos.HoldingMinutes()
}

// finish derives the ratio fields. Profit factor divides by 1 when there
// was no loss.
func (s *Summary) finish(mdd float64) {
	s.TotalProfit = s.profit.InexactFloat64()
	s.TotalLoss = s.loss.InexactFloat64()
	s.NetPnL = s.profit.Add(s.loss).InexactFloat64()
	if s.Trades > 0 {
		s.WinRatePct = round2(float64(s.Wins) / float64(s.Trades) * 100)
		s.AvgHoldingMin = round2(s.holdingMinutes / float64(s.Trades))
	}
	denom := s.loss.Abs()
	if denom.IsZero() {
		denom = decimal.NewFromInt(1)
	}
	s.ProfitFactor = s.profit.Div(denom).Round(2).InexactFloat64()
	s.MaxDrawdownEst = mdd
}

// MaxDrawdown returns the deepest fall of cumulative realized P&L below its
// running peak, as a value <= 0. ps must be sorted by exit time.
func MaxDrawdown(ps []domain.Position) float64 {
	var curve, peak, worst decimal.Decimal
	for i, pos := range ps {
		curve = curve.Add(decimal.NewFromFloat(pos.RealizedPnL))
		if i == 0 || curve.GreaterThan(peak) {
			peak = curve
		}
		if dd := curve.Sub(peak); dd.LessThan(worst) {
			worst = dd
		}
	}
	return worst.InexactFloat64()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
