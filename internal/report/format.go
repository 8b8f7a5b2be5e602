package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := strconv.FormatInt(n, 10)
	if len(s) > 3 {
		var b strings.Builder
		start := len(s) % 3
		if start > 0 {
			b.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(s[i : i+3])
		}
		s = b.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatKRW formats a won amount rounded to the whole won, with separators.
func FormatKRW(v float64) string {
	return FormatInt(int64(math.Round(v)))
}

// FormatSigned formats a won amount with an explicit sign, "0" for zero.
func FormatSigned(v float64) string {
	r := int64(math.Round(v))
	if r > 0 {
		return "+" + FormatInt(r)
	}
	return FormatInt(r)
}

// FormatPct formats a percentage with one decimal.
func FormatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// WriteTable renders the report as aligned text columns.
func WriteTable(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PERIOD\tTRADES\tWINS\tWIN%\tPROFIT\tLOSS\tNET\tPF\tHOLD(min)\t")
	for _, s := range append(append([]Summary(nil), r.Rows...), r.Total) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%.2f\t%.1f\t\n",
			s.Period, s.Trades, s.Wins, FormatPct(s.WinRatePct),
			FormatKRW(s.TotalProfit), FormatKRW(s.TotalLoss), FormatSigned(s.NetPnL),
			s.ProfitFactor, s.AvgHoldingMin)
	}
	fmt.Fprintf(tw, "MDD\t\t\t\t\t\t%s\t\t\t\n", FormatKRW(r.Total.MaxDrawdownEst))
	fmt.Fprintln(tw, "\t\t\t\t\t\t\t\t\t")
	fmt.Fprintln(tw, "SYMBOL\tTRADES\tWIN%\tNET\t")
	for _, c := range r.Symbols {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t\n", c.Symbol, c.Trades, FormatPct(c.WinRatePct), FormatSigned(c.NetPnL))
	}
	return tw.Flush()
}

// WriteCSV writes one line per period row, with a header.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"period", "total_profit", "total_loss", "net_pnl", "wins", "trades",
		"avg_holding_minutes", "win_rate_pct", "profit_factor", "mdd_estimate"})
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, s := range r.Rows {
		cw.Write([]string{s.Period, f(s.TotalProfit), f(s.TotalLoss), f(s.NetPnL),
			strconv.Itoa(s.Wins), strconv.Itoa(s.Trades), f(s.AvgHoldingMin),
			f(s.WinRatePct), f(s.ProfitFactor), f(s.MaxDrawdownEst)})
	}
	cw.Flush()
	return cw.Error()
}
