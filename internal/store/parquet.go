package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"autotrade/internal/domain"
)

// ParquetArchive exports the trade ledger to Parquet files on disk, one file
// per session date. It is a cold copy for offline analysis; SQLite stays the
// source of truth.
type ParquetArchive struct {
	DataDir string
	Loc     *time.Location
}

// NewParquetArchive creates a new ParquetArchive rooted at dataDir. Session
// dates are computed in loc (UTC when nil).
func NewParquetArchive(dataDir string, loc *time.Location) *ParquetArchive {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetArchive{DataDir: dataDir, Loc: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// TradeRecord is the Parquet schema for an archived fill.
type TradeRecord struct {
	ID            string  `parquet:"id"`
	PositionID    string  `parquet:"position_id"`
	Symbol        string  `parquet:"symbol"`
	Side          string  `parquet:"side"`
	Qty           int64   `parquet:"qty"`
	Price         float64 `parquet:"price"`
	Fees          float64 `parquet:"fees"`
	RealizedPnL   float64 `parquet:"realized_pnl"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	BrokerOrderID string  `parquet:"broker_order_id"`
	ClientOrderID string  `parquet:"client_order_id"`
	ResultCode    string  `parquet:"result_code"`
}

// ---------------------------------------------------------------------------
// Export / read
// ---------------------------------------------------------------------------

// WriteTrades writes trades to Parquet files organized by session date,
// merging with what is already archived. Returns the files written.
//
//	<DataDir>/trades/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) WriteTrades(_ context.Context, trades []domain.Trade) ([]string, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	groups := make(map[string][]TradeRecord)
	for _, t := range trades {
		date := t.Timestamp.In(a.Loc).Format("2006-01-02")
		groups[date] = append(groups[date], TradeRecord{
			ID:            t.ID,
			PositionID:    t.PositionID,
			Symbol:        t.Symbol,
			Side:          string(t.Side),
			Qty:           t.Qty,
			Price:         t.Price,
			Fees:          t.Fees,
			RealizedPnL:   t.RealizedPnL,
			Timestamp:     t.Timestamp.UnixMilli(),
			BrokerOrderID: t.BrokerOrderID,
			ClientOrderID: t.ClientOrderID,
			ResultCode:    t.ResultCode,
		})
	}

	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var written []string
	for _, date := range dates {
		path := a.tradePath(date)

		existing, _ := readParquetFile[TradeRecord](path)
		merged := mergeTradeRecords(existing, groups[date])

		if err := writeParquetFile(path, merged); err != nil {
			return written, fmt.Errorf("writing trades for %s: %w", date, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// ReadTrades reads archived trades for session dates in [start, end].
func (a *ParquetArchive) ReadTrades(_ context.Context, start, end time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	first := start.In(a.Loc)
	first = time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, a.Loc)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[TradeRecord](a.tradePath(d.Format("2006-01-02")))
		if err != nil {
			continue
		}
		for _, r := range records {
			trades = append(trades, domain.Trade{
				ID:            r.ID,
				PositionID:    r.PositionID,
				Symbol:        r.Symbol,
				Side:          domain.Side(r.Side),
				Qty:           r.Qty,
				Price:         r.Price,
				Fees:          r.Fees,
				RealizedPnL:   r.RealizedPnL,
				Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
				BrokerOrderID: r.BrokerOrderID,
				ClientOrderID: r.ClientOrderID,
				ResultCode:    r.ResultCode,
			})
		}
	}
	return trades, nil
}

// tradePath returns the filesystem path for a session's trade file.
func (a *ParquetArchive) tradePath(date string) string {
	return filepath.Join(a.DataDir, "trades", date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeTradeRecords deduplicates trade records by client order ID, preferring
// new records over existing ones. Results are sorted by timestamp.
func mergeTradeRecords(existing, incoming []TradeRecord) []TradeRecord {
	seen := make(map[string]TradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ClientOrderID] = r
	}
	for _, r := range incoming {
		seen[r.ClientOrderID] = r
	}

	merged := make([]TradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ClientOrderID < merged[j].ClientOrderID
	})
	return merged
}
