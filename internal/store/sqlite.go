package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autotrade/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database in WAL mode with
// synchronous=FULL, so an acknowledged write survives a process crash.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	decision    TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	score       REAL NOT NULL,
	results     TEXT NOT NULL,
	position_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at);

CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	direction       TEXT NOT NULL,
	status          TEXT NOT NULL,
	reconciling     INTEGER NOT NULL DEFAULT 0,
	qty             INTEGER NOT NULL,
	entry_price     REAL NOT NULL,
	entry_time      INTEGER NOT NULL,
	stop_price      REAL NOT NULL,
	target_price    REAL NOT NULL,
	last_price      REAL NOT NULL,
	unrealized_pnl  REAL NOT NULL,
	exit_price      REAL NOT NULL,
	exit_time       INTEGER NOT NULL,
	realized_pnl    REAL NOT NULL,
	exit_reason     TEXT NOT NULL DEFAULT '',
	client_order_id TEXT NOT NULL DEFAULT '',
	order_price     REAL NOT NULL DEFAULT 0,
	order_sent_at   INTEGER NOT NULL DEFAULT 0,
	broker_order_id TEXT NOT NULL DEFAULT '',
	signal_id       TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS trades (
	id              TEXT PRIMARY KEY,
	position_id     TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	price           REAL NOT NULL,
	fees            REAL NOT NULL,
	realized_pnl    REAL NOT NULL,
	ts              INTEGER NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	client_order_id TEXT NOT NULL UNIQUE,
	result_code     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);

CREATE TABLE IF NOT EXISTS engine_state (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	session_date       TEXT NOT NULL,
	orders_today       INTEGER NOT NULL,
	loss_today         REAL NOT NULL,
	consecutive_losses INTEGER NOT NULL,
	cooldown_until     INTEGER NOT NULL,
	last_reset_at      INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// durability pragmas, and migrates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Time columns hold Unix nanoseconds; the zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

// SaveSignal appends a signal.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	results, err := json.Marshal(sig.Results)
	if err != nil {
		return fmt.Errorf("encoding signal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, symbol, created_at, decision, stage, reason, score, results, position_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, toNanos(sig.CreatedAt), string(sig.Decision), string(sig.Stage),
		string(sig.Reason), sig.Score, string(results), sig.PositionID)
	if err != nil {
		return fmt.Errorf("saving signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListSignals returns the most recent signals, newest first.
func (s *SQLiteStore) ListSignals(ctx context.Context, symbol string, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, created_at, decision, stage, reason, score, results, position_id
		 FROM signals WHERE (? = '' OR symbol = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("listing signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var (
			sig                     domain.Signal
			created                 int64
			decision, stage, reason string
			results                 string
		)
		if err := rows.Scan(&sig.ID, &sig.Symbol, &created, &decision, &stage, &reason,
			&sig.Score, &results, &sig.PositionID); err != nil {
			return nil, err
		}
		sig.CreatedAt = fromNanos(created)
		sig.Decision = domain.SignalDecision(decision)
		sig.Stage = domain.StageName(stage)
		sig.Reason = domain.Blocker(reason)
		if err := json.Unmarshal([]byte(results), &sig.Results); err != nil {
			return nil, fmt.Errorf("decoding signal %s results: %w", sig.ID, err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `id, symbol, direction, status, reconciling, qty, entry_price, entry_time,
	stop_price, target_price, last_price, unrealized_pnl, exit_price, exit_time, realized_pnl,
	exit_reason, client_order_id, order_price, order_sent_at, broker_order_id, signal_id, updated_at`

// SavePosition inserts or updates a position by ID.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (`+positionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.Direction), string(p.Status), p.Reconciling, p.Qty,
		p.EntryPrice, toNanos(p.EntryTime), p.StopPrice, p.TargetPrice, p.LastPrice,
		p.UnrealizedPnL, p.ExitPrice, toNanos(p.ExitTime), p.RealizedPnL, string(p.ExitReason),
		p.ClientOrderID, p.OrderPrice, toNanos(p.OrderSentAt), p.BrokerOrderID, p.SignalID,
		toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.ID, err)
	}
	return nil
}

func scanPosition(sc scanner) (*domain.Position, error) {
	var (
		p                                    domain.Position
		direction, status, exitReason        string
		entryTime, exitTime, sent, updatedAt int64
	)
	if err := sc.Scan(&p.ID, &p.Symbol, &direction, &status, &p.Reconciling, &p.Qty,
		&p.EntryPrice, &entryTime, &p.StopPrice, &p.TargetPrice, &p.LastPrice,
		&p.UnrealizedPnL, &p.ExitPrice, &exitTime, &p.RealizedPnL, &exitReason,
		&p.ClientOrderID, &p.OrderPrice, &sent, &p.BrokerOrderID, &p.SignalID, &updatedAt); err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.Blocker(exitReason)
	p.EntryTime = fromNanos(entryTime)
	p.ExitTime = fromNanos(exitTime)
	p.OrderSentAt = fromNanos(sent)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

// GetPosition retrieves a position by ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading position %s: %w", id, err)
	}
	return p, nil
}

// LoadOpenPositions returns every non-CLOSED position ordered by symbol.
func (s *SQLiteStore) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status != ? ORDER BY symbol, entry_time`,
		string(domain.PositionClosed))
}

// ListClosedPositions returns positions closed within [start, end).
func (s *SQLiteStore) ListClosedPositions(ctx context.Context, start, end time.Time) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = ? AND exit_time >= ? AND exit_time < ? ORDER BY exit_time, id`,
		string(domain.PositionClosed), toNanos(start), toNanos(end))
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// AppendTrade records a fill, ignoring a repeated client order ID.
func (s *SQLiteStore) AppendTrade(ctx context.Context, tr *domain.Trade) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (id, position_id, symbol, side, qty, price, fees,
		 realized_pnl, ts, broker_order_id, client_order_id, result_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.PositionID, tr.Symbol, string(tr.Side), tr.Qty, tr.Price, tr.Fees,
		tr.RealizedPnL, toNanos(tr.Timestamp), tr.BrokerOrderID, tr.ClientOrderID, tr.ResultCode)
	if err != nil {
		return false, fmt.Errorf("appending trade %s: %w", tr.ClientOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListTrades returns trades within [start, end), oldest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, start, end time.Time) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, symbol, side, qty, price, fees, realized_pnl, ts,
		 broker_order_id, client_order_id, result_code
		 FROM trades WHERE ts >= ? AND ts < ? ORDER BY ts, rowid`,
		toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			tr   domain.Trade
			side string
			ts   int64
		)
		if err := rows.Scan(&tr.ID, &tr.PositionID, &tr.Symbol, &side, &tr.Qty, &tr.Price,
			&tr.Fees, &tr.RealizedPnL, &ts, &tr.BrokerOrderID, &tr.ClientOrderID,
			&tr.ResultCode); err != nil {
			return nil, err
		}
		tr.Side = domain.Side(side)
		tr.Timestamp = fromNanos(ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// StateStore implementation
// ---------------------------------------------------------------------------

// LoadEngineState returns the stored EngineState.
func (s *SQLiteStore) LoadEngineState(ctx context.Context) (*domain.EngineState, error) {
	var (
		st                           domain.EngineState
		cooldown, lastReset, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_date, orders_today, loss_today, consecutive_losses,
		 cooldown_until, last_reset_at, updated_at FROM engine_state WHERE id = 1`).
		Scan(&st.SessionDate, &st.OrdersToday, &st.LossToday, &st.ConsecutiveLosses,
			&cooldown, &lastReset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading engine state: %w", err)
	}
	st.CooldownUntil = fromNanos(cooldown)
	st.LastResetAt = fromNanos(lastReset)
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

// SaveEngineState replaces the stored EngineState.
func (s *SQLiteStore) SaveEngineState(ctx context.Context, st *domain.EngineState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO engine_state (id, session_date, orders_today, loss_today,
		 consecutive_losses, cooldown_until, last_reset_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		st.SessionDate, st.OrdersToday, st.LossToday, st.ConsecutiveLosses,
		toNanos(st.CooldownUntil), toNanos(st.LastResetAt), toNanos(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving engine state: %w", err)
	}
	return nil
}
