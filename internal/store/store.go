// Package store defines storage interfaces for persisting and retrieving
// the engine's durable records: signals, positions, trades, and the
// process-wide risk state.
package store

import (
	"context"
	"errors"
	"time"

	"autotrade/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SignalStore persists and retrieves candidate evaluations.
type SignalStore interface {
	// SaveSignal appends a signal. Signals are never updated.
	SaveSignal(ctx context.Context, sig *domain.Signal) error

	// ListSignals returns the most recent signals, newest first, up to limit.
	// An empty symbol matches every symbol.
	ListSignals(ctx context.Context, symbol string, limit int) ([]domain.Signal, error)
}

// PositionStore persists and retrieves positions.
type PositionStore interface {
	// SavePosition inserts or updates a position by ID.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*domain.Position, error)

	// LoadOpenPositions returns every position that is not CLOSED.
	LoadOpenPositions(ctx context.Context) ([]domain.Position, error)

	// ListClosedPositions returns positions closed within [start, end),
	// ordered by exit time.
	ListClosedPositions(ctx context.Context, start, end time.Time) ([]domain.Position, error)
}

// TradeStore persists and retrieves fills.
type TradeStore interface {
	// AppendTrade records a fill. A trade whose client order ID was already
	// recorded is ignored and inserted reports false.
	AppendTrade(ctx context.Context, tr *domain.Trade) (inserted bool, err error)

	// ListTrades returns trades within [start, end), oldest first.
	ListTrades(ctx context.Context, start, end time.Time) ([]domain.Trade, error)
}

// StateStore persists the single EngineState row.
type StateStore interface {
	// LoadEngineState returns the stored state, or ErrNotFound before the
	// first save.
	LoadEngineState(ctx context.Context) (*domain.EngineState, error)

	// SaveEngineState durably replaces the stored state.
	SaveEngineState(ctx context.Context, st *domain.EngineState) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	SignalStore
	PositionStore
	TradeStore
	StateStore
	Close() error
}
