package domain

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionPendingEntry PositionStatus = "PENDING_ENTRY"
	PositionOpen         PositionStatus = "OPEN"
	PositionPendingExit  PositionStatus = "PENDING_EXIT"
	PositionClosed       PositionStatus = "CLOSED"
)

// transitions lists the legal edges of the position state machine.
// PENDING_ENTRY -> CLOSED and PENDING_EXIT -> OPEN are recovery edges.
var transitions = map[PositionStatus][]PositionStatus{
	PositionPendingEntry: {PositionOpen, PositionClosed},
	PositionOpen:         {PositionPendingExit},
	PositionPendingExit:  {PositionClosed, PositionOpen},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Position is a single symbol holding managed by the engine.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Direction     Direction      `json:"direction"`
	Status        PositionStatus `json:"status"`
	Reconciling   bool           `json:"reconciling"`
	Qty           int64          `json:"qty"`
	EntryPrice    float64        `json:"entry_price"`
	EntryTime     time.Time      `json:"entry_time"`
	StopPrice     float64        `json:"stop_price"`
	TargetPrice   float64        `json:"target_price"`
	LastPrice     float64        `json:"last_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	ExitPrice     float64        `json:"exit_price"`
	ExitTime      time.Time      `json:"exit_time"`
	RealizedPnL   float64        `json:"realized_pnl"`
	ExitReason    Blocker        `json:"exit_reason,omitempty"`
	ClientOrderID string         `json:"client_order_id,omitempty"` // in-flight order token
	OrderPrice    float64        `json:"order_price,omitempty"`
	OrderSentAt   time.Time      `json:"order_sent_at"`
	BrokerOrderID string         `json:"broker_order_id,omitempty"`
	SignalID      string         `json:"signal_id,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Transition moves the position to status to, rejecting illegal edges. The
// reconciling flag is cleared on every transition.
func (p *Position) Transition(to PositionStatus, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("position %s (%s): illegal transition %s -> %s", p.ID, p.Symbol, p.Status, to)
	}
	p.Status = to
	p.Reconciling = false
	p.UpdatedAt = at
	return nil
}

// Active reports whether the position is not CLOSED.
func (p *Position) Active() bool { return p.Status != PositionClosed }

// HoldingMinutes returns the time between entry and exit in minutes.
func (p *Position) HoldingMinutes() float64 {
	if p.EntryTime.IsZero() || p.ExitTime.IsZero() {
		return 0
	}
	return p.ExitTime.Sub(p.EntryTime).Minutes()
}

// Trade is an immutable fill record.
type Trade struct {
	ID            string    `json:"id"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"`
	Fees          float64   `json:"fees"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
	BrokerOrderID string    `json:"broker_order_id"`
	ClientOrderID string    `json:"client_order_id"`
	ResultCode    string    `json:"result_code"`
}
