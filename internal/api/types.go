package api

import (
	"time"

	"autotrade/internal/domain"
	"autotrade/internal/engine"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string           `json:"status"` // ok or stale
	Now       time.Time        `json:"now"`
	Heartbeat engine.Heartbeat `json:"heartbeat"`
}

// PositionsResponse is the body of the position endpoints.
type PositionsResponse struct {
	Count     int               `json:"count"`
	Positions []domain.Position `json:"positions"`
}

// SignalsResponse is the body of GET /api/signals.
type SignalsResponse struct {
	Count   int             `json:"count"`
	Signals []domain.Signal `json:"signals"`
}

// TradesResponse is the body of GET /api/trades.
type TradesResponse struct {
	From   string         `json:"from"`
	To     string         `json:"to"`
	Count  int            `json:"count"`
	Trades []domain.Trade `json:"trades"`
}

// DiagnosisResponse is the body of GET /api/diagnosis.
type DiagnosisResponse struct {
	At      time.Time          `json:"at"`
	Symbols []engine.Diagnosis `json:"symbols"`
}

// StreamMessage is one frame on /ws/events.
type StreamMessage struct {
	Kind      string            `json:"kind"` // event or heartbeat
	Event     *domain.Event     `json:"event,omitempty"`
	Heartbeat *engine.Heartbeat `json:"heartbeat,omitempty"`
}
