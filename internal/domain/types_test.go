package domain

import (
	"math"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Quote can be instantiated with zero values.
	q := Quote{}
	if q.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Quote")
	}
	if !q.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Quote")
	}

	// Verify Trade can be instantiated with zero values.
	trade := Trade{}
	if trade.Qty != 0 || trade.Price != 0 {
		t.Error("expected zero Qty/Price for zero-value Trade")
	}
	if trade.ClientOrderID != "" || trade.ID != "" {
		t.Error("expected empty ClientOrderID/ID for zero-value Trade")
	}

	// Verify enum constants are defined correctly.
	if SideBuy != "BUY" || SideSell != "SELL" {
		t.Errorf("Side constants = %q/%q, want BUY/SELL", SideBuy, SideSell)
	}
	if ModeDryRun != "DRY_RUN" || ModeLive != "LIVE" {
		t.Error("Mode constants have unexpected values")
	}

	now := time.Now()
	signal := Signal{
		ID:        "sig-1",
		Symbol:    "005930",
		Decision:  DecisionRejected,
		Stage:     StageTrigger,
		Reason:    BlockerLowVolume,
		Results:   []StageResult{{Stage: StageUniverse, Passed: true, Score: 20}},
		CreatedAt: now,
	}
	if signal.Reason != "BLOCKER_LOW_VOLUME" {
		t.Errorf("signal.Reason = %q, want %q", signal.Reason, "BLOCKER_LOW_VOLUME")
	}
}

func TestQuoteDerivedMetrics(t *testing.T) {
	q := Quote{Open: 100, High: 103, Low: 101, Bid: 99.5, Ask: 100.5}
	if got := q.VolatilityPct(); math.Abs(got-2) > 1e-9 {
		t.Errorf("VolatilityPct() = %v, want 2", got)
	}
	if got := q.SpreadPct(); math.Abs(got-1) > 1e-9 {
		t.Errorf("SpreadPct() = %v, want 1", got)
	}

	oneSided := Quote{Bid: 0, Ask: 100}
	if got := oneSided.SpreadPct(); !math.IsInf(got, 1) {
		t.Errorf("SpreadPct() without bid = %v, want +Inf", got)
	}
	if got := (Quote{}).VolatilityPct(); got != 0 {
		t.Errorf("VolatilityPct() of zero quote = %v, want 0", got)
	}
}

func TestPositionTransitions(t *testing.T) {
	legal := []struct{ from, to PositionStatus }{
		{PositionPendingEntry, PositionOpen},
		{PositionPendingEntry, PositionClosed},
		{PositionOpen, PositionPendingExit},
		{PositionPendingExit, PositionClosed},
		{PositionPendingExit, PositionOpen},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to PositionStatus }{
		{PositionOpen, PositionClosed},
		{PositionClosed, PositionOpen},
		{PositionPendingEntry, PositionPendingExit},
		{PositionOpen, PositionPendingEntry},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestPositionTransitionClearsReconciling(t *testing.T) {
	p := &Position{ID: "p1", Symbol: "005930", Status: PositionPendingEntry, Reconciling: true}
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	if err := p.Transition(PositionOpen, at); err != nil {
		t.Fatalf("Transition(OPEN) returned error: %v", err)
	}
	if p.Reconciling {
		t.Error("Reconciling = true after transition, want false")
	}
	if !p.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, at)
	}
	if err := p.Transition(PositionClosed, at); err == nil {
		t.Error("Transition(OPEN -> CLOSED) returned nil error, want illegal transition")
	}
}
