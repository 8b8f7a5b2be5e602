package domain

import "time"

// StageName identifies a qualification stage of the strategy pipeline.
type StageName string

const (
	StageUniverse     StageName = "universe"
	StagePreBreakout  StageName = "pre_breakout"
	StageTrigger      StageName = "trigger"
	StageConfirmation StageName = "confirmation"
	StageComposite    StageName = "composite"
	StageExit         StageName = "exit"

	// Gates after scoring that can still reject a passing candidate.
	StageRisk      StageName = "risk"
	StageExecution StageName = "execution"
)

// StageResult is the outcome of one stage for one candidate.
type StageResult struct {
	Stage   StageName `json:"stage"`
	Passed  bool      `json:"passed"`
	Score   float64   `json:"score"`
	Blocker Blocker   `json:"blocker,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Indicators are the derived values the stages evaluate.
type Indicators struct {
	VolatilityPct     float64 `json:"volatility_pct"`
	SpreadPct         float64 `json:"spread_pct"`
	VolumeRatio       float64 `json:"volume_ratio"`
	ExecutionStrength float64 `json:"execution_strength"`
	TrendSlope        float64 `json:"trend_slope"`
}

// Candidate is a symbol under evaluation during a single scan tick.
type Candidate struct {
	Symbol     string        `json:"symbol"`
	Quote      Quote         `json:"quote"`
	Indicators Indicators    `json:"indicators"`
	Results    []StageResult `json:"results"`
	Score      float64       `json:"score"`
	Passed     bool          `json:"passed"`
	FailedAt   StageName     `json:"failed_at,omitempty"`
	Blocker    Blocker       `json:"blocker,omitempty"`
}

// SignalDecision records what the engine did with an evaluated candidate.
type SignalDecision string

const (
	DecisionEntered  SignalDecision = "entered"
	DecisionRejected SignalDecision = "rejected"
)

// Signal is an immutable record of one candidate evaluation.
type Signal struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	CreatedAt  time.Time      `json:"created_at"`
	Decision   SignalDecision `json:"decision"`
	Stage      StageName      `json:"stage,omitempty"`
	Reason     Blocker        `json:"reason,omitempty"`
	Score      float64        `json:"score"`
	Results    []StageResult  `json:"results"`
	PositionID string         `json:"position_id,omitempty"`
}

// Event types emitted on the notification channel.
type EventType string

const (
	EventOrderFilled   EventType = "ORDER_FILLED"
	EventOrderRejected EventType = "ORDER_REJECTED"
	EventRiskBlocked   EventType = "RISK_BLOCKED"
	EventExitTriggered EventType = "EXIT_TRIGGERED"
	EventEngineFatal   EventType = "ENGINE_FATAL"
)

// Event is a fire-and-forget notification.
type Event struct {
	Type    EventType `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	Reason  Blocker   `json:"reason,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
