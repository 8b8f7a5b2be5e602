package domain

// Blocker is a machine-readable reason code explaining why a candidate was
// rejected, an entry was blocked, or a position was exited.
type Blocker string

// Strategy stage blockers.
const (
	BlockerInvalidQuote   Blocker = "BLOCKER_INVALID_QUOTE"
	BlockerWideSpread     Blocker = "BLOCKER_WIDE_SPREAD"
	BlockerNoVolumeSpike  Blocker = "BLOCKER_NO_VOLUME_SPIKE"
	BlockerLowVolatility  Blocker = "BLOCKER_LOW_VOLATILITY"
	BlockerNoBreakout     Blocker = "BLOCKER_NO_BREAKOUT"
	BlockerLowVolume      Blocker = "BLOCKER_LOW_VOLUME"
	BlockerWeakExecution  Blocker = "BLOCKER_WEAK_EXECUTION"
	BlockerWeakTrend      Blocker = "BLOCKER_WEAK_TREND"
	BlockerLowScore       Blocker = "BLOCKER_LOW_SCORE"
	BlockerNoQuote        Blocker = "BLOCKER_NO_QUOTE"
	BlockerPositionExists Blocker = "BLOCKER_POSITION_EXISTS"
	BlockerQtyZero        Blocker = "BLOCKER_QTY_ZERO"
)

// Risk and execution blockers.
const (
	BlockerMaxOrders      Blocker = "MAX_ORDERS_REACHED"
	BlockerDailyLoss      Blocker = "DAILY_LOSS_LIMIT"
	BlockerDailyLossPct   Blocker = "DAILY_LOSS_PCT_LIMIT"
	BlockerMaxPositions   Blocker = "MAX_POSITIONS_REACHED"
	BlockerCooldown       Blocker = "COOLDOWN_ACTIVE"
	BlockerMarketClosed   Blocker = "MARKET_CLOSED"
	BlockerOrderRejected  Blocker = "ORDER_REJECTED"
	BlockerConfigInvalid  Blocker = "CONFIG_INVALID"
	BlockerOrderUncertain Blocker = "ORDER_RECONCILING"
	BlockerEngineDisabled Blocker = "ENGINE_DISABLED"
)

// Exit reasons.
const (
	ExitStopLoss     Blocker = "EXIT_STOP_LOSS"
	ExitTakeProfit   Blocker = "EXIT_TAKE_PROFIT"
	ExitMomentumFade Blocker = "EXIT_MOMENTUM_FADE"
	ExitNone         Blocker = ""
)

// Decision is the outcome of a risk gate: either allowed, or blocked with a
// reason code.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  Blocker `json:"reason,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// Pass returns an allowing Decision.
func Pass() Decision { return Decision{Allowed: true} }

// Blocked returns a blocking Decision with the given reason.
func Blocked(reason Blocker, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}
