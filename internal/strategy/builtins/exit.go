package builtins

import (
	"fmt"

	"autotrade/internal/config"
	"autotrade/internal/domain"
)

// Exit evaluates an open position against the hard price levels first and
// the indicator rules second.
type Exit struct {
	Cfg config.ExitConfig
}

// NewExit creates an Exit rule set.
func NewExit(cfg config.ExitConfig) *Exit { return &Exit{Cfg: cfg} }

// Levels returns the stop-loss and take-profit prices for an entry price.
func (e *Exit) Levels(entry float64) (stop, target float64) {
	return entry * (1 - e.Cfg.StopLossPct/100), entry * (1 + e.Cfg.TakeProfitPct/100)
}

// Evaluate checks pos at the given quote and indicators. A failed result
// carries the exit reason as its blocker; a passing one means hold. The
// stored stop/target take precedence over the configured percentages so a
// config change never moves an open position's levels.
func (e *Exit) Evaluate(pos *domain.Position, q domain.Quote, ind domain.Indicators) domain.StageResult {
	res := domain.StageResult{Stage: domain.StageExit, Passed: true}
	price := q.Price
	if price <= 0 {
		return res
	}

	stop, target := pos.StopPrice, pos.TargetPrice
	if stop <= 0 || target <= 0 {
		stop, target = e.Levels(pos.EntryPrice)
	}

	switch {
	case price <= stop:
		res.Passed, res.Blocker = false, domain.ExitStopLoss
		res.Detail = fmt.Sprintf("price %.0f <= stop %.0f", price, stop)
	case price >= target:
		res.Passed, res.Blocker = false, domain.ExitTakeProfit
		res.Detail = fmt.Sprintf("price %.0f >= target %.0f", price, target)
	case e.Cfg.ExecutionStrengthFloor > 0 && ind.ExecutionStrength > 0 && ind.ExecutionStrength < e.Cfg.ExecutionStrengthFloor:
		res.Passed, res.Blocker = false, domain.ExitMomentumFade
		res.Detail = fmt.Sprintf("execution strength %.1f < %.1f", ind.ExecutionStrength, e.Cfg.ExecutionStrengthFloor)
	case ind.TrendSlope < e.Cfg.TrendSlopeFloor:
		res.Passed, res.Blocker = false, domain.ExitMomentumFade
		res.Detail = fmt.Sprintf("trend slope %.3f < %.3f", ind.TrendSlope, e.Cfg.TrendSlopeFloor)
	}
	return res
}
