// Package builtins provides the qualification stages and exit rules that
// ship with the autotrade engine.
package builtins

import (
	"fmt"
	"math"

	"autotrade/internal/config"
	"autotrade/internal/domain"
	"autotrade/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Stage = (*Universe)(nil)
	_ strategy.Stage = (*PreBreakout)(nil)
	_ strategy.Stage = (*Trigger)(nil)
	_ strategy.Stage = (*Confirmation)(nil)
)

// NewPipeline builds the registry universe -> pre_breakout -> trigger ->
// confirmation from cfg.
func NewPipeline(cfg config.StrategyConfig) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	for _, st := range []strategy.Stage{
		&Universe{Cfg: cfg.Universe, Weight: cfg.Weights.Universe},
		&PreBreakout{Cfg: cfg.PreBreakout, Weight: cfg.Weights.PreBreakout},
		&Trigger{Cfg: cfg.Trigger, Weight: cfg.Weights.Trigger},
		&Confirmation{Cfg: cfg.Confirmation, Weight: cfg.Weights.Confirmation},
	} {
		if err := reg.Register(st); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func pass(weight, factor float64, detail string) domain.StageResult {
	return domain.StageResult{Passed: true, Score: weight * factor, Detail: detail}
}

func fail(b domain.Blocker, format string, args ...any) domain.StageResult {
	return domain.StageResult{Blocker: b, Detail: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// universe
// ---------------------------------------------------------------------------

// Universe rejects unusable quotes and illiquid books.
type Universe struct {
	Cfg    config.UniverseConfig
	Weight float64
}

// Name returns "universe".
func (s *Universe) Name() domain.StageName { return domain.StageUniverse }

// Evaluate checks the price is valid and the spread is tight enough.
func (s *Universe) Evaluate(c *domain.Candidate) domain.StageResult {
	q := c.Quote
	if q.Price <= 0 || math.IsNaN(q.Price) || q.Price < s.Cfg.MinPrice {
		return fail(domain.BlockerInvalidQuote, "price %.0f below %.0f", q.Price, s.Cfg.MinPrice)
	}
	if c.Indicators.SpreadPct > s.Cfg.MaxSpreadPct {
		return fail(domain.BlockerWideSpread, "spread %.2f%% > %.2f%%", c.Indicators.SpreadPct, s.Cfg.MaxSpreadPct)
	}
	return pass(s.Weight, 1, "")
}

// ---------------------------------------------------------------------------
// pre_breakout
// ---------------------------------------------------------------------------

// PreBreakout requires unusual volume and an active intraday range.
type PreBreakout struct {
	Cfg    config.PreBreakoutConfig
	Weight float64
}

// Name returns "pre_breakout".
func (s *PreBreakout) Name() domain.StageName { return domain.StagePreBreakout }

// Evaluate checks the volume spike and intraday volatility.
func (s *PreBreakout) Evaluate(c *domain.Candidate) domain.StageResult {
	ind := c.Indicators
	if ind.VolumeRatio < s.Cfg.VolumeSpikeRatioMin {
		return fail(domain.BlockerNoVolumeSpike, "volume ratio %.2f < %.2f", ind.VolumeRatio, s.Cfg.VolumeSpikeRatioMin)
	}
	if ind.VolatilityPct < s.Cfg.IntradayVolatilityPctMin {
		return fail(domain.BlockerLowVolatility, "volatility %.2f%% < %.2f%%", ind.VolatilityPct, s.Cfg.IntradayVolatilityPctMin)
	}
	return pass(s.Weight, 1, "")
}

// ---------------------------------------------------------------------------
// trigger
// ---------------------------------------------------------------------------

// Trigger grades the breakout by volatility zone and requires volume to
// confirm it.
type Trigger struct {
	Cfg    config.TriggerConfig
	Weight float64
}

// Name returns "trigger".
func (s *Trigger) Name() domain.StageName { return domain.StageTrigger }

// Evaluate scores zone 3 at Zone3Factor, zone 2 at Zone2Factor and zone 1 at
// Zone1Factor of the weight.
func (s *Trigger) Evaluate(c *domain.Candidate) domain.StageResult {
	ind := c.Indicators
	if ind.VolatilityPct < s.Cfg.BreakoutZone1Pct {
		return fail(domain.BlockerNoBreakout, "volatility %.2f%% < zone 1 %.2f%%", ind.VolatilityPct, s.Cfg.BreakoutZone1Pct)
	}
	if ind.VolumeRatio < s.Cfg.MinVolumeRatio {
		return fail(domain.BlockerLowVolume, "volume ratio %.2f < %.2f", ind.VolumeRatio, s.Cfg.MinVolumeRatio)
	}

	switch {
	case ind.VolatilityPct >= s.Cfg.BreakoutZone3Pct:
		return pass(s.Weight, s.Cfg.Zone3Factor, "zone 3")
	case ind.VolatilityPct >= s.Cfg.BreakoutZone2Pct:
		return pass(s.Weight, s.Cfg.Zone2Factor, "zone 2")
	default:
		return pass(s.Weight, s.Cfg.Zone1Factor, "zone 1")
	}
}

// ---------------------------------------------------------------------------
// confirmation
// ---------------------------------------------------------------------------

// Confirmation checks that buyers carry the move.
type Confirmation struct {
	Cfg    config.ConfirmationConfig
	Weight float64
}

// Name returns "confirmation".
func (s *Confirmation) Name() domain.StageName { return domain.StageConfirmation }

// Evaluate checks execution strength, spread and trend slope.
func (s *Confirmation) Evaluate(c *domain.Candidate) domain.StageResult {
	ind := c.Indicators
	if ind.ExecutionStrength < s.Cfg.ExecutionStrengthMin {
		return fail(domain.BlockerWeakExecution, "execution strength %.1f < %.1f", ind.ExecutionStrength, s.Cfg.ExecutionStrengthMin)
	}
	if ind.SpreadPct > s.Cfg.SpreadPctMax {
		return fail(domain.BlockerWideSpread, "spread %.2f%% > %.2f%%", ind.SpreadPct, s.Cfg.SpreadPctMax)
	}
	if ind.TrendSlope < s.Cfg.TrendSlopeMin {
		return fail(domain.BlockerWeakTrend, "trend slope %.3f < %.3f", ind.TrendSlope, s.Cfg.TrendSlopeMin)
	}
	return pass(s.Weight, 1, "")
}
