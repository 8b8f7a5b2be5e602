package strategy

import (
	"fmt"

	"autotrade/internal/domain"
)

// Scorer runs a candidate through the registered stages strictly in order,
// stopping at the first failure. The composite score is the sum of the
// partial scores of the stages that passed; a failed stage and every stage
// after it contribute nothing, and a rejected candidate keeps the sum of the
// stages before the failure.
type Scorer struct {
	registry     *Registry
	minComposite float64
}

// NewScorer creates a Scorer over reg. A positive minComposite adds a final
// gate that rejects passing candidates whose composite score falls short.
func NewScorer(reg *Registry, minComposite float64) *Scorer {
	return &Scorer{registry: reg, minComposite: minComposite}
}

// Indicators derives the values the stages evaluate from a quote and the
// symbol's current trend slope.
func Indicators(q domain.Quote, trendSlope float64) domain.Indicators {
	return domain.Indicators{
		VolatilityPct:     q.VolatilityPct(),
		SpreadPct:         q.SpreadPct(),
		VolumeRatio:       q.VolumeRatio,
		ExecutionStrength: q.ExecutionStrength,
		TrendSlope:        trendSlope,
	}
}

// Score evaluates q. Identical inputs always yield identical results.
func (s *Scorer) Score(q domain.Quote, trendSlope float64) domain.Candidate {
	c := domain.Candidate{
		Symbol:     q.Symbol,
		Quote:      q,
		Indicators: Indicators(q, trendSlope),
	}

	for _, st := range s.registry.stages {
		res := st.Evaluate(&c)
		res.Stage = st.Name()
		if !res.Passed {
			res.Score = 0
			c.Results = append(c.Results, res)
			c.FailedAt, c.Blocker = res.Stage, res.Blocker
			return c
		}
		c.Results = append(c.Results, res)
		c.Score += res.Score
	}

	if s.minComposite > 0 && c.Score < s.minComposite {
		c.Results = append(c.Results, domain.StageResult{
			Stage:   domain.StageComposite,
			Blocker: domain.BlockerLowScore,
			Detail:  fmt.Sprintf("score %.2f < %.2f", c.Score, s.minComposite),
		})
		c.FailedAt, c.Blocker = domain.StageComposite, domain.BlockerLowScore
		return c
	}

	c.Passed = true
	return c
}
