// Package quality scores candidate entries from a weighted table of named
// rules. Weights come from configuration so they can be tuned without code
// changes, and each rule is independently testable.
package quality

import (
	"fmt"
	"sort"

	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/market"
)

// Rule names. Every rule must have a weight in the configured table or it
// contributes nothing.
const (
	RuleRegimeAlignment    = "regime_alignment"
	RuleConfluenceStrength = "confluence_strength"
	RuleVolumeConfirmation = "volume_confirmation"
	RuleRiskReward         = "risk_reward"
	RuleDivergencePenalty  = "divergence_penalty"
)

// Context carries the analysis results a candidate entry is scored against
type Context struct {
	Direction  market.Direction
	Structure  *analysis.MarketStructure
	Alignment  *analysis.AlignmentResult
	Volume     *analysis.VolumeProfile
	RiskReward float64 // Target distance over stop distance
	Primary    market.Timeframe
}

// Rule evaluates one aspect of entry quality, returning a value in [-1, 1]
type Rule struct {
	Name     string
	Evaluate func(ctx Context) float64
}

// Contribution is one rule's weighted share of the final score
type Contribution struct {
	Rule   string  `json:"rule"`
	Raw    float64 `json:"raw"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// Score is the signed composite. Only its sign and ordering matter; there
// are no fixed bounds.
type Score struct {
	Value         float64        `json:"value"`
	Contributions []Contribution `json:"contributions"`
}

// Positive reports whether the composite supports taking the entry
func (s *Score) Positive() bool {
	return s.Value > 0
}

// Summary renders the top contributions for reason strings
func (s *Score) Summary() string {
	if len(s.Contributions) == 0 {
		return "no quality rules evaluated"
	}
	out := ""
	for i, c := range s.Contributions {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%.2f", c.Rule, c.Score)
	}
	return out
}

// Scorer applies the rule table with configured weights
type Scorer struct {
	rules   []Rule
	weights map[string]float64
}

// NewScorer builds a scorer with the standard rule set and the given weights
func NewScorer(weights map[string]float64) *Scorer {
	return &Scorer{
		rules: []Rule{
			{Name: RuleRegimeAlignment, Evaluate: evalRegimeAlignment},
			{Name: RuleConfluenceStrength, Evaluate: evalConfluenceStrength},
			{Name: RuleVolumeConfirmation, Evaluate: evalVolumeConfirmation},
			{Name: RuleRiskReward, Evaluate: evalRiskReward},
			{Name: RuleDivergencePenalty, Evaluate: evalDivergencePenalty},
		},
		weights: weights,
	}
}

// Evaluate runs every weighted rule and sums the contributions.
// Contributions are sorted by absolute impact, largest first.
func (s *Scorer) Evaluate(ctx Context) *Score {
	score := &Score{Contributions: make([]Contribution, 0, len(s.rules))}

	for _, rule := range s.rules {
		weight, ok := s.weights[rule.Name]
		if !ok || weight == 0 {
			continue
		}
		raw := rule.Evaluate(ctx)
		contribution := Contribution{
			Rule:   rule.Name,
			Raw:    raw,
			Weight: weight,
			Score:  raw * weight,
		}
		score.Contributions = append(score.Contributions, contribution)
		score.Value += contribution.Score
	}

	sort.SliceStable(score.Contributions, func(i, j int) bool {
		return abs(score.Contributions[i].Score) > abs(score.Contributions[j].Score)
	})

	return score
}

// evalRegimeAlignment rewards a market structure trending the same way as
// the candidate and penalizes trading against it. Ranging regimes are mildly
// negative for any direction.
func evalRegimeAlignment(ctx Context) float64 {
	if ctx.Structure == nil {
		return 0
	}
	if ctx.Structure.Ranging() {
		return -0.3
	}

	aligned := (ctx.Direction == market.DirectionLong && ctx.Structure.Trend == analysis.TrendBullish) ||
		(ctx.Direction == market.DirectionShort && ctx.Structure.Trend == analysis.TrendBearish)
	if aligned {
		return ctx.Structure.TrendStrength
	}
	return -ctx.Structure.TrendStrength
}

// evalConfluenceStrength rewards cross-timeframe agreement with the
// candidate direction
func evalConfluenceStrength(ctx Context) float64 {
	if ctx.Alignment == nil {
		return 0
	}

	aligned := (ctx.Direction == market.DirectionLong && ctx.Alignment.Dominant == analysis.TrendBullish) ||
		(ctx.Direction == market.DirectionShort && ctx.Alignment.Dominant == analysis.TrendBearish)
	if !aligned {
		return -ctx.Alignment.Score
	}
	if ctx.Alignment.AllAgree {
		return 1.0
	}
	return ctx.Alignment.Score
}

// evalVolumeConfirmation rewards volume behavior matching the direction
func evalVolumeConfirmation(ctx Context) float64 {
	if ctx.Volume == nil {
		return 0
	}
	if ctx.Volume.ConfirmsDirection(ctx.Direction) {
		if ctx.Volume.IsHighVolume {
			return 1.0
		}
		return 0.6
	}
	if ctx.Volume.AgainstPosition(ctx.Direction) {
		return -0.8
	}
	return 0
}

// evalRiskReward maps the computed risk/reward ratio onto [-1, 1].
// 1:1 is neutral, 3:1 or better saturates.
func evalRiskReward(ctx Context) float64 {
	if ctx.RiskReward <= 0 {
		return 0
	}
	v := (ctx.RiskReward - 1.0) / 2.0
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return v
}

// evalDivergencePenalty penalizes higher timeframes disagreeing with the
// primary timeframe's direction. Always <= 0.
func evalDivergencePenalty(ctx Context) float64 {
	if ctx.Alignment == nil {
		return 0
	}
	diverging := ctx.Alignment.Divergence(ctx.Primary)
	if len(diverging) == 0 {
		return 0
	}
	v := -0.5 * float64(len(diverging))
	if v < -1 {
		v = -1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
