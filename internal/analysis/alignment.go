package analysis

import (
	"fmt"

	"trading-decision-engine/internal/indicator"
	"trading-decision-engine/internal/market"
)

// TimeframeBias is one timeframe's directional vote
type TimeframeBias struct {
	Timeframe market.Timeframe
	Direction TrendDirection
	RSI       float64
	Momentum  float64
	Present   bool
}

// AlignmentResult summarizes how well the configured timeframes agree
type AlignmentResult struct {
	Biases []TimeframeBias

	// Fraction of present timeframes agreeing with the dominant direction
	Score     float64
	Dominant  TrendDirection
	AllAgree  bool
	Reasoning []string
}

// AlignmentAnalyzer measures cross-timeframe agreement. Absent timeframes
// count as neutral and never break alignment on their own.
type AlignmentAnalyzer struct {
	momentumPeriod int
	rsiPeriod      int
}

// NewAlignmentAnalyzer creates an analyzer with default periods
func NewAlignmentAnalyzer() *AlignmentAnalyzer {
	return &AlignmentAnalyzer{
		momentumPeriod: 10,
		rsiPeriod:      14,
	}
}

// Analyze computes the per-timeframe biases and their agreement score.
// Timeframes are evaluated in the order given so results are deterministic.
func (aa *AlignmentAnalyzer) Analyze(snap *market.Snapshot, order []market.Timeframe) *AlignmentResult {
	result := &AlignmentResult{
		Biases:    make([]TimeframeBias, 0, len(order)),
		Reasoning: make([]string, 0),
	}

	bullish, bearish, present := 0, 0, 0
	for _, tf := range order {
		series, ok := snap.Series[tf]
		if !ok || !series.Present {
			result.Biases = append(result.Biases, TimeframeBias{Timeframe: tf})
			continue
		}

		bias := aa.biasFor(tf, series.Bars)
		result.Biases = append(result.Biases, bias)
		present++

		switch bias.Direction {
		case TrendBullish:
			bullish++
		case TrendBearish:
			bearish++
		}
	}

	if present == 0 {
		result.Dominant = TrendSideways
		result.Score = 0
		result.Reasoning = append(result.Reasoning, "no timeframe data")
		return result
	}

	switch {
	case bullish > bearish:
		result.Dominant = TrendBullish
		result.Score = float64(bullish) / float64(present)
	case bearish > bullish:
		result.Dominant = TrendBearish
		result.Score = float64(bearish) / float64(present)
	default:
		result.Dominant = TrendSideways
		result.Score = 0
	}

	result.AllAgree = result.Dominant != TrendSideways &&
		(bullish == present || bearish == present)

	if result.AllAgree {
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("all %d timeframes %s", present, result.Dominant))
	} else if result.Score > 0 {
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("%d/%d timeframes %s", maxInt(bullish, bearish), present, result.Dominant))
	}

	return result
}

// biasFor derives one timeframe's directional vote from momentum and RSI
func (aa *AlignmentAnalyzer) biasFor(tf market.Timeframe, bars []market.Bar) TimeframeBias {
	bias := TimeframeBias{
		Timeframe: tf,
		Direction: TrendSideways,
		RSI:       indicator.RSI(bars, aa.rsiPeriod),
		Momentum:  indicator.Momentum(bars, aa.momentumPeriod),
		Present:   true,
	}

	switch {
	case bias.Momentum > 0.5 && bias.RSI > 50:
		bias.Direction = TrendBullish
	case bias.Momentum < -0.5 && bias.RSI < 50:
		bias.Direction = TrendBearish
	}

	return bias
}

// Divergence detects higher-timeframe disagreement against the primary
// timeframe's direction. Returns the disagreeing timeframes.
func (r *AlignmentResult) Divergence(primary market.Timeframe) []market.Timeframe {
	var primaryDir TrendDirection
	found := false
	for _, b := range r.Biases {
		if b.Timeframe == primary && b.Present {
			primaryDir = b.Direction
			found = true
			break
		}
	}
	if !found || primaryDir == TrendSideways {
		return nil
	}

	var out []market.Timeframe
	for _, b := range r.Biases {
		if !b.Present || b.Timeframe == primary || b.Direction == TrendSideways {
			continue
		}
		if b.Direction != primaryDir {
			out = append(out, b.Timeframe)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
