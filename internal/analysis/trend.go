package analysis

import (
	"math"

	"trading-decision-engine/internal/market"
)

// TrendDirection represents market trend
type TrendDirection string

const (
	TrendBullish  TrendDirection = "bullish"
	TrendBearish  TrendDirection = "bearish"
	TrendSideways TrendDirection = "sideways"
)

// MarketStructure represents analyzed market conditions for one timeframe
type MarketStructure struct {
	Trend            TrendDirection
	TrendStrength    float64 // 0.0 to 1.0
	HigherHighs      int
	HigherLows       int
	LowerHighs       int
	LowerLows        int
	SwingHighs       []SwingPoint
	SwingLows        []SwingPoint
	SupportLevels    []float64
	ResistanceLevels []float64
	Phase            string // "markup", "markdown", "accumulation", "distribution", "transitional"
}

// Ranging reports whether the structure describes a sideways market
func (ms *MarketStructure) Ranging() bool {
	return ms.Trend == TrendSideways
}

// SwingPoint represents a structurally significant price level
type SwingPoint struct {
	Price    float64
	BarIndex int
	Type     string // "high" or "low"
}

// TrendAnalyzer analyzes market trend and structure
type TrendAnalyzer struct {
	swingLookback int // Bars to each side that define a swing point
}

// NewTrendAnalyzer creates a new trend analyzer
func NewTrendAnalyzer(swingLookback int) *TrendAnalyzer {
	if swingLookback <= 0 {
		swingLookback = 5
	}
	return &TrendAnalyzer{swingLookback: swingLookback}
}

// AnalyzeStructure performs market structure analysis over one bar series.
// Returns nil when there is not enough data for even one swing window.
func (ta *TrendAnalyzer) AnalyzeStructure(bars []market.Bar) *MarketStructure {
	if len(bars) < ta.swingLookback*2 {
		return nil
	}

	structure := &MarketStructure{}

	structure.SwingHighs = ta.findSwings(bars, "high")
	structure.SwingLows = ta.findSwings(bars, "low")

	structure.HigherHighs, structure.LowerHighs = countProgressions(structure.SwingHighs)
	structure.HigherLows, structure.LowerLows = countProgressions(structure.SwingLows)

	structure.Trend = ta.determineTrend(structure)
	structure.TrendStrength = ta.trendStrength(structure)

	structure.SupportLevels = clusterLevels(structure.SwingLows)
	structure.ResistanceLevels = clusterLevels(structure.SwingHighs)

	structure.Phase = ta.determinePhase(bars, structure)

	return structure
}

// findSwings identifies swing highs or lows: bars that are the extreme of
// their surrounding lookback window.
func (ta *TrendAnalyzer) findSwings(bars []market.Bar, kind string) []SwingPoint {
	var swings []SwingPoint

	for i := ta.swingLookback; i < len(bars)-ta.swingLookback; i++ {
		isSwing := true
		var current float64
		if kind == "high" {
			current = bars[i].High
		} else {
			current = bars[i].Low
		}

		for j := i - ta.swingLookback; j <= i+ta.swingLookback; j++ {
			if j == i {
				continue
			}
			if kind == "high" && bars[j].High >= current {
				isSwing = false
				break
			}
			if kind == "low" && bars[j].Low <= current {
				isSwing = false
				break
			}
		}

		if isSwing {
			swings = append(swings, SwingPoint{
				Price:    current,
				BarIndex: i,
				Type:     kind,
			})
		}
	}

	return swings
}

// countProgressions counts rising and falling successive swing points
func countProgressions(swings []SwingPoint) (higher, lower int) {
	for i := 1; i < len(swings); i++ {
		if swings[i].Price > swings[i-1].Price {
			higher++
		} else if swings[i].Price < swings[i-1].Price {
			lower++
		}
	}
	return higher, lower
}

func (ta *TrendAnalyzer) determineTrend(structure *MarketStructure) TrendDirection {
	// Bullish: higher highs AND higher lows dominating
	if structure.HigherHighs > 0 && structure.HigherLows > 0 {
		if structure.HigherHighs >= structure.LowerHighs &&
			structure.HigherLows >= structure.LowerLows {
			return TrendBullish
		}
	}

	// Bearish: lower highs AND lower lows dominating
	if structure.LowerHighs > 0 && structure.LowerLows > 0 {
		if structure.LowerHighs >= structure.HigherHighs &&
			structure.LowerLows >= structure.HigherLows {
			return TrendBearish
		}
	}

	return TrendSideways
}

func (ta *TrendAnalyzer) trendStrength(structure *MarketStructure) float64 {
	totalSwings := structure.HigherHighs + structure.HigherLows +
		structure.LowerHighs + structure.LowerLows
	if totalSwings == 0 {
		return 0.0
	}

	switch structure.Trend {
	case TrendBullish:
		return float64(structure.HigherHighs+structure.HigherLows) / float64(totalSwings)
	case TrendBearish:
		return float64(structure.LowerHighs+structure.LowerLows) / float64(totalSwings)
	}

	// Sideways trend has low strength
	return 0.3
}

// clusterLevels merges swing points within 1% of each other into single levels
func clusterLevels(swings []SwingPoint) []float64 {
	if len(swings) < 2 {
		return nil
	}

	const tolerance = 0.01
	var levels []float64

	for _, swing := range swings {
		found := false
		for i, level := range levels {
			if math.Abs(swing.Price-level)/level < tolerance {
				levels[i] = (level + swing.Price) / 2
				found = true
				break
			}
		}
		if !found {
			levels = append(levels, swing.Price)
		}
	}

	return levels
}

func (ta *TrendAnalyzer) determinePhase(bars []market.Bar, structure *MarketStructure) string {
	if structure.Trend == TrendBullish && structure.TrendStrength > 0.7 {
		return "markup"
	}
	if structure.Trend == TrendBearish && structure.TrendStrength > 0.7 {
		return "markdown"
	}
	if structure.Trend == TrendSideways {
		lookback := 20
		if len(bars) < lookback {
			lookback = len(bars)
		}
		avgPrice := 0.0
		for _, b := range bars[len(bars)-lookback:] {
			avgPrice += b.Close
		}
		avgPrice /= float64(lookback)

		if bars[len(bars)-1].Close > avgPrice {
			return "accumulation"
		}
		return "distribution"
	}

	return "transitional"
}

// NearestLevel returns the closest level to price and its distance in percent.
// ok is false when no levels exist.
func NearestLevel(price float64, levels []float64) (level float64, distancePct float64, ok bool) {
	if price <= 0 || len(levels) == 0 {
		return 0, 0, false
	}

	best := levels[0]
	bestDist := math.Abs(price-levels[0]) / price
	for _, l := range levels[1:] {
		d := math.Abs(price-l) / price
		if d < bestDist {
			best = l
			bestDist = d
		}
	}

	return best, bestDist * 100, true
}

// IsPriceAtLevel checks if price is within tolerance percent of any level
func IsPriceAtLevel(price float64, levels []float64, tolerancePct float64) bool {
	_, dist, ok := NearestLevel(price, levels)
	return ok && dist < tolerancePct
}
