package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-decision-engine/internal/market"
)

// zigzagBars builds an oscillating series whose base drifts by step per bar.
// The oscillation period of four bars produces a swing high every cycle at
// i%4==1 and a swing low at i%4==3 for a lookback-2 analyzer.
func zigzagBars(n int, step float64) []market.Bar {
	osc := []float64{0, 1.5, 0, -1.5}
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		close := 100 + step*float64(i) + osc[i%4]
		bars[i] = market.Bar{
			Open:   close,
			High:   close + 0.2,
			Low:    close - 0.2,
			Close:  close,
			Volume: 1000,
		}
	}
	return bars
}

func TestAnalyzeStructureBullish(t *testing.T) {
	ta := NewTrendAnalyzer(2)

	structure := ta.AnalyzeStructure(zigzagBars(24, 0.8))
	require.NotNil(t, structure)

	assert.Equal(t, TrendBullish, structure.Trend)
	assert.Greater(t, structure.HigherHighs, 0)
	assert.Greater(t, structure.HigherLows, 0)
	assert.Zero(t, structure.LowerHighs)
	assert.Zero(t, structure.LowerLows)
	assert.InDelta(t, 1.0, structure.TrendStrength, 1e-9)
	assert.Equal(t, "markup", structure.Phase)
	assert.False(t, structure.Ranging())
}

func TestAnalyzeStructureBearish(t *testing.T) {
	ta := NewTrendAnalyzer(2)

	structure := ta.AnalyzeStructure(zigzagBars(24, -0.8))
	require.NotNil(t, structure)

	assert.Equal(t, TrendBearish, structure.Trend)
	assert.Greater(t, structure.LowerHighs, 0)
	assert.Greater(t, structure.LowerLows, 0)
	assert.InDelta(t, 1.0, structure.TrendStrength, 1e-9)
	assert.Equal(t, "markdown", structure.Phase)
}

func TestAnalyzeStructureSidewaysClustersLevels(t *testing.T) {
	ta := NewTrendAnalyzer(2)

	// Zero drift: every swing repeats the same price, so nothing progresses
	// and all swing lows merge into a single support level.
	structure := ta.AnalyzeStructure(zigzagBars(24, 0))
	require.NotNil(t, structure)

	assert.Equal(t, TrendSideways, structure.Trend)
	assert.True(t, structure.Ranging())
	assert.InDelta(t, 0.0, structure.TrendStrength, 1e-9)
	assert.Len(t, structure.SupportLevels, 1)
	assert.Len(t, structure.ResistanceLevels, 1)
}

func TestAnalyzeStructureNeedsEnoughBars(t *testing.T) {
	ta := NewTrendAnalyzer(0) // defaults to lookback 5

	assert.Nil(t, ta.AnalyzeStructure(zigzagBars(9, 0.8)))
	assert.NotNil(t, ta.AnalyzeStructure(zigzagBars(10, 0.8)))
}

func TestNearestLevel(t *testing.T) {
	levels := []float64{100, 110}

	level, dist, ok := NearestLevel(101, levels)
	require.True(t, ok)
	assert.Equal(t, 100.0, level)
	assert.InDelta(t, 0.990, dist, 0.001)

	_, _, ok = NearestLevel(101, nil)
	assert.False(t, ok)

	_, _, ok = NearestLevel(0, levels)
	assert.False(t, ok)
}

func TestIsPriceAtLevel(t *testing.T) {
	levels := []float64{100, 110}

	assert.True(t, IsPriceAtLevel(101, levels, 1.5))
	assert.False(t, IsPriceAtLevel(101, levels, 0.5))
	assert.False(t, IsPriceAtLevel(101, nil, 1.5))
}
