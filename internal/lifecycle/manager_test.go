package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/decision"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/market"
)

func testLifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		TargetMultiplierMin:      1.0,
		TargetMultiplierMax:      3.5,
		ExitQuorum:               3,
		HardLossPercent:          2.5,
		MinAgeBars:               3,
		MaxAverageDownAttempts:   2,
		RecoveryProbabilityMin:   0.55,
		AverageDownDecay:         0.6,
		StructuralLevelProximity: 0.4,
		LargePositionPercent:     15.0,
		MaxPositionPercent:       25.0,
		ScaleInConfidenceMin:     0.65,
		ScaleOutProfitFraction:   0.8,
	}
}

func newTestManager() *Manager {
	return NewManager(testLifecycleConfig(), zerolog.Nop())
}

func flatBars(n int, price float64) []market.Bar {
	bars := make([]market.Bar, n)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Bar{
			OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open:     price,
			High:     price * 1.01,
			Low:      price * 0.99,
			Close:    price,
			Volume:   1000,
		}
	}
	return bars
}

func lifecycleSnapshot(positions ...market.PositionRecord) *market.Snapshot {
	return &market.Snapshot{
		Instrument: market.InstrumentSpec{
			Symbol:       "BTCUSDT",
			AssetClass:   "crypto",
			LotStep:      0.001,
			MinLot:       0.001,
			MaxLot:       100,
			ContractSize: 1,
		},
		Timestamp:        time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
		PrimaryTimeframe: market.TF15m,
		Series: map[market.Timeframe]market.Series{
			market.TF15m: {Timeframe: market.TF15m, Bars: flatBars(60, 100), Present: true},
		},
		Account:   market.AccountState{Balance: 10000, Equity: 10000},
		Positions: positions,
	}
}

func longPosition(pnl float64, ageBars, avgDownCount int) market.PositionRecord {
	return market.PositionRecord{
		Instrument:       "BTCUSDT",
		Direction:        market.DirectionLong,
		Size:             0.5,
		EntryPrice:       100,
		PnLPercent:       pnl,
		AgeBars:          ageBars,
		AverageDownCount: avgDownCount,
	}
}

func buyPrediction(confidence float64) *ensemble.Prediction {
	return &ensemble.Prediction{Direction: ensemble.DirectionBuy, Confidence: confidence}
}

func sellPrediction(confidence float64) *ensemble.Prediction {
	return &ensemble.Prediction{Direction: ensemble.DirectionSell, Confidence: confidence}
}

func bearishAlignment() *analysis.AlignmentResult {
	return &analysis.AlignmentResult{Dominant: analysis.TrendBearish, Score: 1.0, AllAgree: true}
}

func bullishAlignment() *analysis.AlignmentResult {
	return &analysis.AlignmentResult{Dominant: analysis.TrendBullish, Score: 1.0, AllAgree: true}
}

func TestHardLossFloorOverridesEverything(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-3.0, 1, 0) // Still inside the age grace period

	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.9), nil, nil, nil)

	assert.Equal(t, decision.Close, outcome.Action)
	assert.Contains(t, outcome.Reason, "hard loss floor")
}

func TestYoungPositionHeldThroughNoise(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-1.0, 1, 0)

	// Everything screams exit, but the position is too young
	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, sellPrediction(0.9), nil, bearishAlignment(),
		&analysis.VolumeProfile{Regime: analysis.VolumeDistribution})

	assert.Equal(t, decision.Hold, outcome.Action)
	assert.Contains(t, outcome.Reason, "grace period")
}

func TestSingleSignalNeverCloses(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-0.5, 10, 2) // Attempts exhausted so no average-down

	// Only the ensemble reversal fires
	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, sellPrediction(0.9), nil, nil, nil)

	assert.Equal(t, decision.Hold, outcome.Action)
	firing := 0
	for _, s := range outcome.Signals {
		if s.Firing {
			firing++
		}
	}
	assert.Equal(t, 1, firing)
}

func TestExitQuorumCloses(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-0.6, 10, 0)

	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos,
		sellPrediction(0.9),
		nil,
		bearishAlignment(),
		&analysis.VolumeProfile{Regime: analysis.VolumeDistribution})

	assert.Equal(t, decision.Close, outcome.Action)
	assert.Contains(t, outcome.Reason, "exit quorum met")
}

func TestAverageDownAtStructuralLevel(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-0.8, 10, 0)
	snap := lifecycleSnapshot(pos)

	structure := &analysis.MarketStructure{
		Trend:         analysis.TrendBullish,
		TrendStrength: 0.8,
		SupportLevels: []float64{100.1}, // Within 0.4% of the current price
	}
	volume := &analysis.VolumeProfile{VolumeType: "buying", VolumeRatio: 1.5}

	outcome := m.Evaluate(snap, &pos, buyPrediction(0.8), structure, bullishAlignment(), volume)

	require.Equal(t, decision.AverageDown, outcome.Action)
	assert.Greater(t, outcome.Size, 0.0)
	assert.Less(t, outcome.Size, pos.Size)
	assert.GreaterOrEqual(t, outcome.Confidence, m.cfg.RecoveryProbabilityMin)
}

func TestAverageDownDeclinedWithoutLevel(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-0.8, 10, 0)

	structure := &analysis.MarketStructure{
		Trend:         analysis.TrendBullish,
		TrendStrength: 0.8,
		SupportLevels: []float64{90}, // 10% away
	}

	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.8), structure, bullishAlignment(), nil)

	assert.Equal(t, decision.Hold, outcome.Action)
	assert.Contains(t, outcome.Reason, "no structural level")
}

func TestAverageDownAttemptCap(t *testing.T) {
	m := newTestManager()
	pos := longPosition(-0.8, 10, 2) // At the cap

	structure := &analysis.MarketStructure{
		Trend:         analysis.TrendBullish,
		TrendStrength: 0.8,
		SupportLevels: []float64{100},
	}

	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.9), structure, bullishAlignment(), nil)

	assert.Equal(t, decision.Hold, outcome.Action)
	assert.Contains(t, outcome.Reason, "attempts exhausted")
}

func TestAverageDownSizeDecays(t *testing.T) {
	m := newTestManager()
	structure := &analysis.MarketStructure{
		Trend:         analysis.TrendBullish,
		TrendStrength: 0.8,
		SupportLevels: []float64{100},
	}
	volume := &analysis.VolumeProfile{VolumeType: "buying", VolumeRatio: 1.5}

	first := longPosition(-0.8, 10, 0)
	second := longPosition(-0.8, 10, 1)

	o1 := m.Evaluate(lifecycleSnapshot(first), &first, buyPrediction(0.8), structure, bullishAlignment(), volume)
	o2 := m.Evaluate(lifecycleSnapshot(second), &second, buyPrediction(0.8), structure, bullishAlignment(), volume)

	require.Equal(t, decision.AverageDown, o1.Action)
	require.Equal(t, decision.AverageDown, o2.Action)
	assert.Less(t, o2.Size, o1.Size)
}

func TestScaleOutLargeWinnerPastTarget(t *testing.T) {
	m := newTestManager()
	pos := longPosition(6.0, 10, 0)
	pos.Size = 20 // 20 * 100 = 20% of a 10k balance: past the 15% "large" line

	snap := lifecycleSnapshot(pos)
	outcome := m.Evaluate(snap, &pos, buyPrediction(0.7), nil, nil, nil)

	require.Equal(t, decision.ScaleOut, outcome.Action)
	assert.Greater(t, outcome.Size, 0.0)
	assert.Less(t, outcome.Size, pos.Size)
}

func TestScaleInSmallWinnerWithConfluence(t *testing.T) {
	m := newTestManager()
	pos := longPosition(0.5, 10, 0)
	pos.Size = 5 // 5% of balance

	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.8), nil, bullishAlignment(), nil)

	require.Equal(t, decision.ScaleIn, outcome.Action)
	assert.Greater(t, outcome.Size, 0.0)

	// Resulting exposure stays under the account-relative cap
	total := (pos.Size + outcome.Size) * pos.EntryPrice / 10000 * 100
	assert.LessOrEqual(t, total, m.cfg.MaxPositionPercent)
}

func TestScaleInBlockedByPositionCap(t *testing.T) {
	pos := longPosition(0.5, 10, 0)
	pos.Size = 14 // 14% of balance; adding 50% would reach 21%

	cfg := testLifecycleConfig()
	cfg.MaxPositionPercent = 18.0
	tight := NewManager(cfg, zerolog.Nop())

	outcome := tight.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.8), nil, bullishAlignment(), nil)

	assert.NotEqual(t, decision.ScaleIn, outcome.Action)
	assert.Equal(t, decision.Hold, outcome.Action)
}

func TestScaleInRequiresAgreementWithPosition(t *testing.T) {
	m := newTestManager()
	pos := longPosition(0.5, 10, 0)
	pos.Size = 5 // 5% of balance, well under the "large" line

	// Ensemble confidently wants the other side; full bearish confluence
	// must not add to a long, however high the confidence
	outcome := m.Evaluate(lifecycleSnapshot(pos), &pos, sellPrediction(0.9), nil, bearishAlignment(), nil)
	assert.NotEqual(t, decision.ScaleIn, outcome.Action)
	assert.Equal(t, decision.Hold, outcome.Action)

	// A buy vote without bullish confluence behind it is not enough either
	outcome = m.Evaluate(lifecycleSnapshot(pos), &pos, buyPrediction(0.9), nil, bearishAlignment(), nil)
	assert.NotEqual(t, decision.ScaleIn, outcome.Action)
}

func TestDynamicTargetBounds(t *testing.T) {
	m := newTestManager()

	low := m.dynamicTarget(1.0, -0.5, nil, nil, nil, &analysis.MarketStructure{Trend: analysis.TrendSideways})
	assert.InDelta(t, m.cfg.TargetMultiplierMin*1.0, low, 1e-9)

	high := m.dynamicTarget(1.0, 1.0,
		&ensemble.Prediction{Confidence: 1.0},
		&analysis.VolumeProfile{IsHighVolume: true},
		&analysis.AlignmentResult{AllAgree: true},
		&analysis.MarketStructure{Trend: analysis.TrendBullish})
	assert.LessOrEqual(t, high, m.cfg.TargetMultiplierMax*1.0)
	assert.Greater(t, high, low)
}

func TestTargetScalesWithVolatility(t *testing.T) {
	m := newTestManager()
	quiet := m.dynamicTarget(0.5, 0.5, buyPrediction(0.7), nil, nil, nil)
	wild := m.dynamicTarget(2.0, 0.5, buyPrediction(0.7), nil, nil, nil)
	assert.Greater(t, wild, quiet)
}
