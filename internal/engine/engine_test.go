package engine

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/cache"
	"trading-decision-engine/internal/decision"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/events"
	"trading-decision-engine/internal/features"
	"trading-decision-engine/internal/market"
	"trading-decision-engine/internal/quality"
)

func testConfig(modelDir string) *config.Config {
	return &config.Config{
		EngineConfig: config.EngineConfig{
			PrimaryTimeframe: "15m",
			Timeframes:       []string{"15m"},
			MinBars:          30,
			BarWindow:        100,
		},
		EnsembleConfig: config.EnsembleConfig{
			ModelDir:       modelDir,
			MinProbability: 0.35,
			MinMargin:      0.05,
		},
		QualityConfig: config.QualityConfig{
			RuleWeights: map[string]float64{
				quality.RuleRegimeAlignment:    0.30,
				quality.RuleConfluenceStrength: 0.25,
				quality.RuleVolumeConfirmation: 0.20,
				quality.RuleRiskReward:         0.15,
				quality.RuleDivergencePenalty:  0.10,
			},
		},
		EntryConfig: config.EntryConfig{
			BaseMinConfidence:      0.55,
			PerformanceSensitivity: 0.10,
			HighConfidenceBypass:   0.80,
			BypassMinConfidence:    0.50,
			BypassMinRiskReward:    2.0,
			RiskPerTradePercent:    1.0,
			ATRPeriod:              14,
			ATRMultiplierSL:        1.5,
			ATRMultiplierTP:        2.0,
			MinStopDistancePercent: 0.15,
		},
		LifecycleConfig: config.LifecycleConfig{
			TargetMultiplierMin:      1.0,
			TargetMultiplierMax:      3.5,
			ExitQuorum:               2,
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
		},
		RiskConfig: config.RiskConfig{
			MaxDailyLossPercent: 3.0,
			MaxDrawdownPercent:  10.0,
			NearLimitThreshold:  0.8,
			ConservativeFactor:  0.5,
			RecentTradeWindow:   20,
		},
		BreakerConfig: config.BreakerConfig{Enabled: false},
	}
}

// biasOnlyModel ignores features and emits fixed class probabilities.
// Bias b on one class gives p = e^b / (e^b + 2).
func biasOnlyModel(class int, bias float64, featureCount int) ensemble.Model {
	weights := make([][]float64, 3)
	for c := range weights {
		weights[c] = make([]float64, featureCount)
	}
	biases := make([]float64, 3)
	biases[class] = bias

	return ensemble.Model{
		Name:          "test-model",
		SchemaVersion: features.SchemaVersion,
		FeatureCount:  featureCount,
		Weights:       weights,
		Biases:        biases,
		Weight:        1.0,
	}
}

// biasFor inverts the softmax so the winning class lands on probability p
func biasFor(p float64) float64 {
	return math.Log(2 * p / (1 - p))
}

func writeModel(t *testing.T, dir string, m ensemble.Model) {
	t.Helper()
	payload := map[string]interface{}{"scope": "global", "key": "", "model": m}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.json"), data, 0o644))
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	registry := ensemble.NewRegistry(cfg.EnsembleConfig.ModelDir, zerolog.Nop())
	require.NoError(t, registry.Load())

	return New(cfg, Deps{
		Registry: registry,
		Actions:  cache.NewActionCache(nil, zerolog.Nop()),
		Bus:      events.NewEventBus(),
	}, zerolog.Nop())
}

func featureCount() int {
	return features.NewSchema([]string{"15m"}).Size()
}

func risingRawBars(n int, start float64) []market.RawBar {
	bars := make([]market.RawBar, n)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range bars {
		bars[i] = market.RawBar{
			Time:   t0.Add(time.Duration(i) * 15 * time.Minute).Unix(),
			Open:   price,
			High:   price * 1.004,
			Low:    price * 0.997,
			Close:  price * 1.002,
			Volume: 1000 + float64(i)*20,
		}
		price = bars[i].Close
	}
	return bars
}

func fallingRawBars(n int, start float64) []market.RawBar {
	bars := make([]market.RawBar, n)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range bars {
		bars[i] = market.RawBar{
			Time:   t0.Add(time.Duration(i) * 15 * time.Minute).Unix(),
			Open:   price,
			High:   price * 1.003,
			Low:    price * 0.996,
			Close:  price * 0.998,
			Volume: 1500,
		}
		price = bars[i].Close
	}
	return bars
}

func baseRequest(bars []market.RawBar) *market.RawRequest {
	return &market.RawRequest{
		Symbol:    "BTCUSDT",
		Timestamp: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC).Unix(),
		Timeframes: map[string][]market.RawBar{
			"15m": bars,
		},
		Spec: market.RawInstrumentSpec{
			AssetClass:   "crypto",
			LotStep:      0.001,
			MinLot:       0.001,
			MaxLot:       100,
			ContractSize: 1,
			TickValue:    1,
		},
		Account: market.RawAccount{
			Balance:         10000,
			Equity:          10000,
			DayStartBalance: 10000,
			PeakBalance:     10000,
		},
	}
}

// semantics strips the per-decision envelope so two decisions can be
// compared on what they instruct
type semantics struct {
	Action      decision.Action
	Size        float64
	StopPrice   float64
	TargetPrice float64
	Reason      string
	Confidence  float64
}

func semanticsOf(d *decision.Decision) semantics {
	return semantics{d.Action, d.Size, d.StopPrice, d.TargetPrice, d.Reason, d.Confidence}
}

// Scenario: flat instrument, moderate confidence, positive quality in a
// trending regime opens a long with volatility-derived levels
func TestEntryOpensWithVolatilityStop(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	dec := e.Evaluate(context.Background(), req)

	require.Equal(t, decision.OpenBuy, dec.Action)
	assert.Greater(t, dec.Size, 0.0)
	require.Greater(t, dec.StopPrice, 0.0)
	assert.Greater(t, dec.TargetPrice, dec.StopPrice)

	// Stop distance tracks measured volatility, not a fixed offset: wilder
	// bars push the stop further out
	wild := baseRequest(risingRawBars(60, 100))
	for i := range wild.Timeframes["15m"] {
		b := &wild.Timeframes["15m"][i]
		b.High = b.Open * 1.03
		b.Low = b.Open * 0.97
	}
	e2 := newTestEngine(t, testConfig(dir))
	wildDec := e2.Evaluate(context.Background(), wild)
	require.Equal(t, decision.OpenBuy, wildDec.Action)

	calmDistance := lastClose(req) - dec.StopPrice
	wildDistance := lastClose(wild) - wildDec.StopPrice
	assert.Greater(t, wildDistance, calmDistance)
}

func lastClose(req *market.RawRequest) float64 {
	bars := req.Timeframes["15m"]
	return bars[len(bars)-1].Close
}

// Scenario: losing position, weak reversal signal, no support nearby.
// The exit quorum closes it; averaging down is never offered.
func TestLosingPositionClosesOnQuorum(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassSell, biasFor(0.40), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(fallingRawBars(60, 100))
	req.Positions = []market.RawPosition{{
		Instrument: "BTCUSDT",
		Direction:  "LONG",
		Size:       0.5,
		EntryPrice: lastClose(req) * 1.006, // -0.6%
		PnLPercent: -0.6,
		AgeBars:    10,
	}}

	dec := e.Evaluate(context.Background(), req)

	assert.Equal(t, decision.Close, dec.Action)
	assert.Contains(t, dec.Reason, "exit quorum met")
}

// Scenario: the daily loss limit is breached with an open losing position.
// CLOSE comes back no matter what the signals say.
func TestRiskBreachForcesClose(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.90), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	req.Account.Equity = 9600 // -4% on the day, limit is 3%
	req.Positions = []market.RawPosition{{
		Instrument: "BTCUSDT",
		Direction:  "LONG",
		Size:       0.5,
		EntryPrice: lastClose(req) * 1.01,
		PnLPercent: -1.0,
		AgeBars:    10,
	}}

	dec := e.Evaluate(context.Background(), req)

	assert.Equal(t, decision.Close, dec.Action)
	assert.Contains(t, dec.Reason, "risk limit override")
}

// Risk absolute override: a breached account never gets new exposure,
// whatever the ensemble says
func TestRiskBreachNeverOpens(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.95), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	req.Account.Equity = 9600

	dec := e.Evaluate(context.Background(), req)

	assert.NotEqual(t, decision.OpenBuy, dec.Action)
	assert.NotEqual(t, decision.OpenSell, dec.Action)
	assert.NotEqual(t, decision.AverageDown, dec.Action)
	assert.NotEqual(t, decision.ScaleIn, dec.Action)
}

// Scenario: the identical snapshot evaluated by two identically configured
// engines produces the identical instruction
func TestDeterminism(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))

	req := baseRequest(risingRawBars(60, 100))
	a := newTestEngine(t, testConfig(dir)).Evaluate(context.Background(), req)
	b := newTestEngine(t, testConfig(dir)).Evaluate(context.Background(), req)

	assert.Equal(t, semanticsOf(a), semanticsOf(b))
	assert.NotEqual(t, a.ID, b.ID) // Only the envelope differs
}

// No duplicate opens: once an open is emitted, resubmitting before the
// position feed catches up holds instead of reopening
func TestPendingOpenBlocksReentry(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	first := e.Evaluate(context.Background(), req)
	require.Equal(t, decision.OpenBuy, first.Action)

	second := e.Evaluate(context.Background(), req)
	assert.Equal(t, decision.Hold, second.Action)
	assert.Contains(t, second.Reason, "awaiting position feed")
}

// Once the feed shows the position, the guard stands down and the
// lifecycle path takes over; an existing position never re-opens
func TestExistingPositionNeverOpens(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.95), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	req.Positions = []market.RawPosition{{
		Instrument: "BTCUSDT",
		Direction:  "LONG",
		Size:       0.5,
		EntryPrice: 100,
		PnLPercent: 1.0,
		AgeBars:    10,
	}}

	dec := e.Evaluate(context.Background(), req)

	assert.NotEqual(t, decision.OpenBuy, dec.Action)
	assert.NotEqual(t, decision.OpenSell, dec.Action)
}

// Schema invariant: a model trained against a different feature layout
// yields HOLD with a data-error reason, never a crash
func TestSchemaMismatchHolds(t *testing.T) {
	dir := t.TempDir()
	m := biasOnlyModel(ensemble.ClassBuy, biasFor(0.9), 5)
	writeModel(t, dir, m)
	e := newTestEngine(t, testConfig(dir))

	dec := e.Evaluate(context.Background(), baseRequest(risingRawBars(60, 100)))

	assert.Equal(t, decision.Hold, dec.Action)
	assert.Contains(t, dec.Reason, "data error")
}

// No model at any scope degrades to a zero-confidence HOLD
func TestNoModelHolds(t *testing.T) {
	e := newTestEngine(t, testConfig(t.TempDir()))

	dec := e.Evaluate(context.Background(), baseRequest(risingRawBars(60, 100)))

	assert.Equal(t, decision.Hold, dec.Action)
	assert.Zero(t, dec.Confidence)
}

// Primary timeframe missing is fatal for the instrument
func TestMissingPrimaryTimeframeHolds(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.9), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(10, 100)) // Under MinBars

	dec := e.Evaluate(context.Background(), req)

	assert.Equal(t, decision.Hold, dec.Action)
	assert.Contains(t, dec.Reason, "data error")
}

// Lot rounding: any returned size is an exact multiple of the lot step
// inside the instrument's bounds
func TestReturnedSizeIsLotAligned(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	req := baseRequest(risingRawBars(60, 100))
	req.Spec.LotStep = 0.05
	dec := e.Evaluate(context.Background(), req)
	require.Equal(t, decision.OpenBuy, dec.Action)

	steps := dec.Size / 0.05
	assert.InDelta(t, math.Round(steps), steps, 1e-6)
	assert.GreaterOrEqual(t, dec.Size, req.Spec.MinLot)
	assert.LessOrEqual(t, dec.Size, req.Spec.MaxLot)
}

// Concurrent evaluation for one instrument is rejected, not run
func TestEvaluationInFlightRejected(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	require.True(t, e.acquire("BTCUSDT"))
	defer e.release("BTCUSDT")

	dec := e.Evaluate(context.Background(), baseRequest(risingRawBars(60, 100)))

	assert.Equal(t, decision.Hold, dec.Action)
	assert.Contains(t, dec.Reason, "already in flight")
}

func TestRecordedLossesRaiseThresholdBehavior(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))

	// A winning streak lowers the dynamic threshold enough to approve the
	// same borderline signal a losing streak declines
	winner := newTestEngine(t, testConfig(dir))
	for i := 0; i < 10; i++ {
		winner.RecordTradeResult(1.0)
	}
	loser := newTestEngine(t, testConfig(dir))
	for i := 0; i < 10; i++ {
		loser.RecordTradeResult(-1.0)
	}

	req := baseRequest(risingRawBars(60, 100))
	winDec := winner.Evaluate(context.Background(), req)
	loseDec := loser.Evaluate(context.Background(), baseRequest(risingRawBars(60, 100)))

	assert.Equal(t, decision.OpenBuy, winDec.Action)
	assert.Equal(t, decision.Hold, loseDec.Action)
}

func TestModelReloadChangesVersion(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, biasOnlyModel(ensemble.ClassBuy, biasFor(0.56), featureCount()))
	e := newTestEngine(t, testConfig(dir))

	before := e.registry.Version()
	payload := map[string]interface{}{"scope": "global", "key": "",
		"model": biasOnlyModel(ensemble.ClassSell, biasFor(0.7), featureCount())}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.json"), data, 0o644))

	require.NoError(t, e.ReloadModels())
	assert.NotEqual(t, before, e.registry.Version())
}
