// Package entry decides whether a fresh signal becomes a new position and,
// when it does, computes the stop, target, and size for it.
package entry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/indicator"
	"trading-decision-engine/internal/market"
	"trading-decision-engine/internal/quality"
)

// Trading sessions by UTC hour
const (
	SessionAsian    = "asian"
	SessionEuropean = "european"
	SessionUS       = "us"
)

// Approval paths. Exactly one is recorded per approved entry.
const (
	PathThreshold      = "threshold"       // Confidence over dynamic threshold with positive quality
	PathHighConfidence = "high_confidence" // Confidence alone clears the bypass level
	PathRiskReward     = "risk_reward"     // Moderate confidence with strong R:R in a trend
)

// Plan is an approved entry before risk sizing adjustments
type Plan struct {
	Approved    bool
	Path        string
	Direction   market.Direction
	Size        float64
	StopPrice   float64
	TargetPrice float64
	RiskReward  float64
	Threshold   float64
	Quality     *quality.Score
	Reason      string
}

// Evaluator applies the dynamic entry threshold and level computation
type Evaluator struct {
	cfg    config.EntryConfig
	scorer *quality.Scorer
	logger zerolog.Logger
}

// NewEvaluator creates an entry evaluator
func NewEvaluator(cfg config.EntryConfig, scorer *quality.Scorer, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		scorer: scorer,
		logger: logger.With().Str("component", "entry").Logger(),
	}
}

// SessionFor maps a timestamp to its trading session
func SessionFor(ts time.Time) string {
	hour := ts.UTC().Hour()
	switch {
	case hour >= 7 && hour < 13:
		return SessionEuropean
	case hour >= 13 && hour < 22:
		return SessionUS
	default:
		return SessionAsian
	}
}

// Threshold computes the dynamic minimum confidence for this snapshot.
// Recent win rate moves it adaptively: win more, demand less, and vice
// versa. recentWinRate of 0.5 is neutral.
func (e *Evaluator) Threshold(assetClass string, ts time.Time, recentWinRate float64) float64 {
	threshold := e.cfg.BaseMinConfidence
	threshold += e.cfg.AssetClassAdjustments[assetClass]
	threshold += e.cfg.SessionAdjustments[SessionFor(ts)]
	threshold += (0.5 - recentWinRate) * e.cfg.PerformanceSensitivity
	return indicator.Clamp(threshold, 0.05, 0.95)
}

// Evaluate decides whether to open a position from the given prediction.
// The returned plan carries the single approval path that fired, or
// Approved == false with the reason the entry was declined.
func (e *Evaluator) Evaluate(
	snap *market.Snapshot,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	alignment *analysis.AlignmentResult,
	volume *analysis.VolumeProfile,
	recentWinRate float64,
) *Plan {
	plan := &Plan{}

	var dir market.Direction
	switch pred.Direction {
	case ensemble.DirectionBuy:
		dir = market.DirectionLong
	case ensemble.DirectionSell:
		dir = market.DirectionShort
	default:
		plan.Reason = "ensemble direction is HOLD"
		if pred.Reason != "" {
			plan.Reason = fmt.Sprintf("ensemble direction is HOLD (%s)", pred.Reason)
		}
		return plan
	}
	plan.Direction = dir

	primary := snap.PrimarySeries(snap.PrimaryTimeframe)
	price := snap.CurrentPrice()
	if price <= 0 || !primary.Present {
		plan.Reason = "no usable primary series for level computation"
		return plan
	}

	stop, target := e.computeLevels(primary.Bars, price, dir)
	plan.StopPrice = stop
	plan.TargetPrice = target

	stopDistance := absFloat(price - stop)
	targetDistance := absFloat(target - price)
	if stopDistance > 0 {
		plan.RiskReward = targetDistance / stopDistance
	}

	plan.Quality = e.scorer.Evaluate(quality.Context{
		Direction:  dir,
		Structure:  structure,
		Alignment:  alignment,
		Volume:     volume,
		RiskReward: plan.RiskReward,
		Primary:    snap.PrimaryTimeframe,
	})

	plan.Threshold = e.Threshold(snap.Instrument.AssetClass, snap.Timestamp, recentWinRate)

	trending := structure != nil && !structure.Ranging()
	switch {
	case pred.Confidence >= plan.Threshold && plan.Quality.Positive():
		plan.Approved = true
		plan.Path = PathThreshold
		plan.Reason = fmt.Sprintf("confidence %.3f over threshold %.3f with positive quality (%s)",
			pred.Confidence, plan.Threshold, plan.Quality.Summary())
	case pred.Confidence >= e.cfg.HighConfidenceBypass:
		plan.Approved = true
		plan.Path = PathHighConfidence
		plan.Reason = fmt.Sprintf("high confidence bypass: %.3f >= %.3f",
			pred.Confidence, e.cfg.HighConfidenceBypass)
	case pred.Confidence >= e.cfg.BypassMinConfidence && plan.RiskReward >= e.cfg.BypassMinRiskReward && trending:
		plan.Approved = true
		plan.Path = PathRiskReward
		plan.Reason = fmt.Sprintf("risk/reward bypass: confidence %.3f, R:R %.2f in %s trend",
			pred.Confidence, plan.RiskReward, structure.Trend)
	default:
		if pred.Confidence < plan.Threshold {
			plan.Reason = fmt.Sprintf("confidence %.3f below threshold %.3f", pred.Confidence, plan.Threshold)
		} else {
			plan.Reason = fmt.Sprintf("quality score %.3f not positive (%s)",
				plan.Quality.Value, plan.Quality.Summary())
		}
		return plan
	}

	plan.Size = e.positionSize(snap, price, stopDistance)
	if plan.Size <= 0 {
		plan.Approved = false
		plan.Path = ""
		plan.Reason = "computed size below instrument minimum lot"
	}

	return plan
}

// computeLevels derives stop and target from measured volatility. The stop
// distance has a floor as a fraction of price so it cannot sit inside
// normal noise.
func (e *Evaluator) computeLevels(bars []market.Bar, price float64, dir market.Direction) (stop, target float64) {
	atr := indicator.ATR(bars, e.cfg.ATRPeriod)

	stopDistance := atr * e.cfg.ATRMultiplierSL
	minDistance := price * e.cfg.MinStopDistancePercent / 100
	if stopDistance < minDistance {
		stopDistance = minDistance
	}
	targetDistance := atr * e.cfg.ATRMultiplierTP
	if targetDistance < stopDistance {
		targetDistance = stopDistance
	}

	if dir == market.DirectionLong {
		return price - stopDistance, price + targetDistance
	}
	return price + stopDistance, price - targetDistance
}

// positionSize risks a fixed percentage of balance against the stop
// distance, rounded to the instrument's lot step
func (e *Evaluator) positionSize(snap *market.Snapshot, price, stopDistance float64) float64 {
	if stopDistance <= 0 {
		return 0
	}

	spec := snap.Instrument
	contractValue := spec.ContractSize
	if contractValue <= 0 {
		contractValue = 1
	}

	riskAmount := snap.Account.Balance * e.cfg.RiskPerTradePercent / 100
	rawSize := riskAmount / (stopDistance * contractValue)

	return spec.RoundLot(rawSize)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
