// Package lifecycle manages open positions: dynamic targets from live
// volatility, quorum-based exits, averaging down at structural levels, and
// scaling in or out of winners.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/decision"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/indicator"
	"trading-decision-engine/internal/market"
)

// Exit signal names
const (
	SignalEnsembleReversal = "ensemble_reversal"
	SignalTrendReversal    = "trend_reversal"
	SignalVolumeAgainst    = "volume_against"
	SignalStructuralLevel  = "structural_level"
	SignalTargetReached    = "target_reached"
)

// ExitSignal is one independent vote toward closing the position
type ExitSignal struct {
	Name   string `json:"name"`
	Firing bool   `json:"firing"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the lifecycle verdict for one open position
type Outcome struct {
	Action        decision.Action
	Size          float64 // Delta for AVERAGE_DOWN / SCALE_IN / SCALE_OUT
	Reason        string
	Confidence    float64
	DynamicTarget float64 // Profit target in percent
	TrendStrength float64
	Signals       []ExitSignal
}

// Manager evaluates open positions against live market state
type Manager struct {
	cfg    config.LifecycleConfig
	logger zerolog.Logger
}

// NewManager creates a lifecycle manager
func NewManager(cfg config.LifecycleConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Evaluate runs the position through the state machine. Exactly one action
// comes back; HOLD is the default when nothing fires.
func (m *Manager) Evaluate(
	snap *market.Snapshot,
	pos *market.PositionRecord,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	alignment *analysis.AlignmentResult,
	volume *analysis.VolumeProfile,
) *Outcome {
	// Catastrophic loss floor applies at any age and needs no quorum
	if pos.PnLPercent <= -m.cfg.HardLossPercent {
		return &Outcome{
			Action:     decision.Close,
			Reason:     fmt.Sprintf("hard loss floor: %.2f%% <= -%.2f%%", pos.PnLPercent, m.cfg.HardLossPercent),
			Confidence: 1.0,
		}
	}

	primary := snap.PrimarySeries(snap.PrimaryTimeframe)
	volatility := indicator.ATRPercent(primary.Bars, 14)
	trendStrength := m.trendStrength(pos.Direction, alignment, structure)

	outcome := &Outcome{
		Action:        decision.Hold,
		TrendStrength: trendStrength,
		DynamicTarget: m.dynamicTarget(volatility, trendStrength, pred, volume, alignment, structure),
	}

	// Opening-noise grace: young positions only answer to the loss floor
	if pos.AgeBars < m.cfg.MinAgeBars {
		outcome.Reason = fmt.Sprintf("position age %d below grace period %d bars", pos.AgeBars, m.cfg.MinAgeBars)
		outcome.Confidence = 0.5
		return outcome
	}

	outcome.Signals = m.exitSignals(snap, pos, pred, structure, alignment, volume, outcome.DynamicTarget)
	firing := 0
	var firingNames []string
	for _, s := range outcome.Signals {
		if s.Firing {
			firing++
			firingNames = append(firingNames, s.Name)
		}
	}

	if firing >= m.cfg.ExitQuorum {
		outcome.Action = decision.Close
		outcome.Reason = fmt.Sprintf("exit quorum met: %d/%d signals (%s)",
			firing, len(outcome.Signals), strings.Join(firingNames, ", "))
		outcome.Confidence = indicator.Clamp(float64(firing)/float64(len(outcome.Signals)), 0, 1)
		return outcome
	}

	if pos.PnLPercent < 0 {
		return m.evaluateAverageDown(snap, pos, pred, structure, volume, trendStrength, outcome)
	}
	return m.evaluateScaling(snap, pos, pred, alignment, outcome)
}

// trendStrength weights the per-timeframe momentum votes in the position's
// favor, with a bonus when every timeframe agrees
func (m *Manager) trendStrength(dir market.Direction, alignment *analysis.AlignmentResult, structure *analysis.MarketStructure) float64 {
	if alignment == nil {
		return 0
	}

	var want analysis.TrendDirection
	if dir == market.DirectionLong {
		want = analysis.TrendBullish
	} else {
		want = analysis.TrendBearish
	}

	strength := 0.0
	if alignment.Dominant == want {
		strength = alignment.Score
		if alignment.AllAgree {
			strength = indicator.Clamp(strength+0.2, 0, 1)
		}
	} else if alignment.Dominant != analysis.TrendSideways {
		strength = -alignment.Score
	}

	if structure != nil && structure.Trend == want {
		strength = indicator.Clamp(strength+0.3*structure.TrendStrength, -1, 1)
	}

	return strength
}

// dynamicTarget converts live volatility into a profit target in percent.
// The multiplier widens with trend strength, ensemble confidence, volume
// confirmation, and full confluence, and narrows in a ranging regime.
func (m *Manager) dynamicTarget(
	volatility, trendStrength float64,
	pred *ensemble.Prediction,
	volume *analysis.VolumeProfile,
	alignment *analysis.AlignmentResult,
	structure *analysis.MarketStructure,
) float64 {
	multiplier := m.cfg.TargetMultiplierMin

	if trendStrength > 0 {
		multiplier += trendStrength * 1.0
	}
	if pred != nil && !pred.Gated {
		multiplier += pred.Confidence * 0.5
	}
	if volume != nil && volume.IsHighVolume {
		multiplier += 0.3
	}
	if alignment != nil && alignment.AllAgree {
		multiplier += 0.3
	}
	if structure != nil && structure.Ranging() {
		multiplier -= 0.5
	}

	multiplier = indicator.Clamp(multiplier, m.cfg.TargetMultiplierMin, m.cfg.TargetMultiplierMax)
	return volatility * multiplier
}

// exitSignals evaluates the fixed set of independent exit votes
func (m *Manager) exitSignals(
	snap *market.Snapshot,
	pos *market.PositionRecord,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	alignment *analysis.AlignmentResult,
	volume *analysis.VolumeProfile,
	dynamicTarget float64,
) []ExitSignal {
	signals := make([]ExitSignal, 0, 5)

	reversal := pred != nil && !pred.Gated &&
		((pos.Direction == market.DirectionLong && pred.Direction == ensemble.DirectionSell) ||
			(pos.Direction == market.DirectionShort && pred.Direction == ensemble.DirectionBuy))
	reversalDetail := ""
	if reversal {
		reversalDetail = fmt.Sprintf("ensemble says %s at %.2f", pred.Direction, pred.Confidence)
	}
	signals = append(signals, ExitSignal{
		Name:   SignalEnsembleReversal,
		Firing: reversal,
		Detail: reversalDetail,
	})

	var against analysis.TrendDirection
	if pos.Direction == market.DirectionLong {
		against = analysis.TrendBearish
	} else {
		against = analysis.TrendBullish
	}
	trendReversal := alignment != nil && alignment.Dominant == against && alignment.Score >= 0.5
	signals = append(signals, ExitSignal{
		Name:   SignalTrendReversal,
		Firing: trendReversal,
		Detail: detailIf(trendReversal, "higher timeframes turned against the position"),
	})

	volumeAgainst := volume.AgainstPosition(pos.Direction)
	signals = append(signals, ExitSignal{
		Name:   SignalVolumeAgainst,
		Firing: volumeAgainst,
		Detail: detailIf(volumeAgainst, "volume shows distribution or accumulation against the position"),
	})

	atLevel := false
	if structure != nil {
		price := snap.CurrentPrice()
		levels := structure.ResistanceLevels
		if pos.Direction == market.DirectionShort {
			levels = structure.SupportLevels
		}
		atLevel = analysis.IsPriceAtLevel(price, levels, m.cfg.StructuralLevelProximity)
	}
	signals = append(signals, ExitSignal{
		Name:   SignalStructuralLevel,
		Firing: atLevel,
		Detail: detailIf(atLevel, "price at a structurally significant opposing level"),
	})

	targetReached := dynamicTarget > 0 && pos.PnLPercent >= dynamicTarget*m.cfg.ScaleOutProfitFraction
	signals = append(signals, ExitSignal{
		Name:   SignalTargetReached,
		Firing: targetReached,
		Detail: detailIf(targetReached, fmt.Sprintf("profit %.2f%% past %.0f%% of dynamic target %.2f%%",
			pos.PnLPercent, m.cfg.ScaleOutProfitFraction*100, dynamicTarget)),
	})

	return signals
}

// evaluateAverageDown gates the losing-position add. Every condition must
// hold: a structural support level underfoot, the ensemble still agreeing
// with the position, attempts under the cap, and a recovery probability
// over the floor. Each successive add shrinks by the configured decay.
func (m *Manager) evaluateAverageDown(
	snap *market.Snapshot,
	pos *market.PositionRecord,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	volume *analysis.VolumeProfile,
	trendStrength float64,
	outcome *Outcome,
) *Outcome {
	if pos.AverageDownCount >= m.cfg.MaxAverageDownAttempts {
		outcome.Reason = fmt.Sprintf("losing %.2f%%, average-down attempts exhausted (%d/%d)",
			pos.PnLPercent, pos.AverageDownCount, m.cfg.MaxAverageDownAttempts)
		outcome.Confidence = 0.5
		return outcome
	}

	agrees := pred != nil && !pred.Gated &&
		((pos.Direction == market.DirectionLong && pred.Direction == ensemble.DirectionBuy) ||
			(pos.Direction == market.DirectionShort && pred.Direction == ensemble.DirectionSell))
	if !agrees {
		outcome.Reason = fmt.Sprintf("losing %.2f%%, ensemble no longer favors the position", pos.PnLPercent)
		outcome.Confidence = 0.5
		return outcome
	}

	atSupport := false
	if structure != nil {
		price := snap.CurrentPrice()
		levels := structure.SupportLevels
		if pos.Direction == market.DirectionShort {
			levels = structure.ResistanceLevels
		}
		atSupport = analysis.IsPriceAtLevel(price, levels, m.cfg.StructuralLevelProximity)
	}
	if !atSupport {
		outcome.Reason = fmt.Sprintf("losing %.2f%%, no structural level within %.2f%%",
			pos.PnLPercent, m.cfg.StructuralLevelProximity)
		outcome.Confidence = 0.5
		return outcome
	}

	recovery := m.recoveryProbability(trendStrength, pred, volume, pos.Direction)
	if recovery < m.cfg.RecoveryProbabilityMin {
		outcome.Reason = fmt.Sprintf("losing %.2f%%, recovery probability %.2f below floor %.2f",
			pos.PnLPercent, recovery, m.cfg.RecoveryProbabilityMin)
		outcome.Confidence = 0.5
		return outcome
	}

	// Each attempt adds a smaller slice of the original size
	addSize := pos.Size
	for i := 0; i <= pos.AverageDownCount; i++ {
		addSize *= m.cfg.AverageDownDecay
	}
	addSize = snap.Instrument.RoundLot(addSize)
	if addSize <= 0 {
		outcome.Reason = "average-down size rounds below minimum lot"
		outcome.Confidence = 0.5
		return outcome
	}

	outcome.Action = decision.AverageDown
	outcome.Size = addSize
	outcome.Confidence = recovery
	outcome.Reason = fmt.Sprintf("averaging down at structural level: attempt %d/%d, recovery probability %.2f",
		pos.AverageDownCount+1, m.cfg.MaxAverageDownAttempts, recovery)
	return outcome
}

// recoveryProbability blends trend strength, ensemble confidence, and
// volume support into a [0, 1] estimate
func (m *Manager) recoveryProbability(trendStrength float64, pred *ensemble.Prediction, volume *analysis.VolumeProfile, dir market.Direction) float64 {
	confidence := 0.0
	if pred != nil {
		confidence = pred.Confidence
	}
	volumeSupport := 0.5
	if volume != nil {
		if volume.ConfirmsDirection(dir) {
			volumeSupport = 1.0
		} else if volume.AgainstPosition(dir) {
			volumeSupport = 0.0
		}
	}

	normalizedTrend := (trendStrength + 1) / 2
	return indicator.Clamp(0.4*normalizedTrend+0.4*confidence+0.2*volumeSupport, 0, 1)
}

// evaluateScaling handles winners: partial exits for oversized positions
// past their target and adds for small positions with strong backing
func (m *Manager) evaluateScaling(
	snap *market.Snapshot,
	pos *market.PositionRecord,
	pred *ensemble.Prediction,
	alignment *analysis.AlignmentResult,
	outcome *Outcome,
) *Outcome {
	balance := snap.Account.Balance
	if balance <= 0 {
		outcome.Reason = "profitable, no account balance context for scaling"
		outcome.Confidence = 0.5
		return outcome
	}

	notionalPct := pos.Size * pos.EntryPrice / balance * 100
	armed := outcome.DynamicTarget > 0 && pos.PnLPercent >= outcome.DynamicTarget*m.cfg.ScaleOutProfitFraction

	if notionalPct >= m.cfg.LargePositionPercent && armed {
		// Scale out harder the further past the target, and when the
		// ensemble is cooling on the direction
		overshoot := indicator.Clamp(pos.PnLPercent/outcome.DynamicTarget-m.cfg.ScaleOutProfitFraction, 0, 1)
		fraction := indicator.Clamp(0.25+0.5*overshoot, 0.25, 0.75)
		if pred != nil && pred.Gated {
			fraction = indicator.Clamp(fraction+0.15, 0.25, 0.9)
		}

		size := snap.Instrument.RoundLot(pos.Size * fraction)
		if size > 0 {
			outcome.Action = decision.ScaleOut
			outcome.Size = size
			outcome.Confidence = indicator.Clamp(0.5+overshoot/2, 0, 1)
			outcome.Reason = fmt.Sprintf("scaling out %.0f%% of large position: profit %.2f%% vs target %.2f%%",
				fraction*100, pos.PnLPercent, outcome.DynamicTarget)
			return outcome
		}
	}

	// Adds require the ensemble and every timeframe to back the position's
	// own direction; confluence against it is a reason to exit, not to add
	wantDir := ensemble.DirectionBuy
	wantTrend := analysis.TrendBullish
	if pos.Direction == market.DirectionShort {
		wantDir = ensemble.DirectionSell
		wantTrend = analysis.TrendBearish
	}
	confident := pred != nil && !pred.Gated && pred.Direction == wantDir &&
		pred.Confidence >= m.cfg.ScaleInConfidenceMin
	supported := alignment != nil && alignment.AllAgree && alignment.Dominant == wantTrend
	if notionalPct < m.cfg.LargePositionPercent && confident && supported {
		addSize := snap.Instrument.RoundLot(pos.Size * 0.5)
		price := snap.CurrentPrice()
		if addSize > 0 && price > 0 {
			// Total exposure stays under the account-relative cap
			newNotionalPct := (pos.Size + addSize) * pos.EntryPrice / balance * 100
			if newNotionalPct <= m.cfg.MaxPositionPercent {
				outcome.Action = decision.ScaleIn
				outcome.Size = addSize
				outcome.Confidence = pred.Confidence
				outcome.Reason = fmt.Sprintf("scaling in: confidence %.2f with full confluence, exposure %.1f%% of balance",
					pred.Confidence, newNotionalPct)
				return outcome
			}
		}
	}

	outcome.Reason = fmt.Sprintf("holding winner at %.2f%% toward dynamic target %.2f%%",
		pos.PnLPercent, outcome.DynamicTarget)
	outcome.Confidence = 0.5
	return outcome
}

func detailIf(cond bool, detail string) string {
	if cond {
		return detail
	}
	return ""
}
