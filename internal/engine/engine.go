// Package engine runs the full evaluation pipeline: normalize, extract,
// predict, decide, then pass the result through the risk governor. Every
// request resolves to exactly one well-formed decision; errors become HOLD
// reasons, never panics or naked errors to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/cache"
	"trading-decision-engine/internal/database"
	"trading-decision-engine/internal/decision"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/entry"
	"trading-decision-engine/internal/events"
	"trading-decision-engine/internal/features"
	"trading-decision-engine/internal/lifecycle"
	"trading-decision-engine/internal/market"
	"trading-decision-engine/internal/quality"
	"trading-decision-engine/internal/risk"
)

// Engine orchestrates one evaluation per request
type Engine struct {
	cfg        *config.Config
	normalizer *market.Normalizer
	extractor  *features.Extractor
	registry   *ensemble.Registry
	ensemble   *ensemble.Ensemble
	entry      *entry.Evaluator
	lifecycle  *lifecycle.Manager
	governor   *risk.Governor
	breaker    *risk.Breaker
	actions    *cache.ActionCache
	audit      *database.AuditRepository // Nil when the audit log is disabled
	bus        *events.EventBus
	trend      *analysis.TrendAnalyzer
	volume     *analysis.VolumeAnalyzer
	alignment  *analysis.AlignmentAnalyzer
	logger     zerolog.Logger

	// At most one in-flight evaluation per instrument. A second request
	// for the same instrument is rejected, never run concurrently against
	// a not-yet-committed position.
	inflightMu sync.Mutex
	inflight   map[string]bool

	// Serializes the risk read-decide-size sequence across instruments.
	// RiskState is account-wide; racing it is how duplicate and oversized
	// positions happen.
	accountMu sync.Mutex

	evaluations uint64
}

// Deps bundles the engine's collaborators
type Deps struct {
	Registry *ensemble.Registry
	Actions  *cache.ActionCache
	Audit    *database.AuditRepository
	Bus      *events.EventBus
}

// New wires the evaluation pipeline from configuration
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Engine {
	log := logger.With().Str("component", "engine").Logger()

	eng := cfg.EngineConfig
	scorer := quality.NewScorer(cfg.QualityConfig.RuleWeights)

	return &Engine{
		cfg:        cfg,
		normalizer: market.NewNormalizer(eng.Timeframes, eng.PrimaryTimeframe, eng.MinBars),
		extractor:  features.NewExtractor(eng.Timeframes),
		registry:   deps.Registry,
		ensemble:   ensemble.NewEnsemble(deps.Registry, cfg.EnsembleConfig.MinProbability, cfg.EnsembleConfig.MinMargin, logger),
		entry:      entry.NewEvaluator(cfg.EntryConfig, scorer, logger),
		lifecycle:  lifecycle.NewManager(cfg.LifecycleConfig, logger),
		governor:   risk.NewGovernor(cfg.RiskConfig, logger),
		breaker:    risk.NewBreaker(cfg.BreakerConfig, logger),
		actions:    deps.Actions,
		audit:      deps.Audit,
		bus:        deps.Bus,
		trend:      analysis.NewTrendAnalyzer(0),
		volume:     analysis.NewVolumeAnalyzer(20),
		alignment:  analysis.NewAlignmentAnalyzer(),
		logger:     log,
		inflight:   make(map[string]bool),
	}
}

// Evaluate runs one complete pass for an instrument snapshot
func (e *Engine) Evaluate(ctx context.Context, raw *market.RawRequest) *decision.Decision {
	symbol := raw.Symbol

	if !e.acquire(symbol) {
		return e.finish(ctx, decision.NewHold(symbol,
			"evaluation already in flight for this instrument", 0))
	}
	defer e.release(symbol)

	e.inflightMu.Lock()
	e.evaluations++
	e.inflightMu.Unlock()

	snap, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.logger.Warn().Err(err).Str("instrument", symbol).Msg("Normalization failed")
		return e.finish(ctx, decision.NewHold(symbol,
			fmt.Sprintf("data error: %v", err), 0))
	}
	if len(snap.Degradations) > 0 && e.bus != nil {
		e.bus.PublishDataDegraded(symbol, snap.Degradations)
	}

	vector, err := e.extractor.Extract(snap)
	if err != nil {
		return e.finish(ctx, decision.NewHold(symbol,
			fmt.Sprintf("data error: %v", err), 0))
	}

	pred, err := e.ensemble.Predict(symbol, snap.Instrument.AssetClass, vector)
	switch {
	case errors.Is(err, ensemble.ErrSchemaMismatch):
		return e.finish(ctx, decision.NewHold(symbol,
			fmt.Sprintf("data error: %v", err), 0))
	case errors.Is(err, ensemble.ErrModelUnavailable):
		// Gated HOLD prediction; the lifecycle path can still manage an
		// open position on structure alone
		e.logger.Debug().Str("instrument", symbol).Msg("No model available, prediction is HOLD")
	case err != nil:
		return e.finish(ctx, decision.NewHold(symbol,
			fmt.Sprintf("prediction error: %v", err), 0))
	}

	primary := snap.PrimarySeries(snap.PrimaryTimeframe)
	structure := e.trend.AnalyzeStructure(primary.Bars)
	volume := e.volume.AnalyzeVolume(primary.Bars)
	alignment := e.alignment.Analyze(snap, e.normalizer.Timeframes())

	e.accountMu.Lock()
	riskState := e.governor.Compute(snap.Account)
	if riskState.Violated && e.bus != nil {
		e.bus.PublishRiskBreach(riskState.Reason, riskState.DailyPnLPercent, riskState.DrawdownPercent)
	}

	var dec *decision.Decision
	pos := snap.OpenPosition()
	if pos != nil {
		dec = e.managePosition(snap, pos, pred, structure, alignment, volume)
	} else {
		dec = e.evaluateEntry(ctx, snap, pred, structure, alignment, volume)
	}

	dec = e.governor.Apply(dec, riskState, snap.Instrument, pos)

	if dec.Action.OpensExposure() && e.actions != nil {
		if err := e.actions.Record(ctx, symbol, &cache.PendingAction{
			DecisionID: dec.ID,
			Action:     dec.Action,
			Size:       dec.Size,
		}); err != nil {
			e.logger.Warn().Err(err).Str("instrument", symbol).Msg("Failed to record pending action")
		}
	}
	e.accountMu.Unlock()

	if len(snap.Degradations) > 0 {
		dec.Reason = fmt.Sprintf("%s [degraded: %s]", dec.Reason, strings.Join(snap.Degradations, "; "))
	}

	if err := dec.Validate(); err != nil {
		e.logger.Error().Err(err).Str("instrument", symbol).Msg("Malformed decision, overriding to HOLD")
		dec = decision.NewHold(symbol, fmt.Sprintf("internal error: %v", err), 0)
	}

	return e.finishWithRisk(ctx, dec, riskState)
}

// managePosition runs the lifecycle state machine for an open position
func (e *Engine) managePosition(
	snap *market.Snapshot,
	pos *market.PositionRecord,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	alignment *analysis.AlignmentResult,
	volume *analysis.VolumeProfile,
) *decision.Decision {
	// Position feed caught up; the entry guard can stand down
	if e.actions != nil {
		e.actions.Clear(context.Background(), snap.Instrument.Symbol)
	}

	outcome := e.lifecycle.Evaluate(snap, pos, pred, structure, alignment, volume)

	dec := decision.New(snap.Instrument.Symbol, outcome.Action, outcome.Reason, outcome.Confidence)
	dec.Size = outcome.Size
	return dec
}

// evaluateEntry runs the entry path for an instrument with no position
func (e *Engine) evaluateEntry(
	ctx context.Context,
	snap *market.Snapshot,
	pred *ensemble.Prediction,
	structure *analysis.MarketStructure,
	alignment *analysis.AlignmentResult,
	volume *analysis.VolumeProfile,
) *decision.Decision {
	symbol := snap.Instrument.Symbol

	// The position feed may not yet reflect an open we just approved
	if e.actions != nil {
		if pending := e.actions.Pending(ctx, symbol); pending != nil {
			return decision.NewHold(symbol, fmt.Sprintf(
				"pending %s from decision %s awaiting position feed, not reopening",
				pending.Action, pending.DecisionID), 0)
		}
	}

	if ok, reason := e.breaker.AllowsEntry(); !ok {
		return decision.NewHold(symbol, reason, 0)
	}

	plan := e.entry.Evaluate(snap, pred, structure, alignment, volume, e.governor.WinRate())
	if !plan.Approved {
		return decision.NewHold(symbol, plan.Reason, pred.Confidence)
	}

	action := decision.OpenBuy
	if plan.Direction == market.DirectionShort {
		action = decision.OpenSell
	}

	dec := decision.New(symbol, action, plan.Reason, pred.Confidence)
	dec.Size = plan.Size
	dec.StopPrice = plan.StopPrice
	dec.TargetPrice = plan.TargetPrice
	return dec
}

// RecordTradeResult feeds a realized trade back into the adaptive threshold
// and the circuit breaker
func (e *Engine) RecordTradeResult(pnlPercent float64) {
	e.governor.RecordTrade(pnlPercent)
	e.breaker.RecordTrade(pnlPercent)
}

// ReloadModels swaps in a fresh model generation
func (e *Engine) ReloadModels() error {
	if err := e.registry.Load(); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.PublishModelsReloaded(e.registry.Version())
	}
	return nil
}

// RiskState exposes the current account risk view for the API surface
func (e *Engine) RiskState(account market.AccountState) risk.State {
	return e.governor.Compute(account)
}

// Stats summarizes engine state
func (e *Engine) Stats() map[string]interface{} {
	e.inflightMu.Lock()
	evaluations := e.evaluations
	inflight := len(e.inflight)
	e.inflightMu.Unlock()

	breakerState, tripReason := e.breaker.State()

	stats := map[string]interface{}{
		"evaluations":    evaluations,
		"inflight":       inflight,
		"breaker_state":  string(breakerState),
		"models":         e.registry.Stats(),
		"recent_trades":  e.governor.Stats(),
		"feature_schema": e.extractor.Schema().Version,
	}
	if tripReason != "" {
		stats["breaker_reason"] = tripReason
	}
	return stats
}

func (e *Engine) acquire(symbol string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[symbol] {
		return false
	}
	e.inflight[symbol] = true
	return true
}

func (e *Engine) release(symbol string) {
	e.inflightMu.Lock()
	delete(e.inflight, symbol)
	e.inflightMu.Unlock()
}

// finish publishes and audits the decision on its way out
func (e *Engine) finish(ctx context.Context, dec *decision.Decision) *decision.Decision {
	return e.finishWithRisk(ctx, dec, risk.State{})
}

func (e *Engine) finishWithRisk(ctx context.Context, dec *decision.Decision, riskState risk.State) *decision.Decision {
	e.logger.Info().
		Str("instrument", dec.Instrument).
		Str("action", string(dec.Action)).
		Float64("confidence", dec.Confidence).
		Str("reason", dec.Reason).
		Msg("Decision emitted")

	if e.bus != nil {
		e.bus.PublishDecision(dec.Instrument, string(dec.Action), dec.Reason, dec.Confidence)
	}

	if e.audit != nil {
		rec := &database.AuditRecord{
			Decision:     *dec,
			ModelVersion: e.registry.Version(),
			RiskViolated: riskState.Violated,
		}
		auditCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.audit.Insert(auditCtx, rec); err != nil {
			e.logger.Warn().Err(err).Str("decision_id", dec.ID).Msg("Audit insert failed")
		}
	}

	return dec
}
