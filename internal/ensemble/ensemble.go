package ensemble

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"trading-decision-engine/internal/features"
)

var (
	// ErrModelUnavailable means no model exists at any scope for the instrument
	ErrModelUnavailable = errors.New("no model available")
	// ErrSchemaMismatch means the feature vector does not match what the
	// resolved models were trained against
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// Prediction is the combined ensemble output
type Prediction struct {
	Direction     string             `json:"direction"` // BUY, HOLD, SELL
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Margin        float64            `json:"margin"` // Top class minus runner-up
	ModelScope    string             `json:"model_scope"`
	ModelVersion  string             `json:"model_version"`
	Gated         bool               `json:"gated"` // Direction forced to HOLD by a gate
	Reason        string             `json:"reason,omitempty"`
}

// Ensemble averages per-model probability triples and applies the direction
// gates. A class only becomes the direction when it clears both the minimum
// absolute probability and the minimum margin over the runner-up; otherwise
// the prediction is HOLD no matter which class is nominally largest. That
// keeps a degenerate model that always screams one direction from steering
// the engine.
type Ensemble struct {
	registry       *Registry
	minProbability float64
	minMargin      float64
	logger         zerolog.Logger
}

// NewEnsemble creates an ensemble over a loaded registry
func NewEnsemble(registry *Registry, minProbability, minMargin float64, logger zerolog.Logger) *Ensemble {
	return &Ensemble{
		registry:       registry,
		minProbability: minProbability,
		minMargin:      minMargin,
		logger:         logger.With().Str("component", "ensemble").Logger(),
	}
}

// Predict resolves models for the instrument and combines their outputs.
// When no model exists at any scope it returns a zero-confidence HOLD and
// ErrModelUnavailable rather than fabricating a signal.
func (e *Ensemble) Predict(symbol, assetClass string, vector *features.Vector) (*Prediction, error) {
	models, scope := e.registry.Resolve(symbol, assetClass)
	version := e.registry.Version()

	if len(models) == 0 {
		return &Prediction{
			Direction:     DirectionHold,
			Confidence:    0,
			Probabilities: map[string]float64{DirectionBuy: 0, DirectionHold: 1, DirectionSell: 0},
			ModelVersion:  version,
			Gated:         true,
			Reason:        "no model for instrument, category, or global scope",
		}, fmt.Errorf("%w: symbol=%s class=%s", ErrModelUnavailable, symbol, assetClass)
	}

	for _, m := range models {
		if err := vector.Schema.Compatible(m.SchemaVersion, m.FeatureCount); err != nil {
			return nil, fmt.Errorf("%w: model %s: %v", ErrSchemaMismatch, m.Name, err)
		}
	}

	// Weighted average of per-model probability triples
	var combined [classCount]float64
	totalWeight := 0.0
	for _, m := range models {
		probs, err := m.Predict(vector.Values)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		for c := range combined {
			combined[c] += probs[c] * m.Weight
		}
		totalWeight += m.Weight
	}
	for c := range combined {
		combined[c] /= totalWeight
	}

	top, second := topTwo(combined)
	pred := &Prediction{
		Direction:  classLabel(top),
		Confidence: combined[top],
		Margin:     combined[top] - combined[second],
		Probabilities: map[string]float64{
			DirectionBuy:  combined[ClassBuy],
			DirectionHold: combined[ClassHold],
			DirectionSell: combined[ClassSell],
		},
		ModelScope:   scope,
		ModelVersion: version,
	}

	if top == ClassHold {
		return pred, nil
	}

	if pred.Confidence < e.minProbability {
		pred.Direction = DirectionHold
		pred.Gated = true
		pred.Reason = fmt.Sprintf("probability %.3f below minimum %.3f", pred.Confidence, e.minProbability)
	} else if pred.Margin < e.minMargin {
		pred.Direction = DirectionHold
		pred.Gated = true
		pred.Reason = fmt.Sprintf("margin %.3f below minimum %.3f", pred.Margin, e.minMargin)
	}

	return pred, nil
}

// topTwo returns the indices of the largest and second-largest probabilities
func topTwo(probs [classCount]float64) (int, int) {
	top, second := 0, 1
	if probs[second] > probs[top] {
		top, second = second, top
	}
	for c := 2; c < classCount; c++ {
		if probs[c] > probs[top] {
			second = top
			top = c
		} else if probs[c] > probs[second] {
			second = c
		}
	}
	return top, second
}

func classLabel(class int) string {
	switch class {
	case ClassBuy:
		return DirectionBuy
	case ClassSell:
		return DirectionSell
	default:
		return DirectionHold
	}
}
