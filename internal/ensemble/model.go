package ensemble

import (
	"fmt"
	"math"
)

// Class indices into probability triples
const (
	ClassBuy = iota
	ClassHold
	ClassSell
	classCount
)

// Direction labels used in predictions
const (
	DirectionBuy  = "BUY"
	DirectionHold = "HOLD"
	DirectionSell = "SELL"
)

// Model is a single pretrained linear classifier. Weights are loaded once
// and never mutated; inference is a matrix product plus softmax.
type Model struct {
	Name          string      `json:"name"`
	SchemaVersion string      `json:"schema_version"`
	FeatureCount  int         `json:"feature_count"`
	Weights       [][]float64 `json:"weights"` // [class][feature]
	Biases        []float64   `json:"biases"`  // [class]
	Weight        float64     `json:"weight"`  // Ensemble weight, defaults to 1
}

// Validate checks internal consistency after loading from disk
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model missing name")
	}
	if len(m.Weights) != classCount {
		return fmt.Errorf("model %s: expected %d weight rows, got %d", m.Name, classCount, len(m.Weights))
	}
	for i, row := range m.Weights {
		if len(row) != m.FeatureCount {
			return fmt.Errorf("model %s: weight row %d has %d entries, feature count is %d",
				m.Name, i, len(row), m.FeatureCount)
		}
	}
	if len(m.Biases) != classCount {
		return fmt.Errorf("model %s: expected %d biases, got %d", m.Name, classCount, len(m.Biases))
	}
	if m.Weight <= 0 {
		m.Weight = 1.0
	}
	return nil
}

// Predict computes the class probability triple for one feature vector.
// The triple always sums to 1.
func (m *Model) Predict(features []float64) ([classCount]float64, error) {
	var probs [classCount]float64
	if len(features) != m.FeatureCount {
		return probs, fmt.Errorf("model %s expects %d features, got %d", m.Name, m.FeatureCount, len(features))
	}

	var logits [classCount]float64
	for c := 0; c < classCount; c++ {
		sum := m.Biases[c]
		for i, v := range features {
			sum += m.Weights[c][i] * v
		}
		logits[c] = sum
	}

	// Softmax with max subtraction for numerical stability
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	total := 0.0
	for c, l := range logits {
		probs[c] = math.Exp(l - maxLogit)
		total += probs[c]
	}
	for c := range probs {
		probs[c] /= total
	}

	return probs, nil
}
