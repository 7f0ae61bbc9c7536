package features

import "fmt"

// SchemaVersion identifies the feature layout. Models declare which version
// they were trained against; a mismatch rejects the model, never reorders
// features at runtime.
const SchemaVersion = "v1"

// Feature names, in vector order. Per-timeframe blocks come first in the
// configured timeframe order, followed by snapshot-level features.
const (
	FeatRSI              = "rsi"
	FeatRSISlope         = "rsi_slope"
	FeatMACDHistogram    = "macd_histogram"
	FeatMomentum         = "momentum"
	FeatATRPercent       = "atr_percent"
	FeatRangePosition    = "range_position"
	FeatBollingerPos     = "bollinger_position"
	FeatVolumeRatio      = "volume_ratio"
	FeatOBVDirection     = "obv_direction"
	FeatTrendDirection   = "trend_direction"
	FeatTrendStrength    = "trend_strength"
	FeatPresent          = "present"
	FeatBookPressure     = "book_pressure"
	FeatSpreadPercent    = "spread_percent"
	FeatAlignmentScore   = "alignment_score"
	FeatAlignmentSign    = "alignment_sign"
	FeatSessionHour      = "session_hour"
	FeatLevelProximity   = "level_proximity"
	FeatPositionExposure = "position_exposure"
)

// perTimeframeNames lists the features emitted for each timeframe block
var perTimeframeNames = []string{
	FeatRSI,
	FeatRSISlope,
	FeatMACDHistogram,
	FeatMomentum,
	FeatATRPercent,
	FeatRangePosition,
	FeatBollingerPos,
	FeatVolumeRatio,
	FeatOBVDirection,
	FeatTrendDirection,
	FeatTrendStrength,
	FeatPresent,
}

// snapshotNames lists the features emitted once per snapshot
var snapshotNames = []string{
	FeatBookPressure,
	FeatSpreadPercent,
	FeatAlignmentScore,
	FeatAlignmentSign,
	FeatSessionHour,
	FeatLevelProximity,
	FeatPositionExposure,
}

// Schema is the ordered feature layout for a set of timeframes
type Schema struct {
	Version    string
	Timeframes []string
	Names      []string
}

// NewSchema builds the v1 layout for the given timeframe order
func NewSchema(timeframes []string) *Schema {
	names := make([]string, 0, len(timeframes)*len(perTimeframeNames)+len(snapshotNames))
	for _, tf := range timeframes {
		for _, n := range perTimeframeNames {
			names = append(names, tf+"_"+n)
		}
	}
	names = append(names, snapshotNames...)

	return &Schema{
		Version:    SchemaVersion,
		Timeframes: append([]string(nil), timeframes...),
		Names:      names,
	}
}

// Size returns the vector length this schema produces
func (s *Schema) Size() int {
	return len(s.Names)
}

// Compatible reports whether a model trained against the given version and
// size can consume vectors from this schema
func (s *Schema) Compatible(version string, size int) error {
	if version != s.Version {
		return fmt.Errorf("schema version mismatch: model wants %s, extractor produces %s", version, s.Version)
	}
	if size != s.Size() {
		return fmt.Errorf("feature count mismatch: model wants %d, extractor produces %d", size, s.Size())
	}
	return nil
}

// Vector is an extracted feature vector tied to its schema
type Vector struct {
	Schema *Schema
	Values []float64
}

// Get returns a named feature value, mostly useful in tests
func (v *Vector) Get(name string) (float64, bool) {
	for i, n := range v.Schema.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}
