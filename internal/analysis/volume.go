package analysis

import (
	"math"

	"trading-decision-engine/internal/market"
)

// VolumeRegime classifies the current volume behavior
type VolumeRegime string

const (
	VolumeNormal       VolumeRegime = "normal"
	VolumeSpike        VolumeRegime = "spike"
	VolumeAccumulation VolumeRegime = "accumulation"
	VolumeDistribution VolumeRegime = "distribution"
)

// VolumeAnalyzer provides volume-based technical analysis
type VolumeAnalyzer struct {
	avgPeriod int // Period for average volume calculation
}

// VolumeProfile represents volume analysis results
type VolumeProfile struct {
	CurrentVolume  float64
	AverageVolume  float64
	VolumeRatio    float64 // Current / Average
	IsHighVolume   bool    // Volume > 2x average
	IsClimaxVolume bool    // Volume > 3x average
	OBV            float64 // On-Balance Volume
	OBVRising      bool
	VolumeType     string       // "buying", "selling", "neutral"
	Regime         VolumeRegime // spike / accumulation / distribution / normal
}

// NewVolumeAnalyzer creates a new volume analyzer
func NewVolumeAnalyzer(avgPeriod int) *VolumeAnalyzer {
	if avgPeriod <= 0 {
		avgPeriod = 20
	}
	return &VolumeAnalyzer{avgPeriod: avgPeriod}
}

// AnalyzeVolume performs volume analysis over one bar series
func (va *VolumeAnalyzer) AnalyzeVolume(bars []market.Bar) *VolumeProfile {
	if len(bars) == 0 {
		return nil
	}

	current := bars[len(bars)-1]
	avgVolume := va.averageVolume(bars)

	var ratio float64
	if avgVolume > 0 {
		ratio = current.Volume / avgVolume
	}

	profile := &VolumeProfile{
		CurrentVolume:  current.Volume,
		AverageVolume:  avgVolume,
		VolumeRatio:    ratio,
		IsHighVolume:   ratio > 2.0,
		IsClimaxVolume: ratio > 3.0,
		OBV:            obv(bars),
		OBVRising:      va.isOBVRising(bars, va.avgPeriod/2),
		VolumeType:     determineVolumeType(current),
	}
	profile.Regime = va.classifyRegime(bars, profile)

	return profile
}

// classifyRegime maps volume behavior to a regime label:
// spike on climactic volume, accumulation when OBV rises against flat price,
// distribution when OBV falls while price holds or rises.
func (va *VolumeAnalyzer) classifyRegime(bars []market.Bar, profile *VolumeProfile) VolumeRegime {
	if profile.IsHighVolume {
		return VolumeSpike
	}

	lookback := va.avgPeriod / 2
	if len(bars) < lookback+1 || lookback == 0 {
		return VolumeNormal
	}

	first := bars[len(bars)-lookback-1].Close
	last := bars[len(bars)-1].Close
	if first <= 0 {
		return VolumeNormal
	}
	priceChange := (last - first) / first * 100

	flatPrice := math.Abs(priceChange) < 0.5
	if profile.OBVRising && (flatPrice || priceChange < 0) {
		return VolumeAccumulation
	}
	if !profile.OBVRising && (flatPrice || priceChange > 0) {
		return VolumeDistribution
	}

	return VolumeNormal
}

func (va *VolumeAnalyzer) averageVolume(bars []market.Bar) float64 {
	period := va.avgPeriod
	if len(bars) < period {
		period = len(bars)
	}
	if period == 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Volume
	}
	return sum / float64(period)
}

// obv computes On-Balance Volume over the whole series
func obv(bars []market.Bar) float64 {
	out := 0.0
	for i := 1; i < len(bars); i++ {
		if bars[i].Close > bars[i-1].Close {
			out += bars[i].Volume
		} else if bars[i].Close < bars[i-1].Close {
			out -= bars[i].Volume
		}
	}
	return out
}

// isOBVRising compares OBV over the last period against the preceding one
func (va *VolumeAnalyzer) isOBVRising(bars []market.Bar, period int) bool {
	if len(bars) < period+1 || period == 0 {
		return false
	}

	currentOBV := obv(bars[len(bars)-period:])
	previousOBV := obv(bars[len(bars)-period-1 : len(bars)-1])

	return currentOBV > previousOBV
}

// determineVolumeType identifies if the latest bar carried buying or selling
// pressure based on candle shape
func determineVolumeType(bar market.Bar) string {
	bodySize := math.Abs(bar.Close - bar.Open)
	upperWick := bar.High - math.Max(bar.Open, bar.Close)
	lowerWick := math.Min(bar.Open, bar.Close) - bar.Low

	if bar.Close > bar.Open {
		if upperWick < bodySize*0.2 {
			return "buying"
		}
		return "neutral"
	} else if bar.Close < bar.Open {
		if lowerWick < bodySize*0.2 {
			return "selling"
		}
		return "neutral"
	}

	return "neutral"
}

// ConfirmsDirection reports whether the volume profile supports a move in the
// given direction
func (vp *VolumeProfile) ConfirmsDirection(dir market.Direction) bool {
	if vp == nil {
		return false
	}
	switch dir {
	case market.DirectionLong:
		return vp.VolumeType == "buying" && vp.VolumeRatio > 1.2
	case market.DirectionShort:
		return vp.VolumeType == "selling" && vp.VolumeRatio > 1.2
	}
	return false
}

// AgainstPosition reports whether volume behavior suggests the market is
// being accumulated or distributed against the position's direction
func (vp *VolumeProfile) AgainstPosition(dir market.Direction) bool {
	if vp == nil {
		return false
	}
	switch dir {
	case market.DirectionLong:
		return vp.Regime == VolumeDistribution
	case market.DirectionShort:
		return vp.Regime == VolumeAccumulation
	}
	return false
}
