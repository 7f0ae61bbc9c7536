// Package indicator provides the technical indicator math used by feature
// extraction and position management. All functions operate on a trailing
// window of bars and return the latest value.
package indicator

import (
	"math"

	"trading-decision-engine/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of closes
func SMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}

	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average of closes
func EMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	// Seed with the SMA of the first period
	ema := SMA(bars[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

func emaFromValues(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index. Returns 50 (neutral) when
// there is not enough data.
func RSI(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0

	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD indicator values
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD calculates the MACD line, signal line and histogram. The signal line
// is a true EMA over the MACD series, not an approximation.
func MACD(bars []market.Bar, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(bars) < slowPeriod+signalPeriod {
		return MACDResult{}
	}

	// MACD value at each point from slowPeriod onward
	macdSeries := make([]float64, 0, len(bars)-slowPeriod+1)
	for i := slowPeriod; i <= len(bars); i++ {
		window := bars[:i]
		macdSeries = append(macdSeries, EMA(window, fastPeriod)-EMA(window, slowPeriod))
	}

	macdLine := macdSeries[len(macdSeries)-1]
	signalLine := emaFromValues(macdSeries, signalPeriod)

	return MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds Bollinger Bands values
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands around the close SMA
func Bollinger(bars []market.Bar, period int, stdDevMultiplier float64) BollingerResult {
	if len(bars) < period {
		return BollingerResult{}
	}

	middle := SMA(bars, period)

	variance := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		diff := bars[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + (stdDev * stdDevMultiplier),
		Middle: middle,
		Lower:  middle - (stdDev * stdDevMultiplier),
	}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the Average True Range
func ATR(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		high := bars[i].High
		low := bars[i].Low
		prevClose := bars[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// ATRPercent returns ATR as a percentage of the latest close
func ATRPercent(bars []market.Bar, period int) float64 {
	if len(bars) == 0 {
		return 0
	}
	price := bars[len(bars)-1].Close
	if price <= 0 {
		return 0
	}
	return ATR(bars, period) / price * 100
}

// ============================================================================
// MOMENTUM
// ============================================================================

// Momentum calculates the percentage price change over the period
func Momentum(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}

	currentPrice := bars[len(bars)-1].Close
	pastPrice := bars[len(bars)-period-1].Close
	if pastPrice <= 0 {
		return 0
	}

	return ((currentPrice - pastPrice) / pastPrice) * 100
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume calculates average volume over a period
func AverageVolume(bars []market.Bar, period int) float64 {
	if len(bars) == 0 {
		return 0
	}
	if len(bars) < period {
		period = len(bars)
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Volume
	}

	return sum / float64(period)
}

// IsVolumeSpike checks whether the latest bar's volume exceeds the trailing
// average by the given multiplier
func IsVolumeSpike(bars []market.Bar, period int, multiplier float64) bool {
	if len(bars) < period+1 {
		return false
	}

	avgVolume := AverageVolume(bars[:len(bars)-1], period)
	return bars[len(bars)-1].Volume >= avgVolume*multiplier
}

// ============================================================================
// STATISTICS
// ============================================================================

// Returns computes the bar-to-bar percentage returns
func Returns(bars []market.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}

	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (bars[i].Close-prev)/prev*100)
	}
	return out
}

// StdDev computes the population standard deviation
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}

// RangePosition returns where the latest close sits inside the period's
// high/low range, in [0, 1]. 0.5 when the range is degenerate.
func RangePosition(bars []market.Bar, period int) float64 {
	if len(bars) == 0 {
		return 0.5
	}
	if len(bars) < period {
		period = len(bars)
	}

	start := len(bars) - period
	highest := bars[start].High
	lowest := bars[start].Low
	for i := start; i < len(bars); i++ {
		if bars[i].High > highest {
			highest = bars[i].High
		}
		if bars[i].Low < lowest {
			lowest = bars[i].Low
		}
	}

	if highest == lowest {
		return 0.5
	}
	return (bars[len(bars)-1].Close - lowest) / (highest - lowest)
}

// Clamp bounds value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
