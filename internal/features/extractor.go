package features

import (
	"fmt"

	"trading-decision-engine/internal/analysis"
	"trading-decision-engine/internal/indicator"
	"trading-decision-engine/internal/market"
)

// Extractor turns a normalized snapshot into a feature vector. Extraction is
// pure: the same snapshot always yields the same vector, and absent
// timeframes produce neutral values instead of errors.
type Extractor struct {
	schema    *Schema
	trend     *analysis.TrendAnalyzer
	volume    *analysis.VolumeAnalyzer
	alignment *analysis.AlignmentAnalyzer
}

// NewExtractor creates an extractor for the given timeframe order
func NewExtractor(timeframes []string) *Extractor {
	return &Extractor{
		schema:    NewSchema(timeframes),
		trend:     analysis.NewTrendAnalyzer(0),
		volume:    analysis.NewVolumeAnalyzer(20),
		alignment: analysis.NewAlignmentAnalyzer(),
	}
}

// Schema returns the layout this extractor produces
func (e *Extractor) Schema() *Schema {
	return e.schema
}

// Extract builds the feature vector for a snapshot
func (e *Extractor) Extract(snap *market.Snapshot) (*Vector, error) {
	values := make([]float64, 0, e.schema.Size())

	order := make([]market.Timeframe, len(e.schema.Timeframes))
	for i, tf := range e.schema.Timeframes {
		order[i] = market.Timeframe(tf)
	}

	for _, tf := range order {
		values = append(values, e.timeframeBlock(snap, tf)...)
	}
	values = append(values, e.snapshotBlock(snap, order)...)

	if len(values) != e.schema.Size() {
		return nil, fmt.Errorf("extracted %d features, schema defines %d", len(values), e.schema.Size())
	}

	return &Vector{Schema: e.schema, Values: values}, nil
}

// timeframeBlock computes one timeframe's features, neutral when absent
func (e *Extractor) timeframeBlock(snap *market.Snapshot, tf market.Timeframe) []float64 {
	series, ok := snap.Series[tf]
	if !ok || !series.Present || len(series.Bars) == 0 {
		return neutralTimeframeBlock()
	}
	bars := series.Bars

	rsi := indicator.RSI(bars, 14)
	rsiSlope := 0.0
	if len(bars) > 1 {
		rsiSlope = rsi - indicator.RSI(bars[:len(bars)-1], 14)
	}

	macd := indicator.MACD(bars, 12, 26, 9)
	price := series.Last().Close

	// Normalize the histogram by price so the scale is comparable across
	// instruments
	macdHist := 0.0
	if price > 0 {
		macdHist = macd.Histogram / price * 100
	}

	boll := indicator.Bollinger(bars, 20, 2.0)
	bollPos := 0.0
	if boll.Upper > boll.Middle {
		bollPos = indicator.Clamp((price-boll.Middle)/(boll.Upper-boll.Middle), -1, 1)
	}

	volumeRatio := 1.0
	obvDir := 0.0
	if vp := e.volume.AnalyzeVolume(bars); vp != nil {
		volumeRatio = vp.VolumeRatio
		if vp.OBVRising {
			obvDir = 1
		} else {
			obvDir = -1
		}
	}

	trendDir, trendStrength := 0.0, 0.0
	if structure := e.trend.AnalyzeStructure(bars); structure != nil {
		trendStrength = structure.TrendStrength
		switch structure.Trend {
		case analysis.TrendBullish:
			trendDir = 1
		case analysis.TrendBearish:
			trendDir = -1
		}
	}

	return []float64{
		(rsi - 50) / 50, // [-1, 1]
		rsiSlope / 10,
		macdHist,
		indicator.Momentum(bars, 10) / 10,
		indicator.ATRPercent(bars, 14),
		indicator.RangePosition(bars, 20),
		bollPos,
		volumeRatio,
		obvDir,
		trendDir,
		trendStrength,
		1, // present
	}
}

// neutralTimeframeBlock mirrors the per-timeframe layout with values that
// carry no directional information
func neutralTimeframeBlock() []float64 {
	return []float64{
		0,   // rsi (centered)
		0,   // rsi_slope
		0,   // macd_histogram
		0,   // momentum
		0,   // atr_percent
		0.5, // range_position
		0,   // bollinger_position
		1,   // volume_ratio
		0,   // obv_direction
		0,   // trend_direction
		0,   // trend_strength
		0,   // present
	}
}

func (e *Extractor) snapshotBlock(snap *market.Snapshot, order []market.Timeframe) []float64 {
	pressure, spreadPct := 0.0, 0.0
	if ob := snap.OrderBook; ob != nil {
		pressure = ob.Pressure()
		price := snap.CurrentPrice()
		if price > 0 {
			spreadPct = ob.Spread() / price * 100
		}
	}

	align := e.alignment.Analyze(snap, order)
	alignSign := 0.0
	switch align.Dominant {
	case analysis.TrendBullish:
		alignSign = 1
	case analysis.TrendBearish:
		alignSign = -1
	}

	sessionHour := float64(snap.Timestamp.UTC().Hour()) / 23.0

	levelProximity := 0.0
	if primary := snap.PrimarySeries(snap.PrimaryTimeframe); primary.Present {
		if structure := e.trend.AnalyzeStructure(primary.Bars); structure != nil {
			price := snap.CurrentPrice()
			levels := append(append([]float64(nil), structure.SupportLevels...), structure.ResistanceLevels...)
			if _, distPct, ok := analysis.NearestLevel(price, levels); ok {
				// 1 at the level, fading to 0 past 2% away
				levelProximity = indicator.Clamp(1-distPct/2.0, 0, 1)
			}
		}
	}

	exposure := 0.0
	if pos := snap.OpenPosition(); pos != nil && snap.Account.Equity > 0 {
		notional := pos.Size * pos.EntryPrice
		exposure = notional / snap.Account.Equity
		if pos.Direction == market.DirectionShort {
			exposure = -exposure
		}
	}

	return []float64{
		pressure,
		spreadPct,
		align.Score,
		alignSign,
		sessionHour,
		levelProximity,
		exposure,
	}
}
