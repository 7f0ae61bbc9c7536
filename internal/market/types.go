package market

import (
	"math"
	"time"
)

// Timeframe represents different chart timeframes
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Bar is a single OHLCV candle
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Series holds the bars for one timeframe. A missing or too-short timeframe
// yields Present == false with an empty Bars slice; feature code must treat
// that as neutral, never as an error.
type Series struct {
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`
	Present   bool      `json:"present"`
}

// Last returns the most recent bar, or a zero bar when the series is empty.
func (s Series) Last() Bar {
	if len(s.Bars) == 0 {
		return Bar{}
	}
	return s.Bars[len(s.Bars)-1]
}

// Closes extracts the close prices in order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// OrderBookSummary is an aggregated view of the top of the book
type OrderBookSummary struct {
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
}

// Spread returns the absolute bid/ask spread, or zero when the book is empty.
func (ob OrderBookSummary) Spread() float64 {
	if ob.BestAsk <= 0 || ob.BestBid <= 0 {
		return 0
	}
	return ob.BestAsk - ob.BestBid
}

// Pressure returns the signed imbalance of bid volume over ask volume in [-1, 1].
func (ob OrderBookSummary) Pressure() float64 {
	total := ob.BidVolume + ob.AskVolume
	if total <= 0 {
		return 0
	}
	return (ob.BidVolume - ob.AskVolume) / total
}

// InstrumentSpec is the broker contract specification for one instrument
type InstrumentSpec struct {
	Symbol       string  `json:"symbol"`
	AssetClass   string  `json:"asset_class"` // "forex", "crypto", "index", "commodity"
	LotStep      float64 `json:"lot_step"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	ContractSize float64 `json:"contract_size"`
	TickValue    float64 `json:"tick_value"`
}

// RoundLot rounds size down to the instrument's lot step and clamps it to
// [MinLot, MaxLot]. A size that rounds below MinLot returns zero: the caller
// must treat that as "no trade", not bump it up.
func (s InstrumentSpec) RoundLot(size float64) float64 {
	if s.LotStep <= 0 || size <= 0 {
		return 0
	}
	rounded := math.Floor(size/s.LotStep) * s.LotStep
	if rounded < s.MinLot {
		return 0
	}
	if s.MaxLot > 0 && rounded > s.MaxLot {
		rounded = math.Floor(s.MaxLot/s.LotStep) * s.LotStep
	}
	// Snap away from float drift (0.30000000000000004 lots is not a valid order)
	return math.Round(rounded/s.LotStep) * s.LotStep
}

// AccountState is the account snapshot supplied with every request
type AccountState struct {
	Balance          float64 `json:"balance"`
	Equity           float64 `json:"equity"`
	DayStartBalance  float64 `json:"day_start_balance"`
	PeakBalance      float64 `json:"peak_balance"`
	DailyPnL         float64 `json:"daily_pnl"`
}

// Direction of an open position
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// PositionRecord describes one open position as reported by the execution client
type PositionRecord struct {
	Instrument       string    `json:"instrument"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	PnLPercent       float64   `json:"pnl_percent"`
	AgeBars          int       `json:"age_bars"`
	AverageDownCount int       `json:"average_down_count"`
	Account          string    `json:"account"`
}

// Snapshot is the canonical, immutable input for one evaluation cycle
type Snapshot struct {
	Instrument       InstrumentSpec       `json:"instrument"`
	Timestamp        time.Time            `json:"timestamp"`
	PrimaryTimeframe Timeframe            `json:"primary_timeframe"`
	Series           map[Timeframe]Series `json:"series"`
	OrderBook        *OrderBookSummary    `json:"order_book,omitempty"`
	Account          AccountState         `json:"account"`
	Positions        []PositionRecord     `json:"positions"`
	Degradations     []string             `json:"degradations,omitempty"` // Missing/short timeframes noted during normalization
}

// PrimarySeries returns the series for the given timeframe.
func (s *Snapshot) PrimarySeries(tf Timeframe) Series {
	return s.Series[tf]
}

// CurrentPrice is the close of the most recent primary bar.
func (s *Snapshot) CurrentPrice() float64 {
	return s.Series[s.PrimaryTimeframe].Last().Close
}

// OpenPosition returns the open position for this snapshot's instrument, if any.
func (s *Snapshot) OpenPosition() *PositionRecord {
	for i := range s.Positions {
		if s.Positions[i].Instrument == s.Instrument.Symbol {
			return &s.Positions[i]
		}
	}
	return nil
}
