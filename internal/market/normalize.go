package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrPrimaryTimeframe is returned when the primary decision timeframe is
// missing or unusable. The whole evaluation for the instrument fails on it.
var ErrPrimaryTimeframe = errors.New("primary timeframe data missing or malformed")

// RawBar is one candle as delivered by the execution client
type RawBar struct {
	Time   int64   `json:"time" validate:"required"`
	Open   float64 `json:"open" validate:"gt=0"`
	High   float64 `json:"high" validate:"gt=0"`
	Low    float64 `json:"low" validate:"gt=0"`
	Close  float64 `json:"close" validate:"gt=0"`
	Volume float64 `json:"volume" validate:"gte=0"`
}

// RawRequest is the wire shape of one evaluation request
type RawRequest struct {
	Symbol     string              `json:"symbol" validate:"required"`
	Timestamp  int64               `json:"timestamp"` // Unix seconds; zero means receive time
	Timeframes map[string][]RawBar `json:"timeframes" validate:"required"`
	Spec       RawInstrumentSpec   `json:"spec" validate:"required"`
	Account    RawAccount          `json:"account" validate:"required"`
	Positions  []RawPosition       `json:"positions" validate:"omitempty,dive"`
	OrderBook  *OrderBookSummary   `json:"order_book,omitempty"`
}

type RawInstrumentSpec struct {
	AssetClass   string  `json:"asset_class"`
	LotStep      float64 `json:"lot_step" validate:"gt=0"`
	MinLot       float64 `json:"min_lot" validate:"gt=0"`
	MaxLot       float64 `json:"max_lot" validate:"gtefield=MinLot"`
	ContractSize float64 `json:"contract_size" validate:"gt=0"`
	TickValue    float64 `json:"tick_value" validate:"gte=0"`
}

type RawAccount struct {
	Balance         float64 `json:"balance" validate:"gt=0"`
	Equity          float64 `json:"equity"`
	DayStartBalance float64 `json:"day_start_balance" validate:"gt=0"`
	PeakBalance     float64 `json:"peak_balance" validate:"gt=0"`
}

type RawPosition struct {
	Instrument       string  `json:"instrument" validate:"required"`
	Direction        string  `json:"direction" validate:"oneof=LONG SHORT"`
	Size             float64 `json:"size" validate:"gt=0"`
	EntryPrice       float64 `json:"entry_price" validate:"gt=0"`
	PnLPercent       float64 `json:"pnl_percent"`
	AgeBars          int     `json:"age_bars" validate:"gte=0"`
	AverageDownCount int     `json:"average_down_count" validate:"gte=0"`
	Account          string  `json:"account"`
}

// Normalizer validates raw requests and reshapes them into canonical Snapshots
type Normalizer struct {
	validate         *validator.Validate
	timeframes       []Timeframe
	primaryTimeframe Timeframe
	minBars          int
}

// NewNormalizer creates a normalizer for the configured timeframe set
func NewNormalizer(timeframes []string, primary string, minBars int) *Normalizer {
	tfs := make([]Timeframe, 0, len(timeframes))
	for _, tf := range timeframes {
		tfs = append(tfs, Timeframe(tf))
	}
	return &Normalizer{
		validate:         validator.New(),
		timeframes:       tfs,
		primaryTimeframe: Timeframe(primary),
		minBars:          minBars,
	}
}

// PrimaryTimeframe returns the decision timeframe
func (n *Normalizer) PrimaryTimeframe() Timeframe {
	return n.primaryTimeframe
}

// Timeframes returns the configured timeframe set in order
func (n *Normalizer) Timeframes() []Timeframe {
	return n.timeframes
}

// Normalize validates the raw request and builds the canonical snapshot.
// Missing or short non-primary timeframes become empty placeholder series
// with a degradation note; a bad primary timeframe fails the evaluation.
func (n *Normalizer) Normalize(raw *RawRequest) (*Snapshot, error) {
	if err := n.validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid request for %s: %w", raw.Symbol, err)
	}

	timestamp := time.Now().UTC()
	if raw.Timestamp > 0 {
		timestamp = time.Unix(raw.Timestamp, 0).UTC()
	}

	snap := &Snapshot{
		Instrument: InstrumentSpec{
			Symbol:       raw.Symbol,
			AssetClass:   raw.Spec.AssetClass,
			LotStep:      raw.Spec.LotStep,
			MinLot:       raw.Spec.MinLot,
			MaxLot:       raw.Spec.MaxLot,
			ContractSize: raw.Spec.ContractSize,
			TickValue:    raw.Spec.TickValue,
		},
		Timestamp:        timestamp,
		PrimaryTimeframe: n.primaryTimeframe,
		Series:           make(map[Timeframe]Series, len(n.timeframes)),
		OrderBook:        raw.OrderBook,
		Account: AccountState{
			Balance:         raw.Account.Balance,
			Equity:          raw.Account.Equity,
			DayStartBalance: raw.Account.DayStartBalance,
			PeakBalance:     raw.Account.PeakBalance,
			DailyPnL:        raw.Account.Equity - raw.Account.DayStartBalance,
		},
	}

	for _, tf := range n.timeframes {
		rawBars, ok := raw.Timeframes[string(tf)]
		series, reason := n.buildSeries(tf, rawBars, ok)

		if !series.Present {
			if tf == n.primaryTimeframe {
				return nil, fmt.Errorf("%w: %s %s", ErrPrimaryTimeframe, raw.Symbol, reason)
			}
			snap.Degradations = append(snap.Degradations, fmt.Sprintf("%s: %s", tf, reason))
		}
		snap.Series[tf] = series
	}

	for _, rp := range raw.Positions {
		snap.Positions = append(snap.Positions, PositionRecord{
			Instrument:       rp.Instrument,
			Direction:        Direction(rp.Direction),
			Size:             rp.Size,
			EntryPrice:       rp.EntryPrice,
			PnLPercent:       rp.PnLPercent,
			AgeBars:          rp.AgeBars,
			AverageDownCount: rp.AverageDownCount,
			Account:          rp.Account,
		})
	}

	return snap, nil
}

// buildSeries converts one timeframe's raw bars, checking order and sanity.
func (n *Normalizer) buildSeries(tf Timeframe, rawBars []RawBar, supplied bool) (Series, string) {
	empty := Series{Timeframe: tf, Bars: []Bar{}, Present: false}

	if !supplied {
		return empty, "timeframe not supplied"
	}
	if len(rawBars) < n.minBars {
		return empty, fmt.Sprintf("only %d bars, need %d", len(rawBars), n.minBars)
	}

	bars := make([]Bar, 0, len(rawBars))
	var prevTime int64
	for i, rb := range rawBars {
		if rb.High < rb.Low || rb.Close <= 0 {
			return empty, fmt.Sprintf("malformed bar at index %d", i)
		}
		if rb.Time <= prevTime {
			return empty, fmt.Sprintf("bars out of order at index %d", i)
		}
		prevTime = rb.Time

		bars = append(bars, Bar{
			OpenTime: time.UnixMilli(rb.Time).UTC(),
			Open:     rb.Open,
			High:     rb.High,
			Low:      rb.Low,
			Close:    rb.Close,
			Volume:   rb.Volume,
		})
	}

	return Series{Timeframe: tf, Bars: bars, Present: true}, ""
}
