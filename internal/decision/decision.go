// Package decision defines the engine's single output value. Every
// evaluation resolves to exactly one well-formed Decision, whatever went
// wrong along the way.
package decision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of things the engine can tell the execution
// client to do
type Action string

const (
	Hold        Action = "HOLD"
	OpenBuy     Action = "OPEN_BUY"
	OpenSell    Action = "OPEN_SELL"
	Close       Action = "CLOSE"
	AverageDown Action = "AVERAGE_DOWN"
	ScaleIn     Action = "SCALE_IN"
	ScaleOut    Action = "SCALE_OUT"
)

// Valid reports whether a is one of the defined actions
func (a Action) Valid() bool {
	switch a {
	case Hold, OpenBuy, OpenSell, Close, AverageDown, ScaleIn, ScaleOut:
		return true
	}
	return false
}

// OpensExposure reports whether the action adds to position size
func (a Action) OpensExposure() bool {
	switch a {
	case OpenBuy, OpenSell, AverageDown, ScaleIn:
		return true
	}
	return false
}

// Decision is a pure output value. It never holds references back into the
// snapshot or any mutable engine state.
type Decision struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	Action      Action    `json:"action"`
	Size        float64   `json:"size,omitempty"`
	StopPrice   float64   `json:"stop_price,omitempty"`
	TargetPrice float64   `json:"target_price,omitempty"`
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewHold builds a HOLD decision with the given reason
func NewHold(instrument, reason string, confidence float64) *Decision {
	return &Decision{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Action:     Hold,
		Reason:     reason,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// New builds a decision for the given action
func New(instrument string, action Action, reason string, confidence float64) *Decision {
	return &Decision{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Action:     action,
		Reason:     reason,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate checks the decision is well formed before it leaves the engine
func (d *Decision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("invalid action %q", d.Action)
	}
	if d.Instrument == "" {
		return fmt.Errorf("decision missing instrument")
	}
	if d.Reason == "" {
		return fmt.Errorf("decision missing reason")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range", d.Confidence)
	}
	if d.Action.OpensExposure() && d.Size <= 0 {
		return fmt.Errorf("action %s requires a positive size", d.Action)
	}
	return nil
}
