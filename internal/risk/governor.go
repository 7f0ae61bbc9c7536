// Package risk owns the account-wide risk state. The governor is the only
// component allowed to mutate it; everyone else reads an immutable snapshot
// taken at the start of an evaluation, and its hard-limit override beats
// every other decision path.
package risk

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/decision"
	"trading-decision-engine/internal/market"
)

// State is the account-wide risk snapshot for one evaluation cycle.
// It is a pure value; handing it out never exposes governor internals.
type State struct {
	DailyPnL                float64 `json:"daily_pnl"`
	DailyPnLPercent         float64 `json:"daily_pnl_percent"`
	DrawdownPercent         float64 `json:"drawdown_percent"`
	DistanceToDailyLimit    float64 `json:"distance_to_daily_limit"`    // Percent points of loss left
	DistanceToDrawdownLimit float64 `json:"distance_to_drawdown_limit"` // Percent points of drawdown left
	Violated                bool    `json:"violated"`
	NearLimit               bool    `json:"near_limit"`
	Reason                  string  `json:"reason,omitempty"`
}

// Governor computes risk state per request and enforces the hard overrides
type Governor struct {
	cfg    config.RiskConfig
	logger zerolog.Logger

	mu           sync.Mutex
	recentTrades []float64 // Realized P&L of recent closed trades, newest last
}

// NewGovernor creates a risk governor
func NewGovernor(cfg config.RiskConfig, logger zerolog.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// Compute derives the risk state from the account snapshot. The state is
// recomputed on every request from balance and P&L, never persisted.
func (g *Governor) Compute(account market.AccountState) State {
	state := State{DailyPnL: account.DailyPnL}

	if account.DayStartBalance > 0 {
		state.DailyPnLPercent = account.DailyPnL / account.DayStartBalance * 100
	}
	if account.PeakBalance > 0 && account.Equity < account.PeakBalance {
		state.DrawdownPercent = (account.PeakBalance - account.Equity) / account.PeakBalance * 100
	}

	dailyLoss := -state.DailyPnLPercent // Positive when losing
	state.DistanceToDailyLimit = g.cfg.MaxDailyLossPercent - dailyLoss
	state.DistanceToDrawdownLimit = g.cfg.MaxDrawdownPercent - state.DrawdownPercent

	switch {
	case state.DistanceToDailyLimit <= 0:
		state.Violated = true
		state.Reason = fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", dailyLoss, g.cfg.MaxDailyLossPercent)
	case state.DistanceToDrawdownLimit <= 0:
		state.Violated = true
		state.Reason = fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", state.DrawdownPercent, g.cfg.MaxDrawdownPercent)
	case dailyLoss >= g.cfg.MaxDailyLossPercent*g.cfg.NearLimitThreshold:
		state.NearLimit = true
		state.Reason = fmt.Sprintf("daily loss %.2f%% near limit %.2f%%", dailyLoss, g.cfg.MaxDailyLossPercent)
	case state.DrawdownPercent >= g.cfg.MaxDrawdownPercent*g.cfg.NearLimitThreshold:
		state.NearLimit = true
		state.Reason = fmt.Sprintf("drawdown %.2f%% near limit %.2f%%", state.DrawdownPercent, g.cfg.MaxDrawdownPercent)
	}

	if state.Violated {
		g.logger.Warn().Str("reason", state.Reason).Msg("Hard risk limit breached")
	}

	return state
}

// Apply enforces the risk state on a proposed decision and returns the
// decision that actually leaves the engine. On a hard breach: CLOSE for
// losing positions, HOLD for everything else, unconditionally. Near a
// limit: exposure-adding sizes shrink by the conservative factor.
func (g *Governor) Apply(dec *decision.Decision, state State, spec market.InstrumentSpec, pos *market.PositionRecord) *decision.Decision {
	if state.Violated {
		if pos != nil && pos.PnLPercent < 0 {
			out := decision.New(dec.Instrument, decision.Close,
				fmt.Sprintf("risk limit override: closing losing position (%s)", state.Reason), 1.0)
			return out
		}
		if dec.Action == decision.Close || dec.Action == decision.ScaleOut {
			// Reducing exposure is still allowed under a breach
			return dec
		}
		return decision.NewHold(dec.Instrument,
			fmt.Sprintf("risk limit override: %s", state.Reason), dec.Confidence)
	}

	if state.NearLimit && dec.Action.OpensExposure() {
		reduced := spec.RoundLot(dec.Size * g.cfg.ConservativeFactor)
		if reduced <= 0 {
			return decision.NewHold(dec.Instrument,
				fmt.Sprintf("near risk limit, reduced size below minimum lot (%s)", state.Reason), dec.Confidence)
		}
		dec.Size = reduced
		dec.Reason = fmt.Sprintf("%s [size reduced, %s]", dec.Reason, state.Reason)
	}

	return dec
}

// RecordTrade feeds a realized trade result into the recent-performance
// window used by the adaptive entry threshold
func (g *Governor) RecordTrade(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recentTrades = append(g.recentTrades, pnl)
	if window := g.cfg.RecentTradeWindow; window > 0 && len(g.recentTrades) > window {
		g.recentTrades = g.recentTrades[len(g.recentTrades)-window:]
	}
}

// WinRate returns the fraction of recent trades that were profitable.
// With no history it is neutral at 0.5.
func (g *Governor) WinRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.winRateLocked()
}

// Stats exports the governor's view for the API surface
func (g *Governor) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]interface{}{
		"recent_trades": len(g.recentTrades),
		"win_rate":      g.winRateLocked(),
	}
}

func (g *Governor) winRateLocked() float64 {
	if len(g.recentTrades) == 0 {
		return 0.5
	}
	wins := 0
	for _, pnl := range g.recentTrades {
		if pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(g.recentTrades))
}
