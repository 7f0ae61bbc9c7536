package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-decision-engine/config"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // New exposure halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery after cooldown
)

// Breaker halts new exposure after a losing streak or a fast hourly loss.
// It sits in front of the entry path only; exits and scale-outs always
// pass. Distinct from the governor's hard limits: the breaker recovers on
// its own after a cooldown, limits do not.
type Breaker struct {
	cfg    config.BreakerConfig
	logger zerolog.Logger

	mu                sync.Mutex
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	hourlyResetTime   time.Time
	lastTripTime      time.Time
	tripReason        string
	now               func() time.Time
}

// NewBreaker creates a trading circuit breaker
func NewBreaker(cfg config.BreakerConfig, logger zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:             cfg,
		logger:          logger.With().Str("component", "breaker").Logger(),
		state:           StateClosed,
		hourlyResetTime: time.Now().Add(time.Hour),
		now:             time.Now,
	}
}

// AllowsEntry reports whether new exposure may be taken right now
func (b *Breaker) AllowsEntry() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetHourlyIfNeeded()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastTripTime)
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			remaining := (cooldown - elapsed).Round(time.Second)
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining %v (reason: %s)", remaining, b.tripReason)
		}
		// Cooldown passed: allow one probe trade
		b.state = StateHalfOpen
		b.logger.Info().Msg("Circuit breaker half-open, probing recovery")
	}

	return true, ""
}

// RecordTrade updates the streak and hourly loss counters with a realized
// trade result
func (b *Breaker) RecordTrade(pnlPercent float64) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetHourlyIfNeeded()

	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPercent

		if b.state == StateHalfOpen {
			b.trip("probe trade lost in half-open state")
			return
		}
		if b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
			b.trip(fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
			return
		}
		if b.cfg.MaxLossPerHour > 0 && b.hourlyLoss >= b.cfg.MaxLossPerHour {
			b.trip(fmt.Sprintf("hourly loss %.2f%% over limit %.2f%%", b.hourlyLoss, b.cfg.MaxLossPerHour))
		}
		return
	}

	b.consecutiveLosses = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.tripReason = ""
		b.logger.Info().Msg("Circuit breaker reset after successful probe")
	}
}

// State returns the current breaker state and trip reason
func (b *Breaker) State() (BreakerState, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.tripReason
}

func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.tripReason = reason
	b.lastTripTime = b.now()
	b.logger.Warn().Str("reason", reason).Msg("Circuit breaker tripped")
}

func (b *Breaker) resetHourlyIfNeeded() {
	if b.now().After(b.hourlyResetTime) {
		b.hourlyLoss = 0
		b.hourlyResetTime = b.now().Add(time.Hour)
	}
}
