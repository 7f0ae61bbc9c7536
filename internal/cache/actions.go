// Package cache tracks recently emitted exposure-adding actions. The
// execution client's position feed is eventually consistent: a snapshot can
// arrive before a just-opened position appears in it, and re-approving an
// entry in that window produces duplicate or oversized positions. The cache
// closes that window. When Redis is unavailable it falls back to an
// in-memory map so evaluation continues without interruption.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-decision-engine/internal/decision"
)

const (
	// actionKeyPrefix namespaces pending-action keys.
	// Format: engine:pending:{instrument}
	actionKeyPrefix = "engine:pending"

	// PendingActionTTL bounds how long an emitted open blocks re-entry.
	// Long enough for the execution client to commit and the position feed
	// to catch up, short enough not to freeze an instrument after a
	// rejected order.
	PendingActionTTL = 2 * time.Minute
)

// PendingAction records one exposure-adding decision awaiting commitment
type PendingAction struct {
	DecisionID string          `json:"decision_id"`
	Action     decision.Action `json:"action"`
	Size       float64         `json:"size"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

type memoryEntry struct {
	action    *PendingAction
	expiresAt time.Time
}

// ActionCache stores pending actions in Redis with an in-memory fallback
type ActionCache struct {
	client         *redis.Client
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu     sync.RWMutex
	memory map[string]memoryEntry
}

// NewActionCache creates the cache. A nil client means memory-only mode.
func NewActionCache(client *redis.Client, logger zerolog.Logger) *ActionCache {
	c := &ActionCache{
		client: client,
		logger: logger.With().Str("component", "action_cache").Logger(),
		memory: make(map[string]memoryEntry),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		} else {
			c.redisAvailable.Store(true)
			c.logger.Info().Msg("Redis connected")
		}
	} else {
		c.logger.Info().Msg("No Redis client configured, using in-memory cache only")
	}

	return c
}

func actionKey(instrument string) string {
	return fmt.Sprintf("%s:%s", actionKeyPrefix, instrument)
}

// Record stores a pending exposure-adding action for the instrument
func (c *ActionCache) Record(ctx context.Context, instrument string, action *PendingAction) error {
	if action == nil {
		return fmt.Errorf("cannot record nil action")
	}
	action.EmittedAt = time.Now().UTC()

	// The in-memory copy is always written so a Redis outage mid-flight
	// never drops the guard
	c.mu.Lock()
	c.memory[instrument] = memoryEntry{action: action, expiresAt: time.Now().Add(PendingActionTTL)}
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshaling pending action: %w", err)
	}
	if err := c.client.Set(ctx, actionKey(instrument), data, PendingActionTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("instrument", instrument).Msg("Redis write failed, in-memory guard active")
		c.redisAvailable.Store(false)
	}
	return nil
}

// Pending returns the unexpired pending action for the instrument, if any
func (c *ActionCache) Pending(ctx context.Context, instrument string) *PendingAction {
	if c.client != nil && c.redisAvailable.Load() {
		data, err := c.client.Get(ctx, actionKey(instrument)).Bytes()
		switch {
		case err == redis.Nil:
			return nil
		case err != nil:
			c.logger.Warn().Err(err).Msg("Redis read failed, falling back to in-memory cache")
			c.redisAvailable.Store(false)
		default:
			var action PendingAction
			if jsonErr := json.Unmarshal(data, &action); jsonErr == nil {
				return &action
			}
			return nil
		}
	}

	c.mu.RLock()
	entry, ok := c.memory[instrument]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.action
}

// Clear drops the pending action, called once the position feed reflects it
func (c *ActionCache) Clear(ctx context.Context, instrument string) {
	c.mu.Lock()
	delete(c.memory, instrument)
	c.mu.Unlock()

	if c.client != nil && c.redisAvailable.Load() {
		if err := c.client.Del(ctx, actionKey(instrument)).Err(); err != nil {
			c.logger.Warn().Err(err).Str("instrument", instrument).Msg("Redis delete failed")
			c.redisAvailable.Store(false)
		}
	}
}
