package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDecision       EventType = "DECISION"
	EventRiskBreach     EventType = "RISK_BREACH"
	EventRiskNearLimit  EventType = "RISK_NEAR_LIMIT"
	EventBreakerTripped EventType = "BREAKER_TRIPPED"
	EventBreakerReset   EventType = "BREAKER_RESET"
	EventModelsReloaded EventType = "MODELS_RELOADED"
	EventDataDegraded   EventType = "DATA_DEGRADED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecision publishes an emitted decision
func (eb *EventBus) PublishDecision(instrument, action, reason string, confidence float64) {
	eb.Publish(Event{
		Type: EventDecision,
		Data: map[string]interface{}{
			"instrument": instrument,
			"action":     action,
			"reason":     reason,
			"confidence": confidence,
		},
	})
}

// PublishRiskBreach publishes a hard risk limit breach
func (eb *EventBus) PublishRiskBreach(reason string, dailyPnLPercent, drawdownPercent float64) {
	eb.Publish(Event{
		Type: EventRiskBreach,
		Data: map[string]interface{}{
			"reason":            reason,
			"daily_pnl_percent": dailyPnLPercent,
			"drawdown_percent":  drawdownPercent,
		},
	})
}

// PublishDataDegraded publishes a data-quality degradation note
func (eb *EventBus) PublishDataDegraded(instrument string, degradations []string) {
	eb.Publish(Event{
		Type: EventDataDegraded,
		Data: map[string]interface{}{
			"instrument":   instrument,
			"degradations": degradations,
		},
	})
}

// PublishModelsReloaded publishes a registry reload
func (eb *EventBus) PublishModelsReloaded(version string) {
	eb.Publish(Event{
		Type: EventModelsReloaded,
		Data: map[string]interface{}{
			"version": version,
		},
	})
}
