package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTickCompleted  EventType = "TICK_COMPLETED"
	EventDecisionMade   EventType = "DECISION_MADE"
	EventTradeExecuted  EventType = "TRADE_EXECUTED"
	EventTradeReverted  EventType = "TRADE_REVERTED"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER"
	EventCascadeDetect  EventType = "CASCADE_DETECTED"
	EventStoreDegraded  EventType = "STORE_DEGRADED"
	EventStrategyFault  EventType = "STRATEGY_FAULT"
	EventCommand        EventType = "COMMAND"
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

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer never blocks the pipeline.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeExecuted publishes a trade executed event
func (b *Bus) PublishTradeExecuted(symbol, action, strategyID string, price, size, commission float64) {
	b.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"action":      action,
			"strategy_id": strategyID,
			"price":       price,
			"size":        size,
			"commission":  commission,
		},
	})
}

// PublishTradeReverted publishes a trade reverted event
func (b *Bus) PublishTradeReverted(symbol, reason string, fillRatio float64) {
	b.Publish(Event{
		Type: EventTradeReverted,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"reason":     reason,
			"fill_ratio": fillRatio,
		},
	})
}

// PublishCircuitBreaker publishes a circuit breaker state change
func (b *Bus) PublishCircuitBreaker(from, to string, drawdown float64) {
	b.Publish(Event{
		Type: EventCircuitBreaker,
		Data: map[string]interface{}{
			"from":     from,
			"to":       to,
			"drawdown": drawdown,
		},
	})
}

// PublishCascadeDetected publishes a liquidation cascade detection
func (b *Bus) PublishCascadeDetected(symbol string, score float64, action string) {
	b.Publish(Event{
		Type: EventCascadeDetect,
		Data: map[string]interface{}{
			"symbol": symbol,
			"score":  score,
			"action": action,
		},
	})
}

// PublishStoreDegraded publishes a degraded-state transition
func (b *Bus) PublishStoreDegraded(reason string) {
	b.Publish(Event{
		Type: EventStoreDegraded,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStrategyFault publishes a strategy fault (panic or error)
func (b *Bus) PublishStrategyFault(strategyID string, consecutive int, disabled bool, err error) {
	data := map[string]interface{}{
		"strategy_id": strategyID,
		"consecutive": consecutive,
		"disabled":    disabled,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventStrategyFault, Data: data})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
