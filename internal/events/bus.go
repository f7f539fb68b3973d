package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotCreated         EventType = "BOT_CREATED"
	EventBotRemoved         EventType = "BOT_REMOVED"
	EventStateChanged       EventType = "STATE_CHANGED"
	EventSignalGenerated    EventType = "SIGNAL_GENERATED"
	EventTradeOpened        EventType = "TRADE_OPENED"
	EventTradeClosed        EventType = "TRADE_CLOSED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventProtectionAdjusted EventType = "PROTECTION_ADJUSTED"
	EventEmergencyClose     EventType = "EMERGENCY_CLOSE"
	EventOrphanDetected     EventType = "ORPHAN_DETECTED"
	EventSyncCompleted      EventType = "SYNC_COMPLETED"
	EventConfigUpdated      EventType = "CONFIG_UPDATED"
	EventBreakerTripped     EventType = "BREAKER_TRIPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Subscribers run in their
// own goroutines, so a slow consumer never blocks a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
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

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

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

// PublishStateChanged publishes a bot lifecycle transition
func (b *Bus) PublishStateChanged(symbol, from, to string) {
	b.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"symbol": symbol,
			"from":   from,
			"to":     to,
		},
	})
}

// PublishSignal publishes an evaluated signal
func (b *Bus) PublishSignal(symbol, direction string, confidence float64, reasons []string) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"direction":  direction,
			"confidence": confidence,
			"reasons":    reasons,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(symbol string, entryPrice, exitPrice, quantity, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (b *Bus) PublishOrderPlaced(orderID int64, symbol, orderType, side string, price, quantity float64) {
	b.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishProtectionAdjusted publishes a break-even or trailing stop update
func (b *Bus) PublishProtectionAdjusted(symbol, kind string, stopPrice float64) {
	b.Publish(Event{
		Type: EventProtectionAdjusted,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"kind":       kind,
			"stop_price": stopPrice,
		},
	})
}

// PublishEmergencyClose publishes a forced close
func (b *Bus) PublishEmergencyClose(symbol, reason string) {
	b.Publish(Event{
		Type: EventEmergencyClose,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishOrphanDetected publishes an exchange position with no local bot
func (b *Bus) PublishOrphanDetected(symbol, side string, size float64) {
	b.Publish(Event{
		Type: EventOrphanDetected,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"size":   size,
		},
	})
}

// PublishSyncCompleted publishes the outcome of a reconciliation cycle
func (b *Bus) PublishSyncCompleted(confirmed, rolledBack, closedExternally, orphans int) {
	b.Publish(Event{
		Type: EventSyncCompleted,
		Data: map[string]interface{}{
			"confirmed":         confirmed,
			"rolled_back":       rolledBack,
			"closed_externally": closedExternally,
			"orphans":           orphans,
		},
	})
}

// PublishConfigUpdated publishes a configuration reload
func (b *Bus) PublishConfigUpdated(version int64, fields []string) {
	b.Publish(Event{
		Type: EventConfigUpdated,
		Data: map[string]interface{}{
			"version": version,
			"fields":  fields,
		},
	})
}

// PublishBreaker publishes a circuit breaker state change
func (b *Bus) PublishBreaker(state, reason string) {
	b.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{
			"state":  state,
			"reason": reason,
		},
	})
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
