package events

import (
	"sync"

	"github.com/PRSENTINEL/internal/logger"
)

// Subscription represents a subscription to events
type Subscription struct {
	Ch     chan Event  // Channel to receive events
	Types  []EventType // Event types to filter (nil/empty = all types)
	Target string      // Target identifier
}

// EventStore defines the interface for persisting events
type EventStore interface {
	Save(event *Event) error
}

// Bus manages event subscriptions and publishing
type Bus struct {
	subscribers map[string][]*Subscription // target -> subscriptions
	store       EventStore                 // Optional persistent store
	log         *logger.Logger
	mu          sync.RWMutex // Protects subscribers map
}

// NewBus creates a new event bus
func NewBus(store EventStore, log *logger.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
		log:         logger.OrNop(log),
	}
}

// Subscribe creates a new subscription for the given target and event types.
// Returns a channel that will receive matching events.
// If types is nil or empty, all event types will be received.
func (b *Bus) Subscribe(target string, types []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 256),
		Types:  types,
		Target: target,
	}

	b.subscribers[target] = append(b.subscribers[target], sub)

	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[target]
	if !exists {
		return
	}

	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)

			b.subscribers[target] = append(subs[:i], subs[i+1:]...)

			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}

			return
		}
	}
}

// Publish sends an event to all matching subscribers.
// Events are sent to:
// 1. Subscribers for the specific target
// 2. Subscribers for "all" (if target is not "all")
// 3. All subscribers (if target is "all")
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			b.log.Warn("event not persisted", "id", event.ID, "type", event.Type, "error", err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var targetSubs []*Subscription

	if event.Target == TargetAll {
		for _, subs := range b.subscribers {
			targetSubs = append(targetSubs, subs...)
		}
	} else {
		if subs, exists := b.subscribers[event.Target]; exists {
			targetSubs = append(targetSubs, subs...)
		}
		if subs, exists := b.subscribers[TargetAll]; exists {
			targetSubs = append(targetSubs, subs...)
		}
	}

	for _, sub := range targetSubs {
		if b.matchesTypes(event.Type, sub.Types) {
			// Non-blocking send; a slow subscriber loses events rather than stalling a review
			select {
			case sub.Ch <- *event:
			default:
				b.log.Debug("subscriber full, event dropped", "target", sub.Target, "type", event.Type)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// matchesTypes checks if an event type matches the subscription filter
func (b *Bus) matchesTypes(eventType EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}

	for _, t := range types {
		if t == eventType {
			return true
		}
	}

	return false
}
