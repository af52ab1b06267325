package nats

import (
	"sync"

	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/logger"
)

// EventPublisher is the publishing side of a NATS client
type EventPublisher interface {
	PublishJSON(subject string, v interface{}) error
}

// Bridge republishes domain events from the bus onto NATS subjects
type Bridge struct {
	bus    *events.Bus
	client EventPublisher
	log    *logger.Logger

	mu sync.Mutex
	ch <-chan events.Event
	wg sync.WaitGroup
}

// NewBridge creates a bus-to-NATS bridge
func NewBridge(bus *events.Bus, client EventPublisher, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		client: client,
		log:    logger.OrNop(log).With("component", "nats-bridge"),
	}
}

// Start subscribes to every bus event
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		return
	}
	b.ch = b.bus.Subscribe(events.TargetAll, nil)
	b.wg.Add(1)
	go b.forward(b.ch)
}

// Stop unsubscribes and waits for in-flight publishes
func (b *Bridge) Stop() {
	b.mu.Lock()
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()
	if ch == nil {
		return
	}
	b.bus.Unsubscribe(events.TargetAll, ch)
	b.wg.Wait()
}

func (b *Bridge) forward(ch <-chan events.Event) {
	defer b.wg.Done()
	for ev := range ch {
		subject, ok := SubjectFor(&ev)
		if !ok {
			continue
		}
		msg := EventMessage{
			ID:        ev.ID,
			Type:      string(ev.Type),
			Target:    ev.Target,
			Priority:  ev.Priority,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		}
		if err := b.client.PublishJSON(subject, msg); err != nil {
			b.log.Warn("event not republished", "subject", subject, "error", err)
		}
	}
}

// SubjectFor maps a domain event to its NATS subject
func SubjectFor(ev *events.Event) (string, bool) {
	switch ev.Type.Domain() {
	case "review":
		return ReviewSubject(ev.Target, ev.Type.Kind()), true
	case "knowledge":
		return KnowledgeSyncSubject(ev.Target), true
	}
	return "", false
}
