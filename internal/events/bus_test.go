package events

import (
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive event within timeout")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil, nil)

	ch := bus.Subscribe("pr-1", []EventType{EventReviewStatus})
	defer bus.Unsubscribe("pr-1", ch)

	event := NewEvent(EventReviewStatus, "orchestrator", "pr-1", PriorityHigh, map[string]interface{}{
		"status": "running",
	})
	bus.Publish(event)

	received := receive(t, ch)
	if received.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, received.ID)
	}
}

func TestBus_FilterByType(t *testing.T) {
	bus := NewBus(nil, nil)

	ch := bus.Subscribe("pr-1", []EventType{EventReviewConflict})
	defer bus.Unsubscribe("pr-1", ch)

	bus.Publish(NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, nil))
	bus.Publish(NewEvent(EventReviewConflict, "orchestrator", "pr-1", PriorityHigh, nil))

	if got := receive(t, ch); got.Type != EventReviewConflict {
		t.Errorf("Expected %s, got %s", EventReviewConflict, got.Type)
	}

	select {
	case received := <-ch:
		t.Errorf("Should not have received event type %s", received.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_AllSubscriber(t *testing.T) {
	bus := NewBus(nil, nil)

	allCh := bus.Subscribe(TargetAll, nil)
	prCh := bus.Subscribe("pr-1", nil)
	otherCh := bus.Subscribe("pr-2", nil)
	defer bus.Unsubscribe(TargetAll, allCh)
	defer bus.Unsubscribe("pr-1", prCh)
	defer bus.Unsubscribe("pr-2", otherCh)

	event := NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, nil)
	bus.Publish(event)

	if got := receive(t, prCh); got.ID != event.ID {
		t.Errorf("pr-1 subscriber got %s", got.ID)
	}
	if got := receive(t, allCh); got.ID != event.ID {
		t.Errorf("all subscriber got %s", got.ID)
	}
	select {
	case e := <-otherCh:
		t.Errorf("pr-2 subscriber should not receive %s", e.ID)
	case <-time.After(50 * time.Millisecond):
	}

	broadcast := NewEvent(EventKnowledgeSync, "syncer", TargetAll, PriorityNormal, nil)
	bus.Publish(broadcast)
	for _, ch := range []<-chan Event{allCh, prCh, otherCh} {
		if got := receive(t, ch); got.ID != broadcast.ID {
			t.Errorf("broadcast not delivered, got %s", got.ID)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil, nil)

	ch := bus.Subscribe("pr-1", nil)
	bus.Unsubscribe("pr-1", ch)

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers, got %d", bus.SubscriberCount())
	}

	bus.Publish(NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, nil))

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestBus_FullChannelNonBlocking(t *testing.T) {
	bus := NewBus(nil, nil)

	ch := bus.Subscribe("pr-1", nil)
	defer bus.Unsubscribe("pr-1", ch)

	for i := 0; i < 256; i++ {
		bus.Publish(NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, map[string]interface{}{"seq": i}))
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on full channel")
	}
}

type failingStore struct{ saved int }

func (f *failingStore) Save(*Event) error {
	f.saved++
	return errors.New("disk full")
}

func TestBus_StoreFailureStillDelivers(t *testing.T) {
	store := &failingStore{}
	bus := NewBus(store, nil)

	ch := bus.Subscribe("pr-1", nil)
	defer bus.Unsubscribe("pr-1", ch)

	bus.Publish(NewEvent(EventReviewStatus, "orchestrator", "pr-1", PriorityHigh, nil))
	receive(t, ch)
	if store.saved != 1 {
		t.Errorf("expected one save attempt, got %d", store.saved)
	}
}

func TestEventType_KindAndDomain(t *testing.T) {
	tests := []struct {
		typ    EventType
		domain string
		kind   string
	}{
		{EventReviewStatus, "review", "status"},
		{EventReviewStep, "review", "step"},
		{EventReviewConflict, "review", "conflict"},
		{EventKnowledgeSync, "knowledge", "sync"},
	}
	for _, tt := range tests {
		if tt.typ.Domain() != tt.domain || tt.typ.Kind() != tt.kind {
			t.Errorf("%s: got %s/%s", tt.typ, tt.typ.Domain(), tt.typ.Kind())
		}
	}
}
