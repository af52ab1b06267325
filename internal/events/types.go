package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Event type constants
const (
	EventReviewStatus   EventType = "review.status"
	EventReviewStep     EventType = "review.step"
	EventReviewConflict EventType = "review.conflict"
	EventKnowledgeSync  EventType = "knowledge.sync"
)

// TargetAll addresses every subscriber
const TargetAll = "all"

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to.
// Target is the pull request id for review events and the source id for sync events.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Kind is the part of the type after the domain prefix ("step" for review.step)
func (t EventType) Kind() string {
	if i := strings.LastIndexByte(string(t), '.'); i >= 0 {
		return string(t)[i+1:]
	}
	return string(t)
}

// Domain is the part of the type before the kind ("review" for review.step)
func (t EventType) Domain() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return ""
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		EventReviewStatus,
		EventReviewStep,
		EventReviewConflict,
		EventKnowledgeSync,
	}
}
