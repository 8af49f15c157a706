// Package model defines the data types shared by every engine subsystem:
// events, facts, rules, triggers, conditions, actions, and timer specs.
// Values crossing the engine boundary (event data, fact values, action
// payloads) are dynamically typed JSON-compatible values; helpers in
// value.go implement the comparison and traversal semantics.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single emission on the bus.
type Event struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// NewEvent builds an event with a fresh id and the current timestamp.
func NewEvent(topic string, data map[string]interface{}, source string) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// Clone returns a deep copy so the event can be shared across goroutines.
func (e Event) Clone() Event {
	clone := e
	clone.Data = CloneMap(e.Data)
	return clone
}

// Field extracts a dotted path from the event data (e.g. "order.items.0").
func (e Event) Field(path string) (interface{}, bool) {
	return LookupPath(e.Data, path)
}

// Fact is a single keyed datum from the fact store.
type Fact struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
