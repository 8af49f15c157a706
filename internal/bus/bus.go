// Package bus implements topic pub/sub with wildcard patterns. Delivery is
// synchronous in registration order; handler panics are isolated so one
// subscriber cannot break delivery to the rest.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/pattern"
)

// Handler receives delivered events.
type Handler func(model.Event)

type subscription struct {
	id      string
	pattern *pattern.Pattern
	handler Handler
}

// Bus routes events to pattern subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription // registration order
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for a topic pattern and returns the
// subscription id.
func (b *Bus) Subscribe(topicPattern string, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern.CompileTopic(topicPattern),
		handler: handler,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber whose pattern matches the
// topic, in registration order.
func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.pattern.Match(event.Topic) {
			deliver(sub, event)
		}
	}
}

func deliver(sub *subscription, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("topic", event.Topic).
				Msg("Event subscriber panicked")
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
