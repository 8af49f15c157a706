// Package facts implements the keyed fact store with glob pattern matching
// and change notifications. Keys are colon-delimited identifiers like
// "order:ord-1:status".
package facts

import (
	"sort"
	"sync"
	"time"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/pattern"
	"github.com/reflexhq/reflex/internal/refs"
)

// ChangeType distinguishes the three fact mutations.
type ChangeType string

const (
	FactCreated ChangeType = "fact_created"
	FactUpdated ChangeType = "fact_updated"
	FactDeleted ChangeType = "fact_deleted"
)

// Change describes one fact mutation. Listeners run after the store has
// been updated, so readers observe the new value.
type Change struct {
	Type     ChangeType
	Key      string
	Value    interface{}
	Previous interface{}
	HadPrev  bool
}

// Listener observes fact changes.
type Listener func(Change)

// Store owns fact values. Mutations notify listeners synchronously in
// registration order.
type Store struct {
	mu        sync.RWMutex
	data      map[string]model.Fact
	listeners []Listener
}

// NewStore creates an empty fact store.
func NewStore() *Store {
	return &Store{data: make(map[string]model.Fact)}
}

// OnChange registers a change listener, called synchronously after each
// mutation. The engine does not use this hook; it queues its own change
// notifications so that dispatch ordering is preserved. OnChange is for
// callers embedding a bare store.
func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Get returns the value for key.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return fact.Value, true
}

// Set stores a value and fires fact_created or fact_updated. A set to the
// identical value still fires fact_updated; callers dedupe if they need to.
// Keys containing unresolved interpolation are rejected.
func (s *Store) Set(key string, value interface{}) (Change, error) {
	if key == "" {
		return Change{}, errors.Newf(errors.KindValidation, "set_fact", "fact key must not be empty")
	}
	if refs.HasPlaceholder(key) {
		return Change{}, errors.Newf(errors.KindReferenceResolution, "set_fact",
			"fact key %q contains unresolved interpolation", key)
	}

	s.mu.Lock()
	prev, hadPrev := s.data[key]
	s.data[key] = model.Fact{Key: key, Value: value, UpdatedAt: time.Now()}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{
		Type:     FactCreated,
		Key:      key,
		Value:    value,
		Previous: prev.Value,
		HadPrev:  hadPrev,
	}
	if hadPrev {
		change.Type = FactUpdated
	}
	notify(listeners, change)
	return change, nil
}

// Delete removes a key. It fires fact_deleted only when the key existed.
func (s *Store) Delete(key string) (Change, bool) {
	s.mu.Lock()
	prev, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return Change{}, false
	}
	delete(s.data, key)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{
		Type:     FactDeleted,
		Key:      key,
		Previous: prev.Value,
		HadPrev:  true,
	}
	notify(listeners, change)
	return change, true
}

// Match returns all facts whose key matches the pattern, sorted by key.
func (s *Store) Match(patternRaw string) []model.Fact {
	compiled := pattern.CompileKey(patternRaw)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Fact, 0)
	for key, fact := range s.data {
		if compiled.Match(key) {
			out = append(out, fact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns all fact keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) listenersLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

func notify(listeners []Listener, change Change) {
	for _, l := range listeners {
		l(change)
	}
}
