// Package timers implements the named timer service. Firing invokes a
// callback with the configured event template and the correlation id
// captured when the timer was set; the engine turns that into a stimulus.
package timers

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/model"
)

// FireFunc is invoked when a timer expires.
type FireFunc func(name string, onExpire model.EventTemplate, correlationID string, iteration int)

type activeTimer struct {
	spec          model.TimerSpec
	correlationID string
	timer         *time.Timer
	iteration     int
}

// Service owns the timer table. Setting a timer with an existing name
// replaces it; cancellation is idempotent.
type Service struct {
	mu      sync.Mutex
	timers  map[string]*activeTimer
	fire    FireFunc
	stopped bool
}

// NewService creates a timer service delivering expirations to fire.
func NewService(fire FireFunc) *Service {
	return &Service{
		timers: make(map[string]*activeTimer),
		fire:   fire,
	}
}

// Set schedules (or replaces) a named timer. The spec's name, topic, and
// data must already be fully resolved.
func (s *Service) Set(spec model.TimerSpec, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if existing, ok := s.timers[spec.Name]; ok {
		existing.timer.Stop()
	}

	active := &activeTimer{spec: spec, correlationID: correlationID}
	active.timer = time.AfterFunc(spec.Duration.Std(), func() {
		s.expire(spec.Name)
	})
	s.timers[spec.Name] = active

	log.Debug().Str("timer", spec.Name).Dur("duration", spec.Duration.Std()).
		Msg("Timer set")
}

func (s *Service) expire(name string) {
	s.mu.Lock()
	active, ok := s.timers[name]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	active.iteration++
	iteration := active.iteration

	if rescheduleAfter(active) {
		active.timer = time.AfterFunc(active.spec.Repeat.Interval.Std(), func() {
			s.expire(name)
		})
	} else {
		delete(s.timers, name)
	}
	fire := s.fire
	spec := active.spec
	correlationID := active.correlationID
	s.mu.Unlock()

	if fire != nil {
		fire(spec.Name, spec.OnExpire, correlationID, iteration)
	}
}

// rescheduleAfter reports whether the timer re-arms after the iteration
// that just fired.
func rescheduleAfter(active *activeTimer) bool {
	repeat := active.spec.Repeat
	if repeat == nil {
		return false
	}
	// MaxCount bounds total firings; zero means unbounded.
	if repeat.MaxCount > 0 && active.iteration >= repeat.MaxCount {
		return false
	}
	return true
}

// Cancel stops a timer. No-op when the name is absent; reports whether a
// timer was cancelled.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok := s.timers[name]
	if !ok {
		return false
	}
	active.timer.Stop()
	delete(s.timers, name)
	return true
}

// Active returns the names of all scheduled timers.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	return names
}

// Len returns the number of scheduled timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses further sets. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for name, active := range s.timers {
		active.timer.Stop()
		delete(s.timers, name)
	}
}
