package temporal

import (
	"sync"
	"time"

	"github.com/reflexhq/reflex/internal/model"
)

// absenceDetector schedules a deadline when the after event arrives; an
// expected event before the deadline cancels it, otherwise the deadline
// fires. A second after event while a deadline is pending restarts it.
type absenceDetector struct {
	ruleID  string
	pattern *model.TemporalPattern
	fire    FireFunc

	mu      sync.Mutex
	pending map[string]*absenceWait
	stopped bool
}

type absenceWait struct {
	timer *time.Timer
	after model.Event
}

func newAbsenceDetector(ruleID string, p *model.TemporalPattern, fire FireFunc) *absenceDetector {
	return &absenceDetector{
		ruleID:  ruleID,
		pattern: p.Clone(),
		fire:    fire,
		pending: make(map[string]*absenceWait),
	}
}

func (d *absenceDetector) RuleID() string { return d.ruleID }

func (d *absenceDetector) Observe(event model.Event) {
	key := groupKey(d.pattern.GroupBy, event)

	if matcherMatches(d.pattern.Expected, event) {
		d.mu.Lock()
		if wait, ok := d.pending[key]; ok {
			wait.timer.Stop()
			delete(d.pending, key)
		}
		d.mu.Unlock()
		return
	}

	if !matcherMatches(d.pattern.After, event) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if wait, ok := d.pending[key]; ok {
		wait.timer.Stop()
	}
	after := event.Clone()
	d.pending[key] = &absenceWait{
		after: after,
		timer: time.AfterFunc(d.pattern.Within.Std(), func() { d.expire(key) }),
	}
}

func (d *absenceDetector) expire(key string) {
	d.mu.Lock()
	wait, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !ok || stopped {
		return
	}
	events := []model.Event{wait.after}
	d.fire(Firing{
		RuleID:        d.ruleID,
		Kind:          model.TemporalAbsence,
		GroupKey:      key,
		Events:        events,
		Count:         len(events),
		CorrelationID: correlationFrom(events),
	})
}

func (d *absenceDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, wait := range d.pending {
		wait.timer.Stop()
		delete(d.pending, key)
	}
}
