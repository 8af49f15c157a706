package temporal

import (
	"sync"
	"time"

	"github.com/reflexhq/reflex/internal/model"
)

// countState holds one partition's window. Tumbling windows anchor at the
// first matching event; sliding windows end at the newest event.
type countState struct {
	events      []model.Event
	windowStart time.Time
	satisfied   bool
}

// countDetector fires once per window crossing: when the matching-event
// count first meets the comparison, not again while it keeps holding.
type countDetector struct {
	ruleID  string
	pattern *model.TemporalPattern
	fire    FireFunc

	mu     sync.Mutex
	groups map[string]*countState
}

func newCountDetector(ruleID string, p *model.TemporalPattern, fire FireFunc) *countDetector {
	return &countDetector{
		ruleID:  ruleID,
		pattern: p.Clone(),
		fire:    fire,
		groups:  make(map[string]*countState),
	}
}

func (d *countDetector) RuleID() string { return d.ruleID }

func (d *countDetector) Observe(event model.Event) {
	if !matcherMatches(d.pattern.Match, event) {
		return
	}
	key := groupKey(d.pattern.GroupBy, event)
	window := d.pattern.Window.Std()

	d.mu.Lock()
	state, ok := d.groups[key]
	if !ok {
		state = &countState{windowStart: event.Timestamp}
		d.groups[key] = state
	}

	if d.pattern.Sliding {
		cutoff := event.Timestamp.Add(-window)
		state.events = pruneBefore(state.events, cutoff)
	} else if !event.Timestamp.Before(state.windowStart.Add(window)) {
		state.events = nil
		state.windowStart = event.Timestamp
		state.satisfied = false
	}

	state.events = append(state.events, event.Clone())
	count := len(state.events)

	holds := compare(float64(count), d.pattern.Threshold, d.pattern.Comparison)
	shouldFire := holds && !state.satisfied
	state.satisfied = holds

	var events []model.Event
	if shouldFire {
		events = append(events, state.events...)
	}
	d.mu.Unlock()

	if shouldFire {
		d.fire(Firing{
			RuleID:        d.ruleID,
			Kind:          model.TemporalCount,
			GroupKey:      key,
			Events:        events,
			Count:         count,
			Value:         float64(count),
			CorrelationID: correlationFrom(events),
		})
	}
}

func (d *countDetector) Stop() {}

// aggregateDetector computes a function over a sliding window of matching
// events and fires on the crossing into the comparison, like count.
type aggregateDetector struct {
	ruleID  string
	pattern *model.TemporalPattern
	fire    FireFunc

	mu     sync.Mutex
	groups map[string]*countState
}

func newAggregateDetector(ruleID string, p *model.TemporalPattern, fire FireFunc) *aggregateDetector {
	return &aggregateDetector{
		ruleID:  ruleID,
		pattern: p.Clone(),
		fire:    fire,
		groups:  make(map[string]*countState),
	}
}

func (d *aggregateDetector) RuleID() string { return d.ruleID }

func (d *aggregateDetector) Observe(event model.Event) {
	if !matcherMatches(d.pattern.Match, event) {
		return
	}
	key := groupKey(d.pattern.GroupBy, event)

	d.mu.Lock()
	state, ok := d.groups[key]
	if !ok {
		state = &countState{}
		d.groups[key] = state
	}

	cutoff := event.Timestamp.Add(-d.pattern.Window.Std())
	state.events = pruneBefore(state.events, cutoff)
	state.events = append(state.events, event.Clone())

	value, ok := aggregate(d.pattern.Function, d.pattern.Field, state.events)
	holds := ok && compare(value, d.pattern.Threshold, d.pattern.Comparison)
	shouldFire := holds && !state.satisfied
	state.satisfied = holds

	var events []model.Event
	count := len(state.events)
	if shouldFire {
		events = append(events, state.events...)
	}
	d.mu.Unlock()

	if shouldFire {
		d.fire(Firing{
			RuleID:        d.ruleID,
			Kind:          model.TemporalAggregate,
			GroupKey:      key,
			Events:        events,
			Count:         count,
			Value:         value,
			CorrelationID: correlationFrom(events),
		})
	}
}

func (d *aggregateDetector) Stop() {}

// aggregate computes the window function; events without a numeric field
// are skipped. Reports false when no values contribute (except count).
func aggregate(function, field string, events []model.Event) (float64, bool) {
	if function == "count" {
		return float64(len(events)), true
	}

	values := make([]float64, 0, len(events))
	for _, event := range events {
		raw, ok := event.Field(field)
		if !ok {
			continue
		}
		n, ok := model.AsNumber(raw)
		if !ok {
			continue
		}
		values = append(values, n)
	}
	if len(values) == 0 {
		return 0, false
	}

	switch function {
	case "sum", "avg":
		var total float64
		for _, v := range values {
			total += v
		}
		if function == "avg" {
			return total / float64(len(values)), true
		}
		return total, true
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	default:
		return 0, false
	}
}

// pruneBefore drops events whose timestamp is not after the cutoff.
func pruneBefore(events []model.Event, cutoff time.Time) []model.Event {
	i := 0
	for i < len(events) && !events[i].Timestamp.After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
