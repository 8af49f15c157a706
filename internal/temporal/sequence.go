package temporal

import (
	"sync"

	"github.com/reflexhq/reflex/internal/model"
)

// sequenceState tracks one partition's progress through the matcher list.
type sequenceState struct {
	matched []model.Event
}

// sequenceDetector fires when its matchers match in order within the
// pattern's within duration, measured from the first matched event.
// Window math uses event timestamps.
type sequenceDetector struct {
	ruleID  string
	pattern *model.TemporalPattern
	fire    FireFunc

	mu     sync.Mutex
	groups map[string]*sequenceState
}

func newSequenceDetector(ruleID string, p *model.TemporalPattern, fire FireFunc) *sequenceDetector {
	return &sequenceDetector{
		ruleID:  ruleID,
		pattern: p.Clone(),
		fire:    fire,
		groups:  make(map[string]*sequenceState),
	}
}

func (d *sequenceDetector) RuleID() string { return d.ruleID }

func (d *sequenceDetector) Observe(event model.Event) {
	key := groupKey(d.pattern.GroupBy, event)

	d.mu.Lock()
	state, ok := d.groups[key]
	if !ok {
		state = &sequenceState{}
		d.groups[key] = state
	}

	// Progress expires with the window; a stale partial restarts from the
	// first matcher.
	if len(state.matched) > 0 {
		deadline := state.matched[0].Timestamp.Add(d.pattern.Within.Std())
		if event.Timestamp.After(deadline) {
			state.matched = nil
		}
	}

	next := &d.pattern.Sequence[len(state.matched)]
	if !matcherMatches(next, event) {
		// A fresh first-matcher hit restarts a stalled partial.
		if len(state.matched) > 0 && matcherMatches(&d.pattern.Sequence[0], event) {
			state.matched = []model.Event{event.Clone()}
		}
		d.mu.Unlock()
		return
	}

	state.matched = append(state.matched, event.Clone())
	if len(state.matched) < len(d.pattern.Sequence) {
		d.mu.Unlock()
		return
	}

	events := state.matched
	state.matched = nil
	d.mu.Unlock()

	d.fire(Firing{
		RuleID:        d.ruleID,
		Kind:          model.TemporalSequence,
		GroupKey:      key,
		Events:        events,
		Count:         len(events),
		CorrelationID: correlationFrom(events),
	})
}

func (d *sequenceDetector) Stop() {}
