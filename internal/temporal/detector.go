// Package temporal implements the four stateful event-stream detectors:
// sequence, absence, count, and aggregate. Each detector consumes events
// through Observe and invokes its fire callback with a Firing when its
// pattern completes. State is partitioned by the pattern's groupBy field.
package temporal

import (
	"fmt"

	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/pattern"
)

// Firing describes a completed temporal pattern. CorrelationID is derived
// from the triggering events so the resulting cascade joins their chain.
type Firing struct {
	RuleID        string
	Kind          model.TemporalKind
	GroupKey      string
	Events        []model.Event
	Count         int
	Value         float64
	CorrelationID string
}

// FireFunc receives firings. Absence deadlines fire from a timer goroutine,
// so implementations must be safe to call off the dispatch loop.
type FireFunc func(Firing)

// Detector consumes events and fires when its pattern completes.
type Detector interface {
	RuleID() string
	Observe(event model.Event)
	// Stop releases any scheduled deadlines. Idempotent.
	Stop()
}

// New builds the detector for a temporal rule. The rule must have passed
// validation; an unexpected kind is still rejected here.
func New(rule *model.Rule, fire FireFunc) (Detector, error) {
	p := rule.Trigger.Temporal
	if p == nil {
		return nil, fmt.Errorf("rule %s has no temporal pattern", rule.ID)
	}
	switch p.Kind {
	case model.TemporalSequence:
		return newSequenceDetector(rule.ID, p, fire), nil
	case model.TemporalAbsence:
		return newAbsenceDetector(rule.ID, p, fire), nil
	case model.TemporalCount:
		return newCountDetector(rule.ID, p, fire), nil
	case model.TemporalAggregate:
		return newAggregateDetector(rule.ID, p, fire), nil
	default:
		return nil, fmt.Errorf("rule %s: unknown temporal kind %q", rule.ID, p.Kind)
	}
}

// matcherMatches reports whether an event satisfies a matcher: topic pattern
// plus equality over every where constraint.
func matcherMatches(m *model.EventMatcher, event model.Event) bool {
	if m == nil {
		return false
	}
	if !pattern.MatchTopic(m.Topic, event.Topic) {
		return false
	}
	for path, want := range m.Where {
		got, ok := event.Field(path)
		if !ok || !model.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// groupKey extracts the partition key for an event; events without the
// groupBy field share the empty partition.
func groupKey(groupBy string, event model.Event) string {
	if groupBy == "" {
		return ""
	}
	v, ok := event.Field(groupBy)
	if !ok {
		return ""
	}
	return model.Stringify(v)
}

// correlationFrom picks the chain id for a firing: the first event's
// correlation id when present, else its event id.
func correlationFrom(events []model.Event) string {
	if len(events) == 0 {
		return ""
	}
	if events[0].CorrelationID != "" {
		return events[0].CorrelationID
	}
	return events[0].ID
}

func compare(value, threshold float64, comparison string) bool {
	switch comparison {
	case "eq":
		return value == threshold
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	default:
		return false
	}
}
