package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Trace entry types emitted by the dispatcher while tracing is enabled.
const (
	TraceEventEmitted       = "event_emitted"
	TraceRuleTriggered      = "rule_triggered"
	TraceConditionEvaluated = "condition_evaluated"
	TraceConditionError     = "condition_error"
	TraceActionStarted      = "action_started"
	TraceActionCompleted    = "action_completed"
	TraceActionFailed       = "action_failed"
	TraceRuleExecuted       = "rule_executed"
	TraceRuleSkipped        = "rule_skipped"
)

// DefaultMaxTraceEntries bounds the volatile trace ring.
const DefaultMaxTraceEntries = 5000

// TraceEntry is one step of an execution trace.
type TraceEntry struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type"`
	RuleID        string                 `json:"ruleId,omitempty"`
	RuleName      string                 `json:"ruleName,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	DurationMs    float64                `json:"durationMs,omitempty"`
}

// TraceSubscriber receives trace entries in real time.
type TraceSubscriber func(TraceEntry)

// TraceCollector is the opt-in volatile execution trace. When disabled,
// Record is a no-op.
type TraceCollector struct {
	mu          sync.RWMutex
	enabled     bool
	maxEntries  int
	entries     []TraceEntry
	subscribers map[string]TraceSubscriber
}

// NewTraceCollector creates a disabled collector.
func NewTraceCollector(maxEntries int) *TraceCollector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxTraceEntries
	}
	return &TraceCollector{
		maxEntries:  maxEntries,
		subscribers: make(map[string]TraceSubscriber),
	}
}

// EnableTracing turns collection on.
func (t *TraceCollector) EnableTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// DisableTracing turns collection off; existing entries stay queryable.
func (t *TraceCollector) DisableTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// Enabled reports whether collection is active.
func (t *TraceCollector) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Record stores a trace entry when tracing is enabled.
func (t *TraceCollector) Record(entryType string, details map[string]interface{}, opts Options) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := TraceEntry{
		ID:            ulid.Make().String(),
		Timestamp:     ts,
		Type:          entryType,
		RuleID:        opts.RuleID,
		RuleName:      opts.RuleName,
		CorrelationID: opts.CorrelationID,
		Details:       details,
		DurationMs:    opts.DurationMs,
	}
	if len(t.entries) >= t.maxEntries {
		drop := t.maxEntries / 10
		if drop < 1 {
			drop = 1
		}
		t.entries = append(t.entries[:0], t.entries[drop:]...)
	}
	t.entries = append(t.entries, entry)
	subs := make([]TraceSubscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		notifyTraceSubscriber(s, entry)
	}
}

func notifyTraceSubscriber(s TraceSubscriber, entry TraceEntry) {
	defer func() {
		recover() // observer isolation
	}()
	s(entry)
}

// Subscribe registers a live trace subscriber and returns its id.
func (t *TraceCollector) Subscribe(s TraceSubscriber) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := ulid.Make().String()
	t.subscribers[id] = s
	return id
}

// Unsubscribe removes a subscriber. Idempotent.
func (t *TraceCollector) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, id)
}

// ByCorrelation returns entries for a correlation id, oldest first.
func (t *TraceCollector) ByCorrelation(correlationID string) []TraceEntry {
	return t.filter(func(e TraceEntry) bool { return e.CorrelationID == correlationID })
}

// ByRule returns entries for a rule id, oldest first.
func (t *TraceCollector) ByRule(ruleID string) []TraceEntry {
	return t.filter(func(e TraceEntry) bool { return e.RuleID == ruleID })
}

// All returns a copy of every retained entry.
func (t *TraceCollector) All() []TraceEntry {
	return t.filter(func(TraceEntry) bool { return true })
}

func (t *TraceCollector) filter(keep func(TraceEntry) bool) []TraceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TraceEntry, 0)
	for _, e := range t.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all retained entries.
func (t *TraceCollector) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
