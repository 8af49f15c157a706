package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceDisabledByDefault(t *testing.T) {
	tc := NewTraceCollector(0)
	tc.Record(TraceRuleTriggered, nil, Options{RuleID: "r1"})
	assert.Empty(t, tc.All())
}

func TestTraceRecordAndQuery(t *testing.T) {
	tc := NewTraceCollector(0)
	tc.EnableTracing()

	tc.Record(TraceRuleTriggered, nil, Options{RuleID: "r1", CorrelationID: "c1"})
	tc.Record(TraceConditionEvaluated, map[string]interface{}{"result": true}, Options{RuleID: "r1", CorrelationID: "c1"})
	tc.Record(TraceRuleExecuted, nil, Options{RuleID: "r2", CorrelationID: "c2", DurationMs: 1.5})

	assert.Len(t, tc.ByCorrelation("c1"), 2)
	assert.Len(t, tc.ByRule("r2"), 1)
	assert.Len(t, tc.All(), 3)

	tc.DisableTracing()
	tc.Record(TraceRuleTriggered, nil, Options{RuleID: "r3"})
	assert.Len(t, tc.All(), 3)

	tc.Clear()
	assert.Empty(t, tc.All())
}

func TestTraceRingBounded(t *testing.T) {
	tc := NewTraceCollector(10)
	tc.EnableTracing()
	for i := 0; i < 15; i++ {
		tc.Record(TraceRuleTriggered, nil, Options{RuleID: "r"})
	}
	assert.LessOrEqual(t, len(tc.All()), 10)
}

func TestTraceSubscriberIsolation(t *testing.T) {
	tc := NewTraceCollector(0)
	tc.EnableTracing()

	var got int
	tc.Subscribe(func(TraceEntry) { panic("boom") })
	id := tc.Subscribe(func(TraceEntry) { got++ })

	tc.Record(TraceActionStarted, nil, Options{})
	assert.Equal(t, 1, got)

	tc.Unsubscribe(id)
	tc.Record(TraceActionStarted, nil, Options{})
	assert.Equal(t, 1, got)
}
