package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reflexerrors "github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
)

func issuePaths(t *testing.T, err error) []string {
	t.Helper()
	var v *reflexerrors.ValidationError
	require.ErrorAs(t, err, &v)
	paths := make([]string, len(v.Issues))
	for i, issue := range v.Issues {
		paths[i] = issue.Path
	}
	return paths
}

func TestValidateCollectsAllIssues(t *testing.T) {
	err := ValidateInput(model.RuleInput{})
	require.Error(t, err)
	assert.ErrorIs(t, err, reflexerrors.ErrInvalidInput)

	paths := issuePaths(t, err)
	assert.Contains(t, paths, "id")
	assert.Contains(t, paths, "name")
	assert.Contains(t, paths, "trigger.kind")
	assert.Contains(t, paths, "actions")
}

func TestValidateConditionOperators(t *testing.T) {
	input := model.RuleInput{
		ID: "r1", Name: "r1",
		Trigger: model.Trigger{Kind: model.TriggerEvent, Topic: "order.*"},
		Conditions: []model.Condition{
			{Source: "event.total", Operator: "between", Value: 10},
			{Source: "event.total", Operator: model.OpGt},
			{Source: "event.customer", Operator: model.OpExists},
		},
		Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
	}

	err := ValidateInput(input)
	require.Error(t, err)
	paths := issuePaths(t, err)
	assert.Contains(t, paths, "conditions[0].operator")
	assert.Contains(t, paths, "conditions[1].value")
	// exists needs no value
	assert.NotContains(t, paths, "conditions[2].value")
}

func TestValidateTemporalPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern model.TemporalPattern
		want    []string
	}{
		{
			name:    "sequence too short",
			pattern: model.TemporalPattern{Kind: model.TemporalSequence, Sequence: []model.EventMatcher{{Topic: "a"}}},
			want:    []string{"trigger.temporal.sequence", "trigger.temporal.within"},
		},
		{
			name:    "absence missing matchers",
			pattern: model.TemporalPattern{Kind: model.TemporalAbsence},
			want:    []string{"trigger.temporal.after", "trigger.temporal.expected", "trigger.temporal.within"},
		},
		{
			name:    "count missing window",
			pattern: model.TemporalPattern{Kind: model.TemporalCount, Match: &model.EventMatcher{Topic: "a"}, Comparison: "gte", Threshold: 3},
			want:    []string{"trigger.temporal.window"},
		},
		{
			name:    "aggregate missing field",
			pattern: model.TemporalPattern{Kind: model.TemporalAggregate, Match: &model.EventMatcher{Topic: "a"}, Window: model.Duration(1000000), Function: "sum", Comparison: "gt"},
			want:    []string{"trigger.temporal.field"},
		},
		{
			name:    "unknown kind",
			pattern: model.TemporalPattern{Kind: "window"},
			want:    []string{"trigger.temporal.kind"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := model.RuleInput{
				ID: "r1", Name: "r1",
				Trigger: model.Trigger{Kind: model.TriggerTemporal, Temporal: &tc.pattern},
				Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
			}
			err := ValidateInput(input)
			require.Error(t, err)
			paths := issuePaths(t, err)
			for _, want := range tc.want {
				assert.Contains(t, paths, want)
			}
		})
	}
}

func TestValidateConditionalRecursion(t *testing.T) {
	input := model.RuleInput{
		ID: "r1", Name: "r1",
		Trigger: model.Trigger{Kind: model.TriggerEvent, Topic: "order.*"},
		Actions: []model.Action{{
			Type:      model.ActionConditional,
			Predicate: &model.Condition{Source: "event.total", Operator: model.OpGt, Value: 100},
			Then: []model.Action{
				{Type: model.ActionSetFact}, // missing key
			},
			Else: []model.Action{
				{Type: "explode"},
			},
		}},
	}

	err := ValidateInput(input)
	require.Error(t, err)
	paths := issuePaths(t, err)
	assert.Contains(t, paths, "actions[0].then[0].key")
	assert.Contains(t, paths, "actions[0].else[0].type")
}

func TestValidateTimerAction(t *testing.T) {
	input := model.RuleInput{
		ID: "r1", Name: "r1",
		Trigger: model.Trigger{Kind: model.TriggerEvent, Topic: "order.*"},
		Actions: []model.Action{{
			Type: model.ActionSetTimer,
			Timer: &model.TimerSpec{
				Name:     "",
				Duration: 0,
				Repeat:   &model.RepeatSpec{Interval: 0},
			},
		}},
	}

	err := ValidateInput(input)
	require.Error(t, err)
	paths := issuePaths(t, err)
	assert.Contains(t, paths, "actions[0].timer.name")
	assert.Contains(t, paths, "actions[0].timer.duration")
	assert.Contains(t, paths, "actions[0].timer.onExpire.topic")
	assert.Contains(t, paths, "actions[0].timer.repeat.interval")
}

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	input := model.RuleInput{
		ID: "order-flow", Name: "Order flow",
		Trigger: model.Trigger{Kind: model.TriggerEvent, Topic: "order.created"},
		Conditions: []model.Condition{
			{Source: "event.total", Operator: model.OpGte, Value: 50},
		},
		Actions: []model.Action{
			{Type: model.ActionSetFact, Key: "order:${event.orderId}:status", Value: "open"},
			{Type: model.ActionEmitEvent, Topic: "order.accepted", Data: map[string]interface{}{"orderId": "${event.orderId}"}},
		},
	}
	assert.NoError(t, ValidateInput(input))
}
