package rules

import (
	"fmt"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
)

var validOperators = func() map[string]struct{} {
	m := make(map[string]struct{}, len(model.Operators))
	for _, op := range model.Operators {
		m[op] = struct{}{}
	}
	return m
}()

var validComparisons = map[string]struct{}{
	"eq": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
}

var validFunctions = map[string]struct{}{
	"sum": {}, "avg": {}, "min": {}, "max": {}, "count": {},
}

// ValidateInput checks a RuleInput structurally, collecting every issue
// with a path-qualified message. Returns nil when valid.
func ValidateInput(input model.RuleInput) error {
	v := &errors.ValidationError{RuleID: input.ID}

	if input.ID == "" {
		v.Add("id", "must not be empty")
	}
	if input.Name == "" {
		v.Add("name", "must not be empty")
	}

	validateTrigger(v, input.Trigger)

	for i, cond := range input.Conditions {
		validateCondition(v, fmt.Sprintf("conditions[%d]", i), cond)
	}

	if len(input.Actions) == 0 {
		v.Add("actions", "at least one action is required")
	}
	for i, action := range input.Actions {
		validateAction(v, fmt.Sprintf("actions[%d]", i), action)
	}

	if v.Empty() {
		return nil
	}
	return v
}

func validateTrigger(v *errors.ValidationError, trigger model.Trigger) {
	switch trigger.Kind {
	case model.TriggerEvent:
		if trigger.Topic == "" {
			v.Add("trigger.topic", "event trigger requires a topic pattern")
		}
	case model.TriggerFact:
		if trigger.Pattern == "" {
			v.Add("trigger.pattern", "fact trigger requires a key pattern")
		}
	case model.TriggerTimer:
		if trigger.Timer == "" {
			v.Add("trigger.timer", "timer trigger requires a name pattern")
		}
	case model.TriggerTemporal:
		if trigger.Temporal == nil {
			v.Add("trigger.temporal", "temporal trigger requires a pattern")
			return
		}
		validateTemporal(v, trigger.Temporal)
	case "":
		v.Add("trigger.kind", "must be one of event, fact, timer, temporal")
	default:
		v.Add("trigger.kind", "unknown trigger kind %q", trigger.Kind)
	}
}

func validateTemporal(v *errors.ValidationError, p *model.TemporalPattern) {
	switch p.Kind {
	case model.TemporalSequence:
		if len(p.Sequence) < 2 {
			v.Add("trigger.temporal.sequence", "sequence requires at least 2 event matchers")
		}
		if p.Within <= 0 {
			v.Add("trigger.temporal.within", "sequence requires a positive within duration")
		}
	case model.TemporalAbsence:
		if p.After == nil {
			v.Add("trigger.temporal.after", "absence requires an after matcher")
		}
		if p.Expected == nil {
			v.Add("trigger.temporal.expected", "absence requires an expected matcher")
		}
		if p.Within <= 0 {
			v.Add("trigger.temporal.within", "absence requires a positive within duration")
		}
	case model.TemporalCount:
		if p.Match == nil {
			v.Add("trigger.temporal.match", "count requires a match matcher")
		}
		if p.Window <= 0 {
			v.Add("trigger.temporal.window", "count requires a positive window duration")
		}
		validateComparison(v, p.Comparison)
	case model.TemporalAggregate:
		if p.Match == nil {
			v.Add("trigger.temporal.match", "aggregate requires a match matcher")
		}
		if p.Window <= 0 {
			v.Add("trigger.temporal.window", "aggregate requires a positive window duration")
		}
		if _, ok := validFunctions[p.Function]; !ok {
			v.Add("trigger.temporal.function", "unknown aggregate function %q", p.Function)
		}
		if p.Function != "count" && p.Field == "" {
			v.Add("trigger.temporal.field", "aggregate function %q requires a field", p.Function)
		}
		validateComparison(v, p.Comparison)
	default:
		v.Add("trigger.temporal.kind", "unknown temporal kind %q", p.Kind)
	}
}

func validateComparison(v *errors.ValidationError, comparison string) {
	if _, ok := validComparisons[comparison]; !ok {
		v.Add("trigger.temporal.comparison", "unknown comparison %q", comparison)
	}
}

func validateCondition(v *errors.ValidationError, path string, cond model.Condition) {
	if cond.Source == "" {
		v.Add(path+".source", "must not be empty")
	}
	if _, ok := validOperators[cond.Operator]; !ok {
		v.Add(path+".operator", "unknown operator %q", cond.Operator)
	}
	if cond.Operator != model.OpExists && cond.Value == nil {
		v.Add(path+".value", "operator %q requires a value", cond.Operator)
	}
}

func validateAction(v *errors.ValidationError, path string, action model.Action) {
	switch action.Type {
	case model.ActionSetFact:
		if action.Key == "" {
			v.Add(path+".key", "set_fact requires a key")
		}
	case model.ActionDeleteFact:
		if action.Key == "" {
			v.Add(path+".key", "delete_fact requires a key")
		}
	case model.ActionEmitEvent:
		if action.Topic == "" {
			v.Add(path+".topic", "emit_event requires a topic")
		}
	case model.ActionSetTimer:
		if action.Timer == nil {
			v.Add(path+".timer", "set_timer requires a timer spec")
			return
		}
		if action.Timer.Name == "" {
			v.Add(path+".timer.name", "timer name must not be empty")
		}
		if action.Timer.Duration <= 0 {
			v.Add(path+".timer.duration", "timer duration must be positive")
		}
		if action.Timer.OnExpire.Topic == "" {
			v.Add(path+".timer.onExpire.topic", "timer onExpire requires a topic")
		}
		if action.Timer.Repeat != nil && action.Timer.Repeat.Interval <= 0 {
			v.Add(path+".timer.repeat.interval", "repeat interval must be positive")
		}
	case model.ActionCancelTimer:
		if action.Name == "" {
			v.Add(path+".name", "cancel_timer requires a name")
		}
	case model.ActionCallService:
		if action.Service == "" {
			v.Add(path+".service", "call_service requires a service")
		}
		if action.Method == "" {
			v.Add(path+".method", "call_service requires a method")
		}
	case model.ActionLog:
		if action.Message == "" {
			v.Add(path+".message", "log requires a message")
		}
	case model.ActionConditional:
		if action.Predicate == nil {
			v.Add(path+".predicate", "conditional requires a predicate")
		} else {
			validateCondition(v, path+".predicate", *action.Predicate)
		}
		if len(action.Then) == 0 {
			v.Add(path+".then", "conditional requires a then branch")
		}
		for i, nested := range action.Then {
			validateAction(v, fmt.Sprintf("%s.then[%d]", path, i), nested)
		}
		for i, nested := range action.Else {
			validateAction(v, fmt.Sprintf("%s.else[%d]", path, i), nested)
		}
	case "":
		v.Add(path+".type", "action type must not be empty")
	default:
		v.Add(path+".type", "unknown action type %q", action.Type)
	}
}
