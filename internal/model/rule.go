package model

import "time"

// TriggerKind identifies which class of stimulus a rule reacts to.
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "event"
	TriggerFact     TriggerKind = "fact"
	TriggerTimer    TriggerKind = "timer"
	TriggerTemporal TriggerKind = "temporal"
)

// Trigger binds a rule to a class of stimuli. Exactly one of the
// kind-specific fields is meaningful.
type Trigger struct {
	Kind     TriggerKind      `json:"kind"`
	Topic    string           `json:"topic,omitempty"`   // event: topic pattern (a.*)
	Pattern  string           `json:"pattern,omitempty"` // fact: key pattern (order:*:status)
	Timer    string           `json:"timer,omitempty"`   // timer: name pattern
	Temporal *TemporalPattern `json:"temporal,omitempty"`
}

// Condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpNotIn    = "notIn"
	OpContains = "contains"
	OpMatches  = "matches"
	OpExists   = "exists"
)

// Operators lists every supported condition operator.
var Operators = []string{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpMatches, OpExists}

// Condition is a single boolean test. Source is one of
// "event.<field>", "fact:<key-pattern>", or "context.<key>".
// Value may be a literal or a {ref: "..."} object.
type Condition struct {
	Source   string      `json:"source"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// ActionType tags the action variant.
type ActionType string

const (
	ActionSetFact     ActionType = "set_fact"
	ActionDeleteFact  ActionType = "delete_fact"
	ActionEmitEvent   ActionType = "emit_event"
	ActionSetTimer    ActionType = "set_timer"
	ActionCancelTimer ActionType = "cancel_timer"
	ActionCallService ActionType = "call_service"
	ActionLog         ActionType = "log"
	ActionConditional ActionType = "conditional"
)

// Action is a tagged variant; only the fields for its Type are used.
// String fields and payload values may embed ${...} interpolation and
// {ref: "..."} objects, resolved at execution time.
type Action struct {
	Type ActionType `json:"type"`

	// set_fact / delete_fact / cancel_timer
	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Name  string      `json:"name,omitempty"`

	// emit_event
	Topic string                 `json:"topic,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`

	// set_timer
	Timer *TimerSpec `json:"timer,omitempty"`

	// call_service
	Service string                 `json:"service,omitempty"`
	Method  string                 `json:"method,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// conditional
	Predicate *Condition `json:"predicate,omitempty"`
	Then      []Action   `json:"then,omitempty"`
	Else      []Action   `json:"else,omitempty"`
}

// Rule is the registered form of a rule. Callers outside the registry only
// ever see deep copies.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Tags        []string    `json:"tags,omitempty"`
	Group       string      `json:"group,omitempty"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Trigger     Trigger     `json:"trigger"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Actions     []Action    `json:"actions"`
}

// Clone returns a deep copy safe to hand to callers.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Tags = append([]string(nil), r.Tags...)
	clone.Conditions = cloneConditions(r.Conditions)
	clone.Actions = cloneActions(r.Actions)
	if r.Trigger.Temporal != nil {
		t := r.Trigger.Temporal.Clone()
		clone.Trigger.Temporal = t
	}
	return &clone
}

func cloneConditions(conds []Condition) []Condition {
	if conds == nil {
		return nil
	}
	out := make([]Condition, len(conds))
	for i, c := range conds {
		out[i] = c
		out[i].Value = CloneValue(c.Value)
	}
	return out
}

func cloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a
		out[i].Value = CloneValue(a.Value)
		out[i].Data = CloneMap(a.Data)
		out[i].Args = CloneMap(a.Args)
		if a.Timer != nil {
			t := a.Timer.Clone()
			out[i].Timer = &t
		}
		if a.Predicate != nil {
			p := *a.Predicate
			p.Value = CloneValue(a.Predicate.Value)
			out[i].Predicate = &p
		}
		out[i].Then = cloneActions(a.Then)
		out[i].Else = cloneActions(a.Else)
	}
	return out
}

// RuleInput is the normalized rule definition handed to the registry by the
// external DSL layer. Defaults on ingest: priority 0, enabled true, empty
// tags and conditions.
type RuleInput struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	Enabled     *bool                  `json:"enabled,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Group       string                 `json:"group,omitempty"`
	Trigger     Trigger                `json:"trigger"`
	Conditions  []Condition            `json:"conditions,omitempty"`
	Actions     []Action               `json:"actions"`
	Lookups     map[string]interface{} `json:"lookups,omitempty"`
}

// Materialize applies ingest defaults and produces an unregistered Rule.
// The registry assigns version and timestamps.
func (in RuleInput) Materialize() Rule {
	priority := 0
	if in.Priority != nil {
		priority = *in.Priority
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	conds := in.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	return Rule{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Priority:    priority,
		Enabled:     enabled,
		Tags:        tags,
		Group:       in.Group,
		Trigger:     in.Trigger,
		Conditions:  conds,
		Actions:     in.Actions,
	}
}
