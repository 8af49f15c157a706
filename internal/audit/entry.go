// Package audit implements the engine's correlation-aware audit log: an
// in-memory ring with secondary indexes, batched time-bucketed persistence
// through a storage adapter, real-time subscribers, and JSON/CSV export.
package audit

import (
	"fmt"
	"time"

	"github.com/reflexhq/reflex/internal/model"
)

// Category groups audit event types for querying and streaming filters.
type Category string

const (
	CategoryRuleManagement Category = "rule_management"
	CategoryRuleExecution  Category = "rule_execution"
	CategoryFactChange     Category = "fact_change"
	CategoryEventEmitted   Category = "event_emitted"
	CategorySystem         Category = "system"
)

// Audit event types.
const (
	TypeRuleRegistered   = "rule_registered"
	TypeRuleUpdated      = "rule_updated"
	TypeRuleUnregistered = "rule_unregistered"
	TypeRuleEnabled      = "rule_enabled"
	TypeRuleDisabled     = "rule_disabled"
	TypeRulesImported    = "rules_imported"
	TypeRulesExported    = "rules_exported"

	TypeRuleExecuted         = "rule_executed"
	TypeRuleSkipped          = "rule_skipped"
	TypeRuleFailed           = "rule_failed"
	TypeActionFailed         = "action_failed"
	TypeCascadeDepthExceeded = "cascade_depth_exceeded"

	TypeFactCreated = "fact_created"
	TypeFactUpdated = "fact_updated"
	TypeFactDeleted = "fact_deleted"

	TypeEventEmitted = "event_emitted"

	TypeTimerSet          = "timer_set"
	TypeTimerFired        = "timer_fired"
	TypeTimerCancelled    = "timer_cancelled"
	TypeTemporalTriggered = "temporal_triggered"
	TypeEngineStarted     = "engine_started"
	TypeEngineStopped     = "engine_stopped"
	TypePersistenceError  = "persistence_error"
)

// Categories maps every audit event type to its category. The mapping is
// total: recording an unknown type falls back to CategorySystem.
var Categories = map[string]Category{
	TypeRuleRegistered:   CategoryRuleManagement,
	TypeRuleUpdated:      CategoryRuleManagement,
	TypeRuleUnregistered: CategoryRuleManagement,
	TypeRuleEnabled:      CategoryRuleManagement,
	TypeRuleDisabled:     CategoryRuleManagement,
	TypeRulesImported:    CategoryRuleManagement,
	TypeRulesExported:    CategoryRuleManagement,

	TypeRuleExecuted:         CategoryRuleExecution,
	TypeRuleSkipped:          CategoryRuleExecution,
	TypeRuleFailed:           CategoryRuleExecution,
	TypeActionFailed:         CategoryRuleExecution,
	TypeCascadeDepthExceeded: CategoryRuleExecution,

	TypeFactCreated: CategoryFactChange,
	TypeFactUpdated: CategoryFactChange,
	TypeFactDeleted: CategoryFactChange,

	TypeEventEmitted: CategoryEventEmitted,

	TypeTimerSet:          CategorySystem,
	TypeTimerFired:        CategorySystem,
	TypeTimerCancelled:    CategorySystem,
	TypeTemporalTriggered: CategorySystem,
	TypeEngineStarted:     CategorySystem,
	TypeEngineStopped:     CategorySystem,
	TypePersistenceError:  CategorySystem,
}

// CategoryOf returns the category for an event type.
func CategoryOf(eventType string) Category {
	if c, ok := Categories[eventType]; ok {
		return c
	}
	return CategorySystem
}

// Entry is a single immutable audit record.
type Entry struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Category      Category               `json:"category"`
	Type          string                 `json:"type"`
	Summary       string                 `json:"summary"`
	Source        string                 `json:"source,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	RuleID        string                 `json:"ruleId,omitempty"`
	RuleName      string                 `json:"ruleName,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	DurationMs    float64                `json:"durationMs,omitempty"`
}

// deriveSummary builds a one-line human summary from the type and details.
func deriveSummary(eventType string, details map[string]interface{}, opts Options) string {
	name := opts.RuleName
	if name == "" {
		name = opts.RuleID
	}
	str := func(key string) string {
		if v, ok := details[key]; ok {
			return model.Stringify(v)
		}
		return ""
	}

	switch eventType {
	case TypeRuleRegistered:
		return fmt.Sprintf("Rule %s registered", name)
	case TypeRuleUpdated:
		return fmt.Sprintf("Rule %s updated", name)
	case TypeRuleUnregistered:
		return fmt.Sprintf("Rule %s unregistered", name)
	case TypeRuleEnabled:
		return fmt.Sprintf("Rule %s enabled", name)
	case TypeRuleDisabled:
		return fmt.Sprintf("Rule %s disabled", name)
	case TypeRulesImported:
		return fmt.Sprintf("Imported %s rules", str("applied"))
	case TypeRulesExported:
		return fmt.Sprintf("Exported %s rules", str("rules"))
	case TypeRuleExecuted:
		return fmt.Sprintf("Rule %s executed", name)
	case TypeRuleSkipped:
		return fmt.Sprintf("Rule %s skipped (%s)", name, str("reason"))
	case TypeRuleFailed:
		return fmt.Sprintf("Rule %s failed: %s", name, str("error"))
	case TypeActionFailed:
		return fmt.Sprintf("Action %s failed in rule %s: %s", str("actionType"), name, str("error"))
	case TypeCascadeDepthExceeded:
		return fmt.Sprintf("Cascade depth exceeded at %s", str("depth"))
	case TypeFactCreated:
		return fmt.Sprintf("Fact %s created", str("key"))
	case TypeFactUpdated:
		return fmt.Sprintf("Fact %s updated", str("key"))
	case TypeFactDeleted:
		return fmt.Sprintf("Fact %s deleted", str("key"))
	case TypeEventEmitted:
		return fmt.Sprintf("Event %s emitted", str("topic"))
	case TypeTimerSet:
		return fmt.Sprintf("Timer %s set", str("timer"))
	case TypeTimerFired:
		return fmt.Sprintf("Timer %s fired", str("timer"))
	case TypeTimerCancelled:
		return fmt.Sprintf("Timer %s cancelled", str("timer"))
	case TypeTemporalTriggered:
		return fmt.Sprintf("Temporal pattern %s triggered", str("kind"))
	case TypeEngineStarted:
		return "Engine started"
	case TypeEngineStopped:
		return "Engine stopped"
	case TypePersistenceError:
		return fmt.Sprintf("Persistence error: %s", str("error"))
	default:
		return eventType
	}
}
