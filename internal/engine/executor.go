package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/audit"
	"github.com/reflexhq/reflex/internal/metrics"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/refs"
)

// executeActions runs a rule's action list in order. A failing action is
// recorded and contained; subsequent actions still run and the rule is
// still considered executed.
func (e *Engine) executeActions(tx *txn, scope *refs.Scope, rule *model.Rule, actions []model.Action) {
	for i, action := range actions {
		opts := audit.Options{
			Source:        "engine",
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			CorrelationID: tx.correlationID,
		}
		e.trace.Record(audit.TraceActionStarted, map[string]interface{}{
			"actionType":  string(action.Type),
			"actionIndex": i,
		}, opts)

		start := time.Now()
		err := e.executeAction(tx, scope, rule, action)
		opts.DurationMs = durationMs(start)

		if err != nil {
			e.stats.actionFailures.Add(1)
			metrics.ActionFailures.Inc()
			details := map[string]interface{}{
				"actionType":  string(action.Type),
				"actionIndex": i,
				"error":       err.Error(),
			}
			e.trace.Record(audit.TraceActionFailed, details, opts)
			e.audit.Record(audit.TypeActionFailed, details, opts)
			log.Warn().Err(err).Str("rule", rule.ID).Str("action", string(action.Type)).
				Msg("Action failed")
			continue
		}
		e.trace.Record(audit.TraceActionCompleted, map[string]interface{}{
			"actionType":  string(action.Type),
			"actionIndex": i,
		}, opts)
	}
}

// executeAction dispatches one action variant. Panics are converted to
// errors so a misbehaving action cannot take down the dispatcher.
func (e *Engine) executeAction(tx *txn, scope *refs.Scope, rule *model.Rule, action model.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch action.Type {
	case model.ActionSetFact:
		key, kerr := scope.InterpolateStrict(action.Key)
		if kerr != nil {
			return kerr
		}
		return e.applySetFact(tx, key, scope.ResolveValue(action.Value))

	case model.ActionDeleteFact:
		key, kerr := scope.InterpolateStrict(action.Key)
		if kerr != nil {
			return kerr
		}
		e.applyDeleteFact(tx, key)
		return nil

	case model.ActionEmitEvent:
		topic := scope.Interpolate(action.Topic)
		data, _ := scope.ResolveValue(action.Data).(map[string]interface{})
		event := model.NewEvent(topic, data, "rule:"+rule.ID)
		event.CorrelationID = tx.correlationID
		tx.push(stimulus{kind: stimEvent, event: event, correlationID: tx.correlationID})
		return nil

	case model.ActionSetTimer:
		return e.applySetTimer(tx, scope, rule, action.Timer)

	case model.ActionCancelTimer:
		name, nerr := scope.InterpolateStrict(action.Name)
		if nerr != nil {
			return nerr
		}
		cancelled := e.timers.Cancel(name)
		e.audit.Record(audit.TypeTimerCancelled, map[string]interface{}{
			"timer":     name,
			"cancelled": cancelled,
		}, audit.Options{Source: "engine", RuleID: rule.ID, RuleName: rule.Name, CorrelationID: tx.correlationID})
		return nil

	case model.ActionCallService:
		args, _ := scope.ResolveValue(action.Args).(map[string]interface{})
		_, cerr := e.services.call(e.runCtx, action.Service, action.Method, args)
		return cerr

	case model.ActionLog:
		e.logAction(scope, rule, action)
		return nil

	case model.ActionConditional:
		if action.Predicate == nil {
			return fmt.Errorf("conditional action has no predicate")
		}
		ok, perr := evaluateCondition(scope, *action.Predicate)
		if perr != nil {
			return fmt.Errorf("conditional predicate: %w", perr)
		}
		if ok {
			e.executeActions(tx, scope, rule, action.Then)
		} else {
			e.executeActions(tx, scope, rule, action.Else)
		}
		return nil

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// applySetFact mutates the store immediately (later conditions in the same
// transaction read the new value) and queues the change notification.
func (e *Engine) applySetFact(tx *txn, key string, value interface{}) error {
	change, err := e.facts.Set(key, value)
	if err != nil {
		return err
	}
	tx.push(stimulus{kind: stimFactNotify, change: change, correlationID: tx.correlationID})
	return nil
}

// applyDeleteFact removes the key; deleting an absent fact is silent.
func (e *Engine) applyDeleteFact(tx *txn, key string) {
	change, existed := e.facts.Delete(key)
	if existed {
		tx.push(stimulus{kind: stimFactNotify, change: change, correlationID: tx.correlationID})
	}
}

func (e *Engine) applySetTimer(tx *txn, scope *refs.Scope, rule *model.Rule, spec *model.TimerSpec) error {
	if spec == nil {
		return fmt.Errorf("set_timer action has no timer spec")
	}
	name, err := scope.InterpolateStrict(spec.Name)
	if err != nil {
		return err
	}

	resolved := spec.Clone()
	resolved.Name = name
	resolved.OnExpire.Topic = scope.Interpolate(spec.OnExpire.Topic)
	if data, ok := scope.ResolveValue(spec.OnExpire.Data).(map[string]interface{}); ok {
		resolved.OnExpire.Data = data
	}

	e.timers.Set(resolved, tx.correlationID)
	e.audit.Record(audit.TypeTimerSet, map[string]interface{}{
		"timer":      name,
		"durationMs": resolved.Duration.Std().Milliseconds(),
		"topic":      resolved.OnExpire.Topic,
		"repeat":     resolved.Repeat != nil,
	}, audit.Options{Source: "engine", RuleID: rule.ID, RuleName: rule.Name, CorrelationID: tx.correlationID})
	return nil
}

func (e *Engine) logAction(scope *refs.Scope, rule *model.Rule, action model.Action) {
	message := scope.Interpolate(action.Message)
	level, err := zerolog.ParseLevel(action.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Str("rule", rule.ID).Msg(message)
}

func durationMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
