package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/audit"
	"github.com/reflexhq/reflex/internal/facts"
	"github.com/reflexhq/reflex/internal/metrics"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/refs"
)

// txn is one dispatch transaction: a top-level stimulus plus the FIFO
// cascade of work its rules generate. Only the dispatcher goroutine
// touches it.
type txn struct {
	queue         []stimulus
	correlationID string
}

func (t *txn) push(s stimulus) {
	t.queue = append(t.queue, s)
}

// runTransaction drains one top-level stimulus to its cascade fixed point,
// bounded by the configured cascade depth.
func (e *Engine) runTransaction(first stimulus) {
	tx := &txn{correlationID: first.correlationID}
	tx.push(first)

	processed := 0
	for len(tx.queue) > 0 {
		if processed >= e.cfg.MaxCascadeDepth {
			e.stats.cascadeDepthExceeded.Add(1)
			metrics.CascadeDepthExceeded.Inc()
			e.audit.Record(audit.TypeCascadeDepthExceeded, map[string]interface{}{
				"depth":     processed,
				"remaining": len(tx.queue),
			}, audit.Options{Source: e.cfg.Source, CorrelationID: tx.correlationID})
			log.Warn().Int("depth", processed).Str("correlationId", tx.correlationID).
				Msg("Cascade depth exceeded, dropping remaining work")
			break
		}
		work := tx.queue[0]
		tx.queue = tx.queue[1:]
		e.process(tx, work)
		processed++
	}

	if first.done != nil {
		close(first.done)
	}
}

func (e *Engine) process(tx *txn, work stimulus) {
	switch work.kind {
	case stimEvent:
		e.processEvent(tx, work.event)
	case stimSetFact:
		if err := e.applySetFact(tx, work.factKey, work.factValue); err != nil {
			log.Warn().Err(err).Str("key", work.factKey).Msg("Fact set rejected")
		}
	case stimDeleteFact:
		e.applyDeleteFact(tx, work.factKey)
	case stimFactNotify:
		e.processFactChange(tx, work.change)
	case stimTimer:
		e.processTimerFire(tx, work)
	case stimTemporal:
		e.processTemporalFiring(tx, work)
	}
}

func (e *Engine) processEvent(tx *txn, event model.Event) {
	e.stats.eventsProcessed.Add(1)
	metrics.EventsProcessed.Inc()

	opts := audit.Options{Source: event.Source, CorrelationID: event.CorrelationID}
	details := map[string]interface{}{
		"topic":   event.Topic,
		"eventId": event.ID,
	}
	e.audit.Record(audit.TypeEventEmitted, details, opts)
	e.trace.Record(audit.TraceEventEmitted, details, opts)

	// External observers first: plain subscribers, temporal detectors, and
	// sinks. None of these feed the cascade directly; detector firings
	// re-enter as fresh top-level stimuli.
	e.bus.Publish(event)
	e.observeDetectors(event)
	e.deliverSinks(event)

	scope := &refs.Scope{
		Event:   &event,
		Facts:   e.facts,
		Context: map[string]interface{}{"correlationId": event.CorrelationID},
		Trigger: &refs.TriggerBinding{Event: &event},
	}
	for _, rule := range e.registry.CandidatesForTopic(event.Topic) {
		e.runRule(tx, rule, scope)
	}
}

func (e *Engine) processFactChange(tx *txn, change facts.Change) {
	opts := audit.Options{Source: e.cfg.Source, CorrelationID: tx.correlationID}
	details := map[string]interface{}{
		"key":   change.Key,
		"value": change.Value,
	}
	if change.HadPrev {
		details["previous"] = change.Previous
	}
	e.audit.Record(string(change.Type), details, opts)

	scope := &refs.Scope{
		Facts: e.facts,
		Context: map[string]interface{}{
			"correlationId": tx.correlationID,
			"changeType":    string(change.Type),
		},
		Trigger: &refs.TriggerBinding{FactKey: change.Key, FactValue: change.Value},
	}
	for _, rule := range e.registry.CandidatesForFactKey(change.Key) {
		e.runRule(tx, rule, scope)
	}
}

func (e *Engine) processTimerFire(tx *txn, work stimulus) {
	e.audit.Record(audit.TypeTimerFired, map[string]interface{}{
		"timer":     work.timerName,
		"iteration": work.iteration,
	}, audit.Options{Source: e.cfg.Source, CorrelationID: tx.correlationID})

	event := model.NewEvent(work.timerTemplate.Topic, model.CloneMap(work.timerTemplate.Data), "timer:"+work.timerName)
	event.CorrelationID = tx.correlationID

	scope := &refs.Scope{
		Event: &event,
		Facts: e.facts,
		Context: map[string]interface{}{
			"correlationId": tx.correlationID,
			"timer":         work.timerName,
			"iteration":     work.iteration,
		},
		Trigger: &refs.TriggerBinding{Event: &event},
	}
	for _, rule := range e.registry.CandidatesForTimer(work.timerName) {
		e.runRule(tx, rule, scope)
	}

	// The configured event also flows through the bus and event rules.
	tx.push(stimulus{kind: stimEvent, event: event, correlationID: tx.correlationID})
}

func (e *Engine) processTemporalFiring(tx *txn, work stimulus) {
	firing := work.firing
	e.audit.Record(audit.TypeTemporalTriggered, map[string]interface{}{
		"ruleId":   firing.RuleID,
		"kind":     string(firing.Kind),
		"groupKey": firing.GroupKey,
		"count":    firing.Count,
		"value":    firing.Value,
	}, audit.Options{Source: e.cfg.Source, RuleID: firing.RuleID, CorrelationID: tx.correlationID})

	var last *model.Event
	if len(firing.Events) > 0 {
		last = &firing.Events[len(firing.Events)-1]
	}
	scope := &refs.Scope{
		Event: last,
		Facts: e.facts,
		Context: map[string]interface{}{
			"correlationId": tx.correlationID,
			"temporal": map[string]interface{}{
				"kind":     string(firing.Kind),
				"groupKey": firing.GroupKey,
				"count":    firing.Count,
				"value":    firing.Value,
			},
		},
		Trigger: &refs.TriggerBinding{Event: last, Events: firing.Events},
	}
	for _, rule := range e.registry.CandidatesForTemporal(firing.RuleID) {
		e.runRule(tx, rule, scope)
	}
}

// runRule traces and executes one candidate rule. Unexpected engine-level
// panics mark the rule failed; action-local errors do not.
func (e *Engine) runRule(tx *txn, rule *model.Rule, scope *refs.Scope) {
	opts := audit.Options{
		Source:        e.cfg.Source,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		CorrelationID: tx.correlationID,
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.stats.rulesFailed.Add(1)
			e.audit.Record(audit.TypeRuleFailed, map[string]interface{}{
				"error": model.Stringify(r),
			}, opts)
			log.Error().Interface("panic", r).Str("rule", rule.ID).Msg("Rule dispatch failed")
		}
	}()

	e.trace.Record(audit.TraceRuleTriggered, map[string]interface{}{
		"priority": rule.Priority,
	}, opts)

	for i, cond := range rule.Conditions {
		ok, err := evaluateCondition(scope, cond)
		if err != nil {
			e.trace.Record(audit.TraceConditionError, map[string]interface{}{
				"conditionIndex": i,
				"source":         cond.Source,
				"error":          err.Error(),
			}, opts)
			ok = false
		} else {
			e.trace.Record(audit.TraceConditionEvaluated, map[string]interface{}{
				"conditionIndex": i,
				"source":         cond.Source,
				"operator":       cond.Operator,
				"result":         ok,
			}, opts)
		}
		if !ok {
			e.stats.rulesSkipped.Add(1)
			metrics.RulesSkipped.Inc()
			skip := map[string]interface{}{"reason": "conditions_not_met", "conditionIndex": i}
			e.trace.Record(audit.TraceRuleSkipped, skip, opts)
			e.audit.Record(audit.TypeRuleSkipped, skip, opts)
			return
		}
	}

	e.executeActions(tx, scope, rule, rule.Actions)

	opts.DurationMs = durationMs(start)
	e.stats.rulesExecuted.Add(1)
	metrics.RulesExecuted.Inc()
	metrics.RuleDuration.Observe(time.Since(start).Seconds())
	e.trace.Record(audit.TraceRuleExecuted, nil, opts)
	e.audit.Record(audit.TypeRuleExecuted, map[string]interface{}{
		"actions": len(rule.Actions),
	}, opts)
}
