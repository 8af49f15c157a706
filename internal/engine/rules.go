package engine

import (
	stderrors "errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/audit"
	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/temporal"
)

// RegisterRule validates and registers a rule, wiring a temporal detector
// when the trigger calls for one.
func (e *Engine) RegisterRule(input model.RuleInput) (*model.Rule, error) {
	rule, err := e.registry.Register(input)
	if err != nil {
		return nil, err
	}
	if err := e.wireDetector(rule); err != nil {
		e.registry.Unregister(rule.ID)
		return nil, err
	}
	e.audit.Record(audit.TypeRuleRegistered, map[string]interface{}{
		"priority": rule.Priority,
		"trigger":  string(rule.Trigger.Kind),
	}, audit.Options{Source: e.cfg.Source, RuleID: rule.ID, RuleName: rule.Name})
	return rule, nil
}

// UpdateRule replaces a registered rule, bumping its version.
func (e *Engine) UpdateRule(input model.RuleInput) (*model.Rule, error) {
	rule, err := e.registry.Update(input)
	if err != nil {
		return nil, err
	}
	e.dropDetector(rule.ID)
	if err := e.wireDetector(rule); err != nil {
		return nil, err
	}
	e.audit.Record(audit.TypeRuleUpdated, map[string]interface{}{
		"version": rule.Version,
	}, audit.Options{Source: e.cfg.Source, RuleID: rule.ID, RuleName: rule.Name})
	return rule, nil
}

// UnregisterRule removes a rule and its detector.
func (e *Engine) UnregisterRule(id string) bool {
	removed := e.registry.Unregister(id)
	if removed {
		e.dropDetector(id)
		e.audit.Record(audit.TypeRuleUnregistered, nil,
			audit.Options{Source: e.cfg.Source, RuleID: id})
	}
	return removed
}

// EnableRule marks a rule dispatchable.
func (e *Engine) EnableRule(id string) (*model.Rule, error) {
	rule, err := e.registry.Enable(id)
	if err != nil {
		return nil, err
	}
	e.audit.Record(audit.TypeRuleEnabled, nil,
		audit.Options{Source: e.cfg.Source, RuleID: rule.ID, RuleName: rule.Name})
	return rule, nil
}

// DisableRule removes a rule from dispatch candidacy.
func (e *Engine) DisableRule(id string) (*model.Rule, error) {
	rule, err := e.registry.Disable(id)
	if err != nil {
		return nil, err
	}
	e.audit.Record(audit.TypeRuleDisabled, nil,
		audit.Options{Source: e.cfg.Source, RuleID: rule.ID, RuleName: rule.Name})
	return rule, nil
}

// GetRule returns a clone of a registered rule.
func (e *Engine) GetRule(id string) (*model.Rule, bool) {
	return e.registry.Get(id)
}

// ListRules returns clones of every registered rule in insertion order.
func (e *Engine) ListRules() []*model.Rule {
	return e.registry.List()
}

// ImportRules applies a batch of rule inputs: existing ids are updated in
// place, new ids registered. Returns how many were applied; per-rule
// failures are joined into the returned error.
func (e *Engine) ImportRules(inputs []model.RuleInput) (int, error) {
	applied := 0
	var errs []error
	for _, input := range inputs {
		var err error
		if _, exists := e.registry.Get(input.ID); exists {
			_, err = e.UpdateRule(input)
		} else {
			_, err = e.RegisterRule(input)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", input.ID, err))
			continue
		}
		applied++
	}
	e.audit.Record(audit.TypeRulesImported, map[string]interface{}{
		"applied": applied,
		"failed":  len(errs),
	}, audit.Options{Source: e.cfg.Source})
	return applied, stderrors.Join(errs...)
}

// ExportRules returns all rules for external serialization.
func (e *Engine) ExportRules() []*model.Rule {
	ruleList := e.registry.List()
	e.audit.Record(audit.TypeRulesExported, map[string]interface{}{
		"rules": len(ruleList),
	}, audit.Options{Source: e.cfg.Source})
	return ruleList
}

// SaveRules snapshots the rule set through the configured storage adapter.
func (e *Engine) SaveRules() error {
	if e.snapshotter == nil {
		return errors.Newf(errors.KindPersistence, "save_rules", "no storage adapter configured")
	}
	if err := e.snapshotter.Save(e.registry); err != nil {
		e.audit.Record(audit.TypePersistenceError, map[string]interface{}{
			"error": err.Error(),
		}, audit.Options{Source: e.cfg.Source})
		return err
	}
	return nil
}

// RestoreRules loads the persisted rule snapshot and rewires temporal
// detectors. Returns how many rules were restored.
func (e *Engine) RestoreRules() (int, error) {
	if e.snapshotter == nil {
		return 0, errors.Newf(errors.KindPersistence, "load_rules", "no storage adapter configured")
	}
	count, err := e.snapshotter.Load(e.registry)
	if err != nil {
		e.audit.Record(audit.TypePersistenceError, map[string]interface{}{
			"error": err.Error(),
		}, audit.Options{Source: e.cfg.Source})
		return 0, err
	}
	for _, rule := range e.registry.TemporalRules() {
		e.dropDetector(rule.ID)
		if werr := e.wireDetector(rule); werr != nil {
			log.Warn().Err(werr).Str("rule", rule.ID).Msg("Skipped detector for restored rule")
		}
	}
	return count, nil
}

func (e *Engine) wireDetector(rule *model.Rule) error {
	if rule.Trigger.Kind != model.TriggerTemporal {
		return nil
	}
	detector, err := temporal.New(rule, e.onTemporalFiring)
	if err != nil {
		return err
	}
	e.detectorMu.Lock()
	e.detectors[rule.ID] = detector
	e.detectorMu.Unlock()
	return nil
}

func (e *Engine) dropDetector(id string) {
	e.detectorMu.Lock()
	detector, ok := e.detectors[id]
	if ok {
		delete(e.detectors, id)
	}
	e.detectorMu.Unlock()
	if ok {
		detector.Stop()
	}
}
