// Package rules implements the rule registry with per-trigger indexes,
// RuleInput validation, snapshot persistence, and a rules-file loader with
// hot reload.
package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/pattern"
)

type indexed struct {
	rule      *model.Rule
	insertion int
	// compiled trigger pattern for event/fact/timer kinds
	compiled *pattern.Pattern
}

// Registry owns rule records and serves priority-ordered candidate lists
// per trigger kind. Mutating accessors return clones; candidate lookups
// share the stored structs, which are immutable once published: every
// mutation swaps in a fresh *Rule under the write lock.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string]*indexed
	nextSeq int

	byEvent    []*indexed // registration order
	byFact     []*indexed
	byTimer    []*indexed
	byTemporal map[string]*indexed // rule id -> entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:      make(map[string]*indexed),
		byTemporal: make(map[string]*indexed),
	}
}

// Register validates the input, assigns version 1 and timestamps, and wires
// the rule into its trigger index. Fails with ErrDuplicateRuleID when the
// id is taken.
func (r *Registry) Register(input model.RuleInput) (*model.Rule, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[input.ID]; exists {
		return nil, errors.Newf(errors.KindDuplicateRule, "register_rule",
			"rule id %q already registered", input.ID).WithRule(input.ID)
	}

	rule := input.Materialize()
	now := time.Now()
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now

	r.insertLocked(&rule)
	return rule.Clone(), nil
}

// Update replaces a registered rule in place, bumping its version and
// keeping its insertion order. Fails with ErrNotFound when absent.
func (r *Registry) Update(input model.RuleInput) (*model.Rule, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rules[input.ID]
	if !ok {
		return nil, errors.New(errors.KindValidation, "update_rule", errors.ErrNotFound).WithRule(input.ID)
	}

	rule := input.Materialize()
	rule.Version = existing.rule.Version + 1
	rule.CreatedAt = existing.rule.CreatedAt
	rule.UpdatedAt = time.Now()

	insertion := existing.insertion
	r.removeLocked(input.ID)
	r.insertAtLocked(&rule, insertion)
	return rule.Clone(), nil
}

// Unregister removes a rule, reporting whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return false
	}
	r.removeLocked(id)
	return true
}

// Enable marks a rule dispatchable again.
func (r *Registry) Enable(id string) (*model.Rule, error) {
	return r.setEnabled(id, true)
}

// Disable removes a rule from dispatch candidacy without unregistering it.
func (r *Registry) Disable(id string) (*model.Rule, error) {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) (*model.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rules[id]
	if !ok {
		return nil, errors.New(errors.KindValidation, "toggle_rule", errors.ErrNotFound).WithRule(id)
	}
	if entry.rule.Enabled != enabled {
		// Swap in a mutated clone instead of writing through the shared
		// pointer: candidate lists hand the stored *Rule to the dispatcher,
		// so a published struct must never change.
		updated := entry.rule.Clone()
		updated.Enabled = enabled
		updated.Version++
		updated.UpdatedAt = time.Now()
		entry.rule = updated
	}
	return entry.rule.Clone(), nil
}

// Get returns a clone of a rule.
func (r *Registry) Get(id string) (*model.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.rules[id]
	if !ok {
		return nil, false
	}
	return entry.rule.Clone(), true
}

// List returns clones of all rules in insertion order.
func (r *Registry) List() []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*indexed, 0, len(r.rules))
	for _, entry := range r.rules {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].insertion < entries[j].insertion })
	out := make([]*model.Rule, len(entries))
	for i, entry := range entries {
		out[i] = entry.rule.Clone()
	}
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// CandidatesForTopic returns enabled event-triggered rules whose topic
// pattern matches, ordered by priority desc then insertion asc.
func (r *Registry) CandidatesForTopic(topic string) []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byEvent, func(e *indexed) bool { return e.compiled.Match(topic) })
}

// CandidatesForFactKey returns enabled fact-triggered rules whose key
// pattern matches.
func (r *Registry) CandidatesForFactKey(key string) []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byFact, func(e *indexed) bool { return e.compiled.Match(key) })
}

// CandidatesForTimer returns enabled timer-triggered rules whose name
// pattern matches.
func (r *Registry) CandidatesForTimer(name string) []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byTimer, func(e *indexed) bool { return e.compiled.Match(name) })
}

// CandidatesForTemporal returns the enabled rule owning a temporal
// detector.
func (r *Registry) CandidatesForTemporal(ruleID string) []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byTemporal[ruleID]
	if !ok || !entry.rule.Enabled {
		return nil
	}
	return []*model.Rule{entry.rule}
}

// TemporalRules returns clones of all temporal rules, for detector wiring.
func (r *Registry) TemporalRules() []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Rule, 0, len(r.byTemporal))
	for _, entry := range r.byTemporal {
		out = append(out, entry.rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore re-inserts previously persisted rules, keeping their versions and
// timestamps. Existing rules with the same id are replaced.
func (r *Registry) Restore(ruleList []model.Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range ruleList {
		rule := ruleList[i]
		if _, ok := r.rules[rule.ID]; ok {
			r.removeLocked(rule.ID)
		}
		r.insertLocked(&rule)
	}
}

func collect(entries []*indexed, matches func(*indexed) bool) []*model.Rule {
	selected := make([]*indexed, 0)
	for _, entry := range entries {
		if entry.rule.Enabled && matches(entry) {
			selected = append(selected, entry)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].rule.Priority != selected[j].rule.Priority {
			return selected[i].rule.Priority > selected[j].rule.Priority
		}
		return selected[i].insertion < selected[j].insertion
	})
	out := make([]*model.Rule, len(selected))
	for i, entry := range selected {
		out[i] = entry.rule
	}
	return out
}

func (r *Registry) insertLocked(rule *model.Rule) {
	r.insertAtLocked(rule, r.nextSeq)
	r.nextSeq++
}

func (r *Registry) insertAtLocked(rule *model.Rule, insertion int) {
	entry := &indexed{rule: rule, insertion: insertion}
	switch rule.Trigger.Kind {
	case model.TriggerEvent:
		entry.compiled = pattern.CompileTopic(rule.Trigger.Topic)
		r.byEvent = insertOrdered(r.byEvent, entry)
	case model.TriggerFact:
		entry.compiled = pattern.CompileKey(rule.Trigger.Pattern)
		r.byFact = insertOrdered(r.byFact, entry)
	case model.TriggerTimer:
		entry.compiled = pattern.CompileKey(rule.Trigger.Timer)
		r.byTimer = insertOrdered(r.byTimer, entry)
	case model.TriggerTemporal:
		r.byTemporal[rule.ID] = entry
	}
	r.rules[rule.ID] = entry
}

// insertOrdered keeps index slices sorted by insertion sequence so that
// candidate ties break deterministically.
func insertOrdered(entries []*indexed, entry *indexed) []*indexed {
	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].insertion > entry.insertion
	})
	entries = append(entries, nil)
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry
	return entries
}

func (r *Registry) removeLocked(id string) {
	entry, ok := r.rules[id]
	if !ok {
		return
	}
	delete(r.rules, id)
	switch entry.rule.Trigger.Kind {
	case model.TriggerEvent:
		r.byEvent = removeEntry(r.byEvent, entry)
	case model.TriggerFact:
		r.byFact = removeEntry(r.byFact, entry)
	case model.TriggerTimer:
		r.byTimer = removeEntry(r.byTimer, entry)
	case model.TriggerTemporal:
		delete(r.byTemporal, id)
	}
}

func removeEntry(entries []*indexed, entry *indexed) []*indexed {
	for i, e := range entries {
		if e == entry {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
