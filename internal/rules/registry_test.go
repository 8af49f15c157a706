package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
)

func eventInput(id, topic string, priority int) model.RuleInput {
	return model.RuleInput{
		ID:       id,
		Name:     id,
		Priority: &priority,
		Trigger:  model.Trigger{Kind: model.TriggerEvent, Topic: topic},
		Actions:  []model.Action{{Type: model.ActionLog, Level: "info", Message: "hit"}},
	}
}

func TestRegisterAssignsVersionAndDefaults(t *testing.T) {
	r := NewRegistry()
	input := model.RuleInput{
		ID:      "r1",
		Name:    "rule one",
		Trigger: model.Trigger{Kind: model.TriggerEvent, Topic: "order.*"},
		Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
	}

	rule, err := r.Register(input)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Version)
	assert.True(t, rule.Enabled)
	assert.Zero(t, rule.Priority)
	assert.NotNil(t, rule.Tags)
	assert.NotNil(t, rule.Conditions)
	assert.False(t, rule.CreatedAt.IsZero())
}

func TestRegisterDuplicateID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("r1", "a.*", 0))
	require.NoError(t, err)

	_, err = r.Register(eventInput("r1", "b.*", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateRuleID)
}

func TestCandidateOrdering(t *testing.T) {
	r := NewRegistry()
	// Same priority ties break by insertion order; higher priority first.
	_, err := r.Register(eventInput("low-first", "order.*", 1))
	require.NoError(t, err)
	_, err = r.Register(eventInput("high", "order.*", 10))
	require.NoError(t, err)
	_, err = r.Register(eventInput("low-second", "order.*", 1))
	require.NoError(t, err)
	_, err = r.Register(eventInput("unrelated", "payment.*", 99))
	require.NoError(t, err)

	candidates := r.CandidatesForTopic("order.created")
	ids := make([]string, len(candidates))
	for i, rule := range candidates {
		ids[i] = rule.ID
	}
	assert.Equal(t, []string{"high", "low-first", "low-second"}, ids)
}

func TestDisabledRulesAreNotCandidates(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("r1", "order.*", 0))
	require.NoError(t, err)

	rule, err := r.Disable("r1")
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
	assert.Equal(t, 2, rule.Version)
	assert.Empty(t, r.CandidatesForTopic("order.created"))

	rule, err = r.Enable("r1")
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 3, rule.Version)
	assert.Len(t, r.CandidatesForTopic("order.created"), 1)

	// Re-enabling an enabled rule does not bump the version.
	rule, err = r.Enable("r1")
	require.NoError(t, err)
	assert.Equal(t, 3, rule.Version)
}

func TestFactAndTimerIndexes(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(model.RuleInput{
		ID: "f1", Name: "f1",
		Trigger: model.Trigger{Kind: model.TriggerFact, Pattern: "order:*:status"},
		Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
	})
	require.NoError(t, err)
	_, err = r.Register(model.RuleInput{
		ID: "t1", Name: "t1",
		Trigger: model.Trigger{Kind: model.TriggerTimer, Timer: "reminder:*"},
		Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
	})
	require.NoError(t, err)

	assert.Len(t, r.CandidatesForFactKey("order:ord-1:status"), 1)
	assert.Empty(t, r.CandidatesForFactKey("customer:c-1:tier"))
	assert.Len(t, r.CandidatesForTimer("reminder:ord-1"), 1)
	assert.Empty(t, r.CandidatesForTimer("cleanup"))
}

func TestTemporalIndex(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(model.RuleInput{
		ID: "seq1", Name: "seq1",
		Trigger: model.Trigger{Kind: model.TriggerTemporal, Temporal: &model.TemporalPattern{
			Kind: model.TemporalSequence,
			Sequence: []model.EventMatcher{
				{Topic: "a"}, {Topic: "b"},
			},
			Within: model.Duration(60000000000),
		}},
		Actions: []model.Action{{Type: model.ActionLog, Level: "info", Message: "m"}},
	})
	require.NoError(t, err)

	assert.Len(t, r.CandidatesForTemporal("seq1"), 1)
	assert.Empty(t, r.CandidatesForTemporal("other"))

	_, err = r.Disable("seq1")
	require.NoError(t, err)
	assert.Empty(t, r.CandidatesForTemporal("seq1"))

	assert.Len(t, r.TemporalRules(), 1)
}

func TestUpdateKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("first", "order.*", 0))
	require.NoError(t, err)
	_, err = r.Register(eventInput("second", "order.*", 0))
	require.NoError(t, err)

	updated, err := r.Update(eventInput("first", "order.*", 0))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	candidates := r.CandidatesForTopic("order.created")
	require.Len(t, candidates, 2)
	assert.Equal(t, "first", candidates[0].ID)

	_, err = r.Update(eventInput("missing", "x.*", 0))
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("r1", "order.*", 0))
	require.NoError(t, err)

	assert.True(t, r.Unregister("r1"))
	assert.False(t, r.Unregister("r1"))
	assert.Empty(t, r.CandidatesForTopic("order.created"))
	assert.Zero(t, r.Len())
}

func TestClonesAreIsolated(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("r1", "order.*", 0))
	require.NoError(t, err)

	rule, ok := r.Get("r1")
	require.True(t, ok)
	rule.Name = "mutated"
	rule.Actions[0].Message = "mutated"

	fresh, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", fresh.Name)
	assert.Equal(t, "hit", fresh.Actions[0].Message)
}

func TestToggleDoesNotMutatePublishedCandidates(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("r1", "order.*", 0))
	require.NoError(t, err)

	published := r.CandidatesForTopic("order.created")
	require.Len(t, published, 1)

	_, err = r.Disable("r1")
	require.NoError(t, err)

	// The struct handed out before the toggle is a stable snapshot.
	assert.True(t, published[0].Enabled)
	assert.Equal(t, 1, published[0].Version)
	assert.Empty(t, r.CandidatesForTopic("order.created"))

	enabled, err := r.Enable("r1")
	require.NoError(t, err)
	assert.Equal(t, 3, enabled.Version)
	assert.Equal(t, 1, published[0].Version)
}

func TestConcurrentToggleAndCandidateReads(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(eventInput("flaky", "order.*", 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = r.Disable("flaky")
				_, _ = r.Enable("flaky")
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				for _, rule := range r.CandidatesForTopic("order.created") {
					// Candidates must always be enabled snapshots.
					if !rule.Enabled {
						t.Error("candidate list returned a disabled rule")
						return
					}
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}
