package rules

import (
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/storage"
)

// DefaultSnapshotKey is the storage key holding the rule snapshot.
const DefaultSnapshotKey = "rules"

// Snapshotter persists the rule set through a storage adapter.
type Snapshotter struct {
	adapter  storage.Adapter
	key      string
	serverID string
}

// NewSnapshotter creates a snapshotter; key falls back to
// DefaultSnapshotKey when empty.
func NewSnapshotter(adapter storage.Adapter, key, serverID string) *Snapshotter {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &Snapshotter{adapter: adapter, key: key, serverID: serverID}
}

// Save persists the registry's rules in insertion order.
func (s *Snapshotter) Save(registry *Registry) error {
	ruleList := registry.List()
	snapshot := make([]model.Rule, len(ruleList))
	for i, rule := range ruleList {
		snapshot[i] = *rule
	}
	if err := storage.SaveState(s.adapter, s.key, s.serverID, snapshot); err != nil {
		return errors.New(errors.KindPersistence, "save_rules", err)
	}
	log.Debug().Int("rules", len(snapshot)).Str("key", s.key).Msg("Rule snapshot saved")
	return nil
}

// Load restores a previously saved snapshot into the registry. Returns the
// number of rules restored; zero with nil error when no snapshot exists.
func (s *Snapshotter) Load(registry *Registry) (int, error) {
	var snapshot []model.Rule
	found, err := storage.LoadState(s.adapter, s.key, &snapshot)
	if err != nil {
		return 0, errors.New(errors.KindPersistence, "load_rules", err)
	}
	if !found {
		return 0, nil
	}
	registry.Restore(snapshot)
	log.Info().Int("rules", len(snapshot)).Str("key", s.key).Msg("Rule snapshot restored")
	return len(snapshot), nil
}
