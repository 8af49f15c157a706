// Package storage defines the StorageAdapter contract the engine persists
// through, plus in-memory and SQLite implementations. The engine writes two
// kinds of keys: the rule snapshot ("rules" by default) and hourly audit
// buckets ("audit-log:YYYY-MM-DDTHH").
package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is stamped into every persisted envelope.
const SchemaVersion = 1

// Metadata describes when and by whom a state blob was persisted.
type Metadata struct {
	PersistedAt   time.Time `json:"persistedAt"`
	ServerID      string    `json:"serverId"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Envelope wraps a persisted state blob with its metadata.
type Envelope struct {
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// Adapter is the persistence contract consumed by the engine. Backends are
// external collaborators; the engine only relies on these five operations.
type Adapter interface {
	// Save stores the envelope under key, replacing any previous value.
	Save(key string, envelope Envelope) error

	// Load returns the envelope for key, or nil if absent.
	Load(key string) (*Envelope, error)

	// Delete removes key, reporting whether it existed.
	Delete(key string) (bool, error)

	// Exists reports whether key is present.
	Exists(key string) (bool, error)

	// ListKeys returns all keys with the given prefix.
	ListKeys(prefix string) ([]string, error)
}

// SaveState marshals state and saves it under key with fresh metadata.
func SaveState(a Adapter, key, serverID string, state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %q: %w", key, err)
	}
	return a.Save(key, Envelope{
		State: raw,
		Metadata: Metadata{
			PersistedAt:   time.Now().UTC(),
			ServerID:      serverID,
			SchemaVersion: SchemaVersion,
		},
	})
}

// LoadState loads and unmarshals the state under key into out. The first
// return is false when the key is absent.
func LoadState(a Adapter, key string, out interface{}) (bool, error) {
	envelope, err := a.Load(key)
	if err != nil {
		return false, err
	}
	if envelope == nil {
		return false, nil
	}
	if err := json.Unmarshal(envelope.State, out); err != nil {
		return false, fmt.Errorf("unmarshal state for %q: %w", key, err)
	}
	return true, nil
}
