package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adapters(t *testing.T) map[string]Adapter {
	t.Helper()
	sqlite, err := NewSQLiteAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Adapter{
		"memory": NewMemoryAdapter(),
		"sqlite": sqlite,
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			type payload struct {
				Count int    `json:"count"`
				Label string `json:"label"`
			}

			require.NoError(t, SaveState(a, "rules", "srv-1", payload{Count: 3, Label: "x"}))

			var out payload
			found, err := LoadState(a, "rules", &out)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, payload{Count: 3, Label: "x"}, out)

			found, err = LoadState(a, "missing", &out)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestAdapterSaveReplaces(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, SaveState(a, "k", "srv", map[string]int{"v": 1}))
			require.NoError(t, SaveState(a, "k", "srv", map[string]int{"v": 2}))

			var out map[string]int
			found, err := LoadState(a, "k", &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 2, out["v"])
		})
	}
}

func TestAdapterDeleteAndExists(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, SaveState(a, "k", "srv", 1))

			exists, err := a.Exists("k")
			require.NoError(t, err)
			assert.True(t, exists)

			deleted, err := a.Delete("k")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = a.Delete("k")
			require.NoError(t, err)
			assert.False(t, deleted)

			exists, err = a.Exists("k")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestAdapterListKeys(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, SaveState(a, "audit-log:2024-06-15T10", "srv", 1))
			require.NoError(t, SaveState(a, "audit-log:2024-06-15T11", "srv", 2))
			require.NoError(t, SaveState(a, "rules", "srv", 3))

			keys, err := a.ListKeys("audit-log:")
			require.NoError(t, err)
			assert.Equal(t, []string{"audit-log:2024-06-15T10", "audit-log:2024-06-15T11"}, keys)
		})
	}
}

func TestEnvelopeMetadata(t *testing.T) {
	a := NewMemoryAdapter()
	before := time.Now().UTC()
	require.NoError(t, SaveState(a, "k", "srv-9", 42))

	envelope, err := a.Load("k")
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Equal(t, "srv-9", envelope.Metadata.ServerID)
	assert.Equal(t, SchemaVersion, envelope.Metadata.SchemaVersion)
	assert.False(t, envelope.Metadata.PersistedAt.Before(before.Truncate(time.Second)))
}
