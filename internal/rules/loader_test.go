package rules

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/model"
)

const rulesJSON = `[
  {
    "id": "order-open",
    "name": "Order open",
    "trigger": {"kind": "event", "topic": "order.created"},
    "actions": [{"type": "set_fact", "key": "order:${event.orderId}:status", "value": "open"}]
  }
]`

const wrappedRulesJSON = `{
  "rules": [
    {
      "id": "order-open",
      "name": "Order open",
      "trigger": {"kind": "event", "topic": "order.created"},
      "actions": [{"type": "log", "level": "info", "message": "order opened"}]
    },
    {
      "id": "order-close",
      "name": "Order close",
      "trigger": {"kind": "event", "topic": "order.closed"},
      "actions": [{"type": "delete_fact", "key": "order:${event.orderId}:status"}]
    }
  ]
}`

func writeRulesFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileBareArray(t *testing.T) {
	path := writeRulesFile(t, t.TempDir(), rulesJSON)
	inputs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "order-open", inputs[0].ID)
	assert.Equal(t, model.TriggerEvent, inputs[0].Trigger.Kind)
}

func TestLoadFileWrappedObject(t *testing.T) {
	path := writeRulesFile(t, t.TempDir(), wrappedRulesJSON)
	inputs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "order-close", inputs[1].ID)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	path := writeRulesFile(t, t.TempDir(), "{not json")
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestLoaderReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, rulesJSON)

	var mu sync.Mutex
	var loads [][]model.RuleInput
	loaded := make(chan struct{}, 8)

	loader := NewLoader(path, func(inputs []model.RuleInput) {
		mu.Lock()
		loads = append(loads, inputs)
		mu.Unlock()
		loaded <- struct{}{}
	})
	require.NoError(t, loader.Start())
	defer loader.Stop()

	// Initial load is synchronous.
	<-loaded
	mu.Lock()
	require.Len(t, loads, 1)
	assert.Len(t, loads[0], 1)
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(wrappedRulesJSON), 0o600))

	select {
	case <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	mu.Lock()
	last := loads[len(loads)-1]
	mu.Unlock()
	assert.Len(t, last, 2)
}

func TestLoaderKeepsRulesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, rulesJSON)

	var mu sync.Mutex
	calls := 0
	loader := NewLoader(path, func([]model.RuleInput) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, loader.Start())
	defer loader.Stop()

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	// Give the debounce a chance to fire; the callback must not run again.
	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestLoaderStartFailsOnMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"), func([]model.RuleInput) {})
	assert.Error(t, loader.Start())
}

func TestLoaderStopIdempotent(t *testing.T) {
	path := writeRulesFile(t, t.TempDir(), rulesJSON)
	loader := NewLoader(path, func([]model.RuleInput) {})
	require.NoError(t, loader.Start())
	loader.Stop()
	loader.Stop()
}
