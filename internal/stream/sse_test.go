package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/audit"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *safeBuffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func auditEnvelope(entryType, ruleID, correlationID string) Envelope {
	return FromAudit(audit.Entry{
		ID:            "e-" + entryType,
		Timestamp:     time.Now(),
		Category:      audit.CategoryOf(entryType),
		Type:          entryType,
		Source:        "test",
		RuleID:        ruleID,
		CorrelationID: correlationID,
	})
}

func TestAddWritesConnectionComments(t *testing.T) {
	f := NewSSEFanout(time.Hour)
	sink := &safeBuffer{}

	id, err := f.Add(sink, nil, Filter{Types: []string{"rule_executed"}})
	require.NoError(t, err)

	out := sink.String()
	assert.Contains(t, out, ": connected:"+id+"\n\n")
	assert.Contains(t, out, ": filter:type=rule_executed\n\n")

	// An empty filter gets no filter comment.
	plain := &safeBuffer{}
	_, err = f.Add(plain, nil, Filter{})
	require.NoError(t, err)
	assert.NotContains(t, plain.String(), ": filter:")
}

func TestBroadcastFrameFormatAndFiltering(t *testing.T) {
	f := NewSSEFanout(time.Hour)

	all := &safeBuffer{}
	_, err := f.Add(all, nil, Filter{})
	require.NoError(t, err)

	onlyExec := &safeBuffer{}
	_, err = f.Add(onlyExec, nil, Filter{Types: []string{"rule_executed"}})
	require.NoError(t, err)

	f.Broadcast(auditEnvelope("rule_executed", "r1", "c1"))
	f.Broadcast(auditEnvelope("event_emitted", "", "c1"))

	stats := f.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, uint64(3), stats.TotalEntriesSent)
	assert.Equal(t, uint64(1), stats.TotalEntriesFiltered)

	frames := strings.Split(all.String(), "\n\n")
	var dataFrames []string
	for _, frame := range frames {
		if strings.HasPrefix(frame, "data: ") {
			dataFrames = append(dataFrames, frame)
		}
	}
	require.Len(t, dataFrames, 2)

	var entry audit.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataFrames[0], "data: ")), &entry))
	assert.Equal(t, "rule_executed", entry.Type)

	assert.NotContains(t, onlyExec.String(), "event_emitted")
}

func TestFilterDimensionsAnd(t *testing.T) {
	filter := Filter{Types: []string{"rule_executed"}, RuleIDs: []string{"r1"}}
	assert.True(t, filter.Matches(auditEnvelope("rule_executed", "r1", "")))
	assert.False(t, filter.Matches(auditEnvelope("rule_executed", "r2", "")))
	assert.False(t, filter.Matches(auditEnvelope("rule_skipped", "r1", "")))
}

func TestBrokenSinkRemovedSilently(t *testing.T) {
	f := NewSSEFanout(time.Hour)
	sink := &safeBuffer{}
	_, err := f.Add(sink, nil, Filter{})
	require.NoError(t, err)

	sink.fail(fmt.Errorf("connection reset"))
	f.Broadcast(auditEnvelope("rule_executed", "r1", ""))
	assert.Zero(t, f.Stats().Connections)

	// Later broadcasts are unaffected.
	f.Broadcast(auditEnvelope("rule_executed", "r1", ""))
}

func TestHeartbeatPrunesDeadConnections(t *testing.T) {
	f := NewSSEFanout(20 * time.Millisecond)
	f.Start()
	defer f.Stop()

	healthy := &safeBuffer{}
	_, err := f.Add(healthy, nil, Filter{})
	require.NoError(t, err)

	dead := &safeBuffer{}
	_, err = f.Add(dead, nil, Filter{})
	require.NoError(t, err)
	dead.fail(fmt.Errorf("gone"))

	require.Eventually(t, func() bool {
		return f.Stats().Connections == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, healthy.String(), ": heartbeat\n\n")
}

func TestRemoveIdempotent(t *testing.T) {
	f := NewSSEFanout(time.Hour)
	sink := &safeBuffer{}
	id, err := f.Add(sink, nil, Filter{})
	require.NoError(t, err)
	f.Remove(id)
	f.Remove(id)
	assert.Zero(t, f.Stats().Connections)
}

func TestParseFilter(t *testing.T) {
	q := url.Values{}
	q.Set("category", "rule_execution,system")
	q.Set("ruleId", "r1")
	filter := ParseFilter(q)
	assert.Equal(t, []string{"rule_execution", "system"}, filter.Categories)
	assert.Equal(t, []string{"r1"}, filter.RuleIDs)
	assert.Nil(t, filter.Types)
	assert.False(t, filter.Empty())
	assert.True(t, ParseFilter(url.Values{}).Empty())
}

func TestFilterDescribe(t *testing.T) {
	filter := Filter{Categories: []string{"system"}, Types: []string{"a", "b"}}
	desc := filter.Describe()
	assert.Contains(t, desc, "category=system")
	assert.Contains(t, desc, "type=a,b")
}
