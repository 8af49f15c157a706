package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/storage"
)

func TestBucketKey(t *testing.T) {
	ts := time.Date(2024, 6, 15, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, "audit-log:2024-06-15T10", BucketKey(ts))

	// Non-UTC timestamps normalize to UTC hours.
	loc := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, "audit-log:2024-06-15T10", BucketKey(time.Date(2024, 6, 15, 12, 30, 0, 0, loc)))
}

func TestFlushGroupsByHourlyBucket(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	l := NewLog(Config{Adapter: adapter, ServerID: "srv"})

	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 10, 5, 0, 0, time.UTC)})
	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 10, 55, 0, 0, time.UTC)})
	require.NoError(t, l.Flush())

	keys, err := adapter.ListKeys(BucketPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{"audit-log:2024-06-15T10"}, keys)

	var bucket []Entry
	found, err := storage.LoadState(adapter, "audit-log:2024-06-15T10", &bucket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, bucket, 2)

	// A later record lands in a second bucket; the first is merged, not lost.
	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 11, 2, 0, 0, time.UTC)})
	require.NoError(t, l.Flush())

	keys, err = adapter.ListKeys(BucketPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit-log:2024-06-15T10", "audit-log:2024-06-15T11"}, keys)
}

func TestFlushMergesWithExistingBucket(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	l := NewLog(Config{Adapter: adapter, ServerID: "srv"})
	ts := time.Date(2024, 6, 15, 10, 5, 0, 0, time.UTC)

	l.Record(TypeEventEmitted, nil, Options{Timestamp: ts})
	require.NoError(t, l.Flush())
	l.Record(TypeEventEmitted, nil, Options{Timestamp: ts.Add(time.Minute)})
	require.NoError(t, l.Flush())

	var bucket []Entry
	found, err := storage.LoadState(adapter, "audit-log:2024-06-15T10", &bucket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, bucket, 2)
}

func TestFlushOnBatchSize(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	l := NewLog(Config{Adapter: adapter, BatchSize: 3, ServerID: "srv"})
	ts := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		l.Record(TypeEventEmitted, nil, Options{Timestamp: ts})
	}

	var bucket []Entry
	found, err := storage.LoadState(adapter, "audit-log:2024-06-15T10", &bucket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, bucket, 3)
}

func TestCleanupRemovesOldBucketsOnly(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	l := NewLog(Config{Adapter: adapter, ServerID: "srv"})

	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 10, 5, 0, 0, time.UTC)})
	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 11, 2, 0, 0, time.UTC)})
	require.NoError(t, l.Flush())

	cutoff := time.Date(2024, 6, 15, 11, 0, 0, 0, time.UTC)
	removedMem, removedBuckets, err := l.CleanupBefore(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, removedMem)
	assert.Equal(t, 1, removedBuckets)

	exists, err := adapter.Exists("audit-log:2024-06-15T10")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = adapter.Exists("audit-log:2024-06-15T11")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, 1, l.Len())
}

func TestStopFlushesPending(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	l := NewLog(Config{Adapter: adapter, ServerID: "srv"})
	l.Start()
	l.Record(TypeEventEmitted, nil, Options{Timestamp: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)})
	require.NoError(t, l.Stop())

	exists, err := adapter.Exists("audit-log:2024-06-15T10")
	require.NoError(t, err)
	assert.True(t, exists)
}

type failingAdapter struct {
	*storage.MemoryAdapter
	fail bool
}

func (f *failingAdapter) Save(key string, envelope storage.Envelope) error {
	if f.fail {
		return assert.AnError
	}
	return f.MemoryAdapter.Save(key, envelope)
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	adapter := &failingAdapter{MemoryAdapter: storage.NewMemoryAdapter(), fail: true}
	l := NewLog(Config{Adapter: adapter, ServerID: "srv"})
	ts := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	l.Record(TypeEventEmitted, nil, Options{Timestamp: ts})
	err := l.Flush()
	require.Error(t, err)

	adapter.fail = false
	require.NoError(t, l.Flush())

	var bucket []Entry
	found, err := storage.LoadState(adapter.MemoryAdapter, "audit-log:2024-06-15T10", &bucket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, bucket, 1)
}
