package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/storage"
)

// Defaults for the in-memory ring and persistence batching.
const (
	DefaultMaxMemoryEntries = 50000
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 5 * time.Second
	DefaultQueryLimit       = 100
)

// Options carries the optional attributes of a recorded entry.
type Options struct {
	Source        string
	RuleID        string
	RuleName      string
	CorrelationID string
	DurationMs    float64
	Timestamp     time.Time // zero means now
}

// Subscriber receives every recorded entry. Subscriber panics are isolated.
type Subscriber func(Entry)

// Config configures a Log.
type Config struct {
	MaxMemoryEntries int
	BatchSize        int
	FlushInterval    time.Duration
	Adapter          storage.Adapter // nil disables persistence
	ServerID         string
}

// Log is the audit log: a bounded in-memory ring with five secondary
// indexes, live subscribers, and batched hourly-bucketed persistence.
type Log struct {
	mu sync.RWMutex

	maxEntries int
	order      []string // entry ids, oldest first
	entries    map[string]Entry

	byCategory    map[Category]map[string]struct{}
	byType        map[string]map[string]struct{}
	bySource      map[string]map[string]struct{}
	byRule        map[string]map[string]struct{}
	byCorrelation map[string]map[string]struct{}

	subscribers map[string]Subscriber

	adapter       storage.Adapter
	serverID      string
	batchSize     int
	flushInterval time.Duration
	pending       []Entry

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewLog creates an audit log with the given configuration.
func NewLog(cfg Config) *Log {
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Log{
		maxEntries:    cfg.MaxMemoryEntries,
		entries:       make(map[string]Entry),
		byCategory:    make(map[Category]map[string]struct{}),
		byType:        make(map[string]map[string]struct{}),
		bySource:      make(map[string]map[string]struct{}),
		byRule:        make(map[string]map[string]struct{}),
		byCorrelation: make(map[string]map[string]struct{}),
		subscribers:   make(map[string]Subscriber),
		adapter:       cfg.Adapter,
		serverID:      cfg.ServerID,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background flusher. No-op without an adapter.
func (l *Log) Start() {
	if l.adapter == nil {
		return
	}
	l.wg.Add(1)
	go l.flushLoop()
}

// Stop flushes outstanding entries and halts the background flusher.
// Idempotent.
func (l *Log) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	return l.Flush()
}

// Record appends an entry, deriving its category and summary, notifies
// subscribers, and queues it for persistence. Returns the stored entry.
func (l *Log) Record(eventType string, details map[string]interface{}, opts Options) Entry {
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := Entry{
		ID:            ulid.Make().String(),
		Timestamp:     ts,
		Category:      CategoryOf(eventType),
		Type:          eventType,
		Summary:       deriveSummary(eventType, details, opts),
		Source:        opts.Source,
		Details:       details,
		RuleID:        opts.RuleID,
		RuleName:      opts.RuleName,
		CorrelationID: opts.CorrelationID,
		DurationMs:    opts.DurationMs,
	}

	l.mu.Lock()
	l.insertLocked(entry)
	var flushNow bool
	if l.adapter != nil {
		l.pending = append(l.pending, entry)
		flushNow = len(l.pending) >= l.batchSize
	}
	subs := make([]Subscriber, 0, len(l.subscribers))
	for _, s := range l.subscribers {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		notifySubscriber(s, entry)
	}

	if flushNow {
		if err := l.Flush(); err != nil {
			log.Error().Err(err).Msg("Audit flush on batch size failed")
		}
	}
	return entry
}

// notifySubscriber isolates subscriber panics so one bad observer cannot
// break the recording path.
func notifySubscriber(s Subscriber, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Audit subscriber panicked")
		}
	}()
	s(entry)
}

func (l *Log) insertLocked(entry Entry) {
	if len(l.order) >= l.maxEntries {
		l.evictLocked()
	}
	l.order = append(l.order, entry.ID)
	l.entries[entry.ID] = entry
	addIndex(l.byCategory, entry.Category, entry.ID)
	addIndex(l.byType, entry.Type, entry.ID)
	if entry.Source != "" {
		addIndex(l.bySource, entry.Source, entry.ID)
	}
	if entry.RuleID != "" {
		addIndex(l.byRule, entry.RuleID, entry.ID)
	}
	if entry.CorrelationID != "" {
		addIndex(l.byCorrelation, entry.CorrelationID, entry.ID)
	}
}

// evictLocked drops the oldest ~10% of entries and scrubs the indexes.
func (l *Log) evictLocked() {
	n := l.maxEntries / 10
	if n < 1 {
		n = 1
	}
	if n > len(l.order) {
		n = len(l.order)
	}
	for _, id := range l.order[:n] {
		l.removeFromIndexesLocked(id)
		delete(l.entries, id)
	}
	l.order = append(l.order[:0], l.order[n:]...)
}

func (l *Log) removeFromIndexesLocked(id string) {
	entry, ok := l.entries[id]
	if !ok {
		return
	}
	dropIndex(l.byCategory, entry.Category, id)
	dropIndex(l.byType, entry.Type, id)
	dropIndex(l.bySource, entry.Source, id)
	dropIndex(l.byRule, entry.RuleID, id)
	dropIndex(l.byCorrelation, entry.CorrelationID, id)
}

func addIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	var zero K
	if key == zero {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Subscribe registers a live subscriber and returns its id.
func (l *Log) Subscribe(s Subscriber) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := ulid.Make().String()
	l.subscribers[id] = s
	return id
}

// Unsubscribe removes a subscriber. Idempotent.
func (l *Log) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, id)
}

// Len returns the number of in-memory entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
