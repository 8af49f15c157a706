// Package stream implements the live observer surfaces: a server-sent
// events fan-out for audit and trace entries, and a websocket hub for the
// richer bidirectional debug stream. Both only observe; slow or broken
// consumers are pruned without affecting the engine.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/audit"
)

// DefaultHeartbeatInterval is how often comment heartbeats are written.
const DefaultHeartbeatInterval = 30 * time.Second

// Filter selects entries per connection. Dimensions AND together; an
// empty dimension allows everything.
type Filter struct {
	Categories     []string
	Types          []string
	Sources        []string
	RuleIDs        []string
	CorrelationIDs []string
}

// Empty reports whether the filter passes every entry.
func (f Filter) Empty() bool {
	return len(f.Categories) == 0 && len(f.Types) == 0 && len(f.Sources) == 0 &&
		len(f.RuleIDs) == 0 && len(f.CorrelationIDs) == 0
}

// Matches applies the filter to an envelope.
func (f Filter) Matches(env Envelope) bool {
	return dimMatches(f.Categories, env.Category) &&
		dimMatches(f.Types, env.Type) &&
		dimMatches(f.Sources, env.Source) &&
		dimMatches(f.RuleIDs, env.RuleID) &&
		dimMatches(f.CorrelationIDs, env.CorrelationID)
}

func dimMatches(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// Describe renders the filter for the connection-open comment.
func (f Filter) Describe() string {
	var parts []string
	add := func(name string, values []string) {
		if len(values) > 0 {
			parts = append(parts, name+"="+strings.Join(values, ","))
		}
	}
	add("category", f.Categories)
	add("type", f.Types)
	add("source", f.Sources)
	add("ruleId", f.RuleIDs)
	add("correlationId", f.CorrelationIDs)
	return strings.Join(parts, " ")
}

// ParseFilter builds a filter from query parameters; each dimension takes
// comma-separated values.
func ParseFilter(q url.Values) Filter {
	split := func(key string) []string {
		raw := q.Get(key)
		if raw == "" {
			return nil
		}
		return strings.Split(raw, ",")
	}
	return Filter{
		Categories:     split("category"),
		Types:          split("type"),
		Sources:        split("source"),
		RuleIDs:        split("ruleId"),
		CorrelationIDs: split("correlationId"),
	}
}

// Envelope is the broadcastable shape shared by audit and trace entries.
type Envelope struct {
	Category      string
	Type          string
	Source        string
	RuleID        string
	CorrelationID string
	Payload       interface{}
}

// FromAudit wraps an audit entry for broadcasting.
func FromAudit(entry audit.Entry) Envelope {
	return Envelope{
		Category:      string(entry.Category),
		Type:          entry.Type,
		Source:        entry.Source,
		RuleID:        entry.RuleID,
		CorrelationID: entry.CorrelationID,
		Payload:       entry,
	}
}

// FromTrace wraps a trace entry for broadcasting.
func FromTrace(entry audit.TraceEntry) Envelope {
	return Envelope{
		Type:          entry.Type,
		RuleID:        entry.RuleID,
		CorrelationID: entry.CorrelationID,
		Payload:       entry,
	}
}

type connection struct {
	id          string
	filter      Filter
	connectedAt time.Time
	sink        io.Writer
	flush       func()
}

func (c *connection) write(data []byte) error {
	if _, err := c.sink.Write(data); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

// SSEStats snapshots fan-out counters.
type SSEStats struct {
	Connections          int    `json:"connections"`
	TotalEntriesSent     uint64 `json:"totalEntriesSent"`
	TotalEntriesFiltered uint64 `json:"totalEntriesFiltered"`
}

// SSEFanout broadcasts envelopes to connected SSE clients.
type SSEFanout struct {
	heartbeatInterval time.Duration

	mu    sync.Mutex
	conns map[string]*connection

	sent     atomic.Uint64
	filtered atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSSEFanout creates a fan-out; heartbeatInterval 0 takes the default.
func NewSSEFanout(heartbeatInterval time.Duration) *SSEFanout {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &SSEFanout{
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[string]*connection),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (f *SSEFanout) Start() {
	f.wg.Add(1)
	go f.heartbeatLoop()
}

// Stop closes every connection and halts heartbeats. Idempotent.
func (f *SSEFanout) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
	f.mu.Lock()
	f.conns = make(map[string]*connection)
	f.mu.Unlock()
}

// Add registers a sink and writes the connection-open comments. The
// returned id removes the connection later.
func (f *SSEFanout) Add(sink io.Writer, flush func(), filter Filter) (string, error) {
	conn := &connection{
		id:          uuid.NewString(),
		filter:      filter,
		connectedAt: time.Now(),
		sink:        sink,
		flush:       flush,
	}

	if err := conn.write([]byte(fmt.Sprintf(": connected:%s\n\n", conn.id))); err != nil {
		return "", err
	}
	if !filter.Empty() {
		if err := conn.write([]byte(fmt.Sprintf(": filter:%s\n\n", filter.Describe()))); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.conns[conn.id] = conn
	f.mu.Unlock()
	return conn.id, nil
}

// Remove drops a connection. Idempotent.
func (f *SSEFanout) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, id)
}

// Broadcast writes the envelope to every connection whose filter matches.
// Write failures remove the connection silently.
func (f *SSEFanout) Broadcast(env Envelope) {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("Dropped unmarshalable stream entry")
		return
	}
	frame := append(append([]byte("data: "), data...), '\n', '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, conn := range f.conns {
		if !conn.filter.Matches(env) {
			f.filtered.Add(1)
			continue
		}
		if err := conn.write(frame); err != nil {
			delete(f.conns, id)
			continue
		}
		f.sent.Add(1)
	}
}

func (f *SSEFanout) heartbeatLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.heartbeat()
		case <-f.stopCh:
			return
		}
	}
}

// heartbeat writes a comment frame and prunes unwritable sinks.
func (f *SSEFanout) heartbeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, conn := range f.conns {
		if err := conn.write([]byte(": heartbeat\n\n")); err != nil {
			delete(f.conns, id)
		}
	}
}

// Stats snapshots the counters.
func (f *SSEFanout) Stats() SSEStats {
	f.mu.Lock()
	connections := len(f.conns)
	f.mu.Unlock()
	return SSEStats{
		Connections:          connections,
		TotalEntriesSent:     f.sent.Load(),
		TotalEntriesFiltered: f.filtered.Load(),
	}
}

// ServeHTTP upgrades the request into an SSE stream filtered by query
// parameters and blocks until the client goes away.
func (f *SSEFanout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id, err := f.Add(w, flusher.Flush, ParseFilter(r.URL.Query()))
	if err != nil {
		return
	}
	defer f.Remove(id)

	select {
	case <-r.Context().Done():
	case <-f.stopCh:
	}
}
