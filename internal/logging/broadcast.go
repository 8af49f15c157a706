package logging

import (
	"container/ring"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the number of log lines to keep in memory.
const DefaultBufferSize = 1000

var (
	broadcaster *LogBroadcaster
	broadcastMu sync.Once
)

// LogBroadcaster captures log writes, buffers them, and broadcasts them to
// subscribers. Slow subscribers drop lines rather than block the writer.
type LogBroadcaster struct {
	mu          sync.RWMutex
	buffer      *ring.Ring
	subscribers map[string]chan string
	closed      bool
}

// GetBroadcaster returns the singleton broadcaster instance.
func GetBroadcaster() *LogBroadcaster {
	broadcastMu.Do(func() {
		broadcaster = &LogBroadcaster{
			buffer:      ring.New(DefaultBufferSize),
			subscribers: make(map[string]chan string),
		}
	})
	return broadcaster
}

// Write implements io.Writer. It writes to the internal buffer and notifies
// subscribers.
func (b *LogBroadcaster) Write(p []byte) (n int, err error) {
	msg := string(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return len(p), nil
	}

	b.buffer.Value = msg
	b.buffer = b.buffer.Next()

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// Consumer too slow; skip this line for them.
		}
	}

	return len(p), nil
}

// Subscribe adds a new subscriber and returns a channel of log lines plus a
// snapshot of the current history.
func (b *LogBroadcaster) Subscribe() (string, chan string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan string, 1000)
	b.subscribers[id] = ch

	return id, ch, b.historyLocked()
}

// Unsubscribe removes a subscriber.
func (b *LogBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// GetHistory returns the current in-memory log history.
func (b *LogBroadcaster) GetHistory() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.historyLocked()
}

func (b *LogBroadcaster) historyLocked() []string {
	history := make([]string, 0, DefaultBufferSize)
	b.buffer.Do(func(p interface{}) {
		if p != nil {
			history = append(history, p.(string))
		}
	})
	return history
}

// Shutdown closes all subscriber channels. Idempotent.
func (b *LogBroadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
