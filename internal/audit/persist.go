package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/storage"
)

// BucketPrefix prefixes every persisted audit bucket key.
const BucketPrefix = "audit-log:"

// bucketHourLayout is the UTC hour key format, e.g. 2024-06-15T10.
const bucketHourLayout = "2006-01-02T15"

// BucketKey returns the storage key for the UTC hour containing ts.
func BucketKey(ts time.Time) string {
	return BucketPrefix + ts.UTC().Format(bucketHourLayout)
}

// flushLoop persists pending entries on an interval until Stop.
func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				log.Error().Err(err).Msg("Periodic audit flush failed")
			}
		case <-l.stopCh:
			return
		}
	}
}

// Flush persists all pending entries, merging each hourly batch with any
// existing bucket state. Failed entries are re-queued.
func (l *Log) Flush() error {
	if l.adapter == nil {
		return nil
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	buckets := make(map[string][]Entry)
	for _, entry := range pending {
		key := BucketKey(entry.Timestamp)
		buckets[key] = append(buckets[key], entry)
	}

	var failed []Entry
	var firstErr error
	for key, batch := range buckets {
		if err := l.flushBucket(key, batch); err != nil {
			failed = append(failed, batch...)
			if firstErr == nil {
				firstErr = err
			}
			log.Error().Err(err).Str("bucket", key).Int("entries", len(batch)).
				Msg("Failed to persist audit bucket")
		}
	}

	if len(failed) > 0 {
		l.mu.Lock()
		l.pending = append(failed, l.pending...)
		l.mu.Unlock()
		return errors.New(errors.KindPersistence, "audit_flush", firstErr)
	}
	return nil
}

func (l *Log) flushBucket(key string, batch []Entry) error {
	var existing []Entry
	if _, err := storage.LoadState(l.adapter, key, &existing); err != nil {
		return fmt.Errorf("load bucket: %w", err)
	}
	merged := append(existing, batch...)
	if err := storage.SaveState(l.adapter, key, l.serverID, merged); err != nil {
		return fmt.Errorf("save bucket: %w", err)
	}
	return nil
}

// Cleanup removes in-memory entries older than the cutoff and deletes
// storage buckets whose hour ends at or before it. Returns the number of
// in-memory entries and buckets removed.
func (l *Log) Cleanup(maxAge time.Duration) (int, int, error) {
	cutoff := time.Now().Add(-maxAge)
	return l.CleanupBefore(cutoff)
}

// CleanupBefore is Cleanup with an explicit cutoff instant.
func (l *Log) CleanupBefore(cutoff time.Time) (int, int, error) {
	removedMem := l.cleanupMemory(cutoff)

	if l.adapter == nil {
		return removedMem, 0, nil
	}

	keys, err := l.adapter.ListKeys(BucketPrefix)
	if err != nil {
		return removedMem, 0, errors.New(errors.KindPersistence, "audit_cleanup", err)
	}

	removedBuckets := 0
	var firstErr error
	for _, key := range keys {
		hour, err := time.Parse(bucketHourLayout, strings.TrimPrefix(key, BucketPrefix))
		if err != nil {
			log.Warn().Str("key", key).Msg("Skipping unparseable audit bucket key")
			continue
		}
		hourEnd := hour.Add(time.Hour)
		if hourEnd.After(cutoff) {
			continue
		}
		if _, err := l.adapter.Delete(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removedBuckets++
	}

	if firstErr != nil {
		return removedMem, removedBuckets, errors.New(errors.KindPersistence, "audit_cleanup", firstErr)
	}
	return removedMem, removedBuckets, nil
}

func (l *Log) cleanupMemory(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	kept := l.order[:0]
	for _, id := range l.order {
		entry, ok := l.entries[id]
		if ok && entry.Timestamp.Before(cutoff) {
			l.removeFromIndexesLocked(id)
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}
