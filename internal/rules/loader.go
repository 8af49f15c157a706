package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/model"
)

// ruleFile is the accepted on-disk shape: either a bare JSON array of
// RuleInput or an object with a "rules" array.
type ruleFile struct {
	Rules []model.RuleInput `json:"rules"`
}

// LoadFile parses a JSON rules file.
func LoadFile(path string) ([]model.RuleInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var inputs []model.RuleInput
	if err := json.Unmarshal(raw, &inputs); err == nil {
		return inputs, nil
	}

	var wrapped ruleFile
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return wrapped.Rules, nil
}

// Loader watches a rules file and invokes the reload callback whenever it
// changes. Editors replace files rather than write in place, so the parent
// directory is watched and events are debounced.
type Loader struct {
	path     string
	onReload func([]model.RuleInput)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLoader creates a loader for path.
func NewLoader(path string, onReload func([]model.RuleInput)) *Loader {
	return &Loader{path: path, onReload: onReload}
}

// Start loads the file once and begins watching for changes.
func (l *Loader) Start() error {
	inputs, err := LoadFile(l.path)
	if err != nil {
		return err
	}
	l.onReload(inputs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rules directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchLoop(watcher)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	var debounce *time.Timer
	target := filepath.Clean(l.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, l.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", l.path).Msg("Rules watcher error")
		case <-l.done:
			return
		}
	}
}

func (l *Loader) reload() {
	inputs, err := LoadFile(l.path)
	if err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("Rules reload failed, keeping previous rules")
		return
	}
	log.Info().Int("rules", len(inputs)).Str("path", l.path).Msg("Rules file reloaded")
	l.onReload(inputs)
}

// Stop halts watching. Idempotent.
func (l *Loader) Stop() {
	l.mu.Lock()
	watcher := l.watcher
	done := l.done
	l.watcher = nil
	l.done = nil
	l.mu.Unlock()

	if watcher == nil {
		return
	}
	close(done)
	watcher.Close()
	l.wg.Wait()
}
