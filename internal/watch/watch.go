// Package watch implements an ambient workspace file watcher: it notices
// changes under a workspace directory and publishes FileChanged events on the
// Event Bus, with a dedicated debounced path for the config file so a config
// edit surfaces as ConfigurationChanged instead.
//
// Grounded on the teacher's internal/core/mangle_watcher.go: an
// fsnotify.Watcher driven from a goroutine select loop, a debounce map keyed
// by path with a periodic ticker flushing settled events, and stats for
// observability. Generalized from a single .mg-suffix filter to a
// caller-supplied set of watched directories plus one distinguished config
// path.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hive/internal/eventbus"
	"hive/internal/logging"
)

// Stats tracks watcher activity for diagnostics.
type Stats struct {
	Created  int
	Modified int
	Deleted  int
	Errors   int
}

// Watcher watches a workspace directory tree for file changes and publishes
// them on the Event Bus. A change at the configured ConfigPath publishes
// ConfigurationChanged instead of FileChanged.
type Watcher struct {
	mu          sync.Mutex
	fs          *fsnotify.Watcher
	bus         *eventbus.Bus
	workspace   string
	configPath  string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// New creates a Watcher rooted at workspace. configPath, if non-empty, is the
// absolute or workspace-relative path whose changes are reported as
// ConfigurationChanged rather than FileChanged.
func New(workspace, configPath string, bus *eventbus.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if configPath != "" && !filepath.IsAbs(configPath) {
		configPath = filepath.Join(workspace, configPath)
	}
	return &Watcher{
		fs:          fw,
		bus:         bus,
		workspace:   workspace,
		configPath:  configPath,
		debounceMap: make(map[string]time.Time),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the workspace directory (non-recursive: the
// workspace root plus the config file's directory) in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fs.Add(w.workspace); err != nil {
		logging.Get(logging.CategoryWatch).Warn("initial watch of %s failed: %v", w.workspace, err)
	}
	if w.configPath != "" {
		dir := filepath.Dir(w.configPath)
		if dir != w.workspace {
			if err := w.fs.Add(dir); err != nil {
				logging.Get(logging.CategoryWatch).Warn("watch of config dir %s failed: %v", dir, err)
			}
		}
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fs.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("error closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	var op string
	switch {
	case event.Op&fsnotify.Create != 0:
		op = "create"
	case event.Op&fsnotify.Write != 0:
		op = "modify"
	case event.Op&fsnotify.Remove != 0:
		op = "delete"
	case event.Op&fsnotify.Rename != 0:
		op = "rename"
	default:
		return // chmod and similar are not interesting
	}

	w.mu.Lock()
	switch op {
	case "create":
		w.stats.Created++
	case "modify":
		w.stats.Modified++
	case "delete", "rename":
		w.stats.Deleted++
	}
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.publish(path)
	}
}

func (w *Watcher) publish(path string) {
	op := "modify"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		op = "delete"
	}

	if w.configPath != "" && path == w.configPath {
		w.bus.Emit(eventbus.KindConfigurationChanged, eventbus.ConfigurationChangedPayload{Path: path})
		return
	}
	w.bus.Emit(eventbus.KindFileChanged, eventbus.FileChangedPayload{Path: path, Op: op})
}

// GetStats returns a snapshot of the watcher's activity counters.
func (w *Watcher) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// IsWatching reports whether the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
