package plugin

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchDebounce batches bursts of filesystem events into one re-discovery.
const watchDebounce = 500 * time.Millisecond

// Watcher triggers loader re-discovery when the plugin directory changes.
type Watcher struct {
	loader *Loader
	logger *logrus.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	running bool
}

// NewWatcher creates a plugin directory watcher for the given loader.
func NewWatcher(loader *Loader, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{loader: loader, logger: logger}
}

// Start begins watching the loader's plugin directory. Starting an already
// running watcher is an error.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("plugin watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plugin watcher: %v", err)
	}
	if err := fsw.Add(w.loader.pluginDir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch plugin directory: %v", err)
	}

	w.watcher = fsw
	w.done = make(chan struct{})
	w.running = true

	go w.loop(fsw, w.done)
	w.logger.Infof("Watching plugin directory %s", w.loader.pluginDir)
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debugf("Plugin directory change: %s", event)
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Plugin watcher error: %v", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := w.loader.Discover(); err != nil {
				w.logger.Errorf("Plugin re-discovery failed: %v", err)
			}
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// relevant filters out events for excluded files and irrelevant operations.
func relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), excludePrefix) {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.running = false
}
