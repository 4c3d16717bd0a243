package keyring

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after the identity file has been reloaded.
type ReloadCallback func(old, new *Identity) error

// Watcher hot-reloads the identity file when it changes on disk or when the
// process receives SIGHUP. Key stores managed by external agents rotate the
// file in place; long-running seal services pick the new identity up without
// a restart.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	sigChan  chan os.Signal
	stopChan chan struct{}

	mu       sync.RWMutex
	current  *Identity
	onReload ReloadCallback
}

// NewWatcher creates a watcher for the identity file at path. An empty path
// disables file watching; SIGHUP handling stays active.
func NewWatcher(path string, initial *Identity, logger *logrus.Logger) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		logger:   logger,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}),
		current:  initial,
	}

	if path != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory, not the file: editors and rotation agents
		// replace the file by rename, which drops a direct file watch.
		if err := fw.Add(filepath.Dir(path)); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch identity directory: %w", err)
		}
		w.watcher = fw
	}

	signal.Notify(w.sigChan, syscall.SIGHUP)
	return w, nil
}

// SetOnReloadCallback registers a callback invoked after each successful
// reload.
func (w *Watcher) SetOnReloadCallback(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = cb
}

// Current returns the identity loaded most recently.
func (w *Watcher) Current() *Identity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start runs the watch loop until Stop is called.
func (w *Watcher) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("event", event.Op.String()).Debug("Identity file changed, reloading")
			w.reload()

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Identity watcher error")

		case <-w.sigChan:
			w.logger.Info("Received SIGHUP, reloading identity")
			w.reload()

		case <-w.stopChan:
			return
		}
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	signal.Stop(w.sigChan)
	close(w.stopChan)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) reload() {
	if w.path == "" {
		w.logger.Warn("No identity path configured, skipping reload")
		return
	}

	loaded, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload identity, keeping previous keys")
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = loaded
	cb := w.onReload
	w.mu.Unlock()

	w.logger.Info("Identity reloaded")
	if cb != nil {
		if err := cb(old, loaded); err != nil {
			w.logger.WithError(err).Error("Identity reload callback failed")
		}
	}
}
