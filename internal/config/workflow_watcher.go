package config

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is called when the workflow config file is successfully reloaded.
// If the callback returns an error, it is logged but the watcher continues watching.
type ReloadCallback func(config *WorkflowsFile) error

// WorkflowWatcherConfig holds configuration for the WorkflowWatcher.
type WorkflowWatcherConfig struct {
	// FilePath is the path to the workflow YAML file to watch
	FilePath string

	// DebounceMillis is the debounce period in milliseconds
	// Multiple file change events within this period will be coalesced into a single reload
	// Default: 500ms
	DebounceMillis int
}

// WorkflowWatcher watches the workflow policy file for changes and triggers
// reload callbacks with debouncing to prevent reload storms from editor save sequences.
//
// Invalid configs during reload are logged but do not crash the watcher - it continues
// watching with the previous valid config.
type WorkflowWatcher struct {
	config   WorkflowWatcherConfig
	callback ReloadCallback
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{} // signals when fsnotify watcher is fully initialized
	mu       sync.Mutex

	// debounceTimer is used to coalesce multiple file change events
	debounceTimer *time.Timer
}

// NewWorkflowWatcher creates a new watcher for the given policy file.
// The callback will be invoked when the file changes and the new config is valid.
//
// Returns an error if FilePath is empty.
func NewWorkflowWatcher(config WorkflowWatcherConfig, callback ReloadCallback) (*WorkflowWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}

	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}

	return &WorkflowWatcher{
		config:   config,
		callback: callback,
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start begins watching the policy file for changes.
// It loads the initial config, calls the callback, and then watches for file changes.
//
// Returns an error if initial config load fails or the callback returns an error.
func (w *WorkflowWatcher) Start(ctx context.Context) error {
	initialConfig, err := LoadWorkflowsFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Fail fast if the initial callback errors
	if err := w.callback(initialConfig); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	log.Printf("WorkflowWatcher: loaded initial config from %s", w.config.FilePath)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	// Wait for the watcher to be fully initialized before returning
	// so file changes are not missed due to race conditions
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// Stop stops the watcher and waits for the watch loop to exit.
func (w *WorkflowWatcher) Stop() {
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-w.stopped
	}
}

// signalReady safely closes the ready channel exactly once
func (w *WorkflowWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
		// Already closed
	default:
		close(w.ready)
	}
}

// watchLoop is the main file watching loop
func (w *WorkflowWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady() // Ensure ready is signaled even on error paths

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WorkflowWatcher: failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		log.Printf("WorkflowWatcher: failed to watch file %s: %v", w.config.FilePath, err)
		return
	}

	log.Printf("WorkflowWatcher: watching %s for changes (debounce: %dms)",
		w.config.FilePath, w.config.DebounceMillis)

	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			log.Printf("WorkflowWatcher: context cancelled, stopping")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				log.Printf("WorkflowWatcher: watcher events channel closed")
				return
			}

			// Remove is relevant for atomic writes where the old file is
			// unlinked before the new one is renamed into place - the watch
			// must be re-added because the inode changed
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Rename == fsnotify.Rename ||
				event.Op&fsnotify.Remove == fsnotify.Remove {
				if event.Op&fsnotify.Rename == fsnotify.Rename ||
					event.Op&fsnotify.Remove == fsnotify.Remove {
					// Small delay to let the rename/recreate complete
					time.Sleep(50 * time.Millisecond)
					if err := watcher.Add(w.config.FilePath); err != nil {
						log.Printf("WorkflowWatcher: failed to re-add watch after %s: %v", event.Op, err)
					}
				}
				w.handleFileChange(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				log.Printf("WorkflowWatcher: watcher errors channel closed")
				return
			}
			log.Printf("WorkflowWatcher: watcher error: %v", err)
		}
	}
}

// handleFileChange is called when a file change event is detected.
// It implements debouncing by resetting a timer on each event.
func (w *WorkflowWatcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		func() {
			w.reloadConfig(ctx)
		},
	)
}

// reloadConfig reloads the policy file and calls the callback if successful.
// Invalid configs are logged but don't crash the watcher.
func (w *WorkflowWatcher) reloadConfig(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	log.Printf("WorkflowWatcher: reloading config from %s", w.config.FilePath)

	newConfig, err := LoadWorkflowsFile(w.config.FilePath)
	if err != nil {
		// Keep watching with the previous valid config
		log.Printf("WorkflowWatcher: failed to load config (keeping previous config): %v", err)
		return
	}

	if err := w.callback(newConfig); err != nil {
		log.Printf("WorkflowWatcher: reload callback failed: %v", err)
		return
	}

	log.Printf("WorkflowWatcher: reloaded config with %d workflows", len(newConfig.Workflows))
}
