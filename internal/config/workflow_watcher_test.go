package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// createTempWorkflowFile creates a temporary workflow YAML file with the given content
func createTempWorkflowFile(t *testing.T, content string) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create temp workflow file: %v", err)
	}
	return tmpFile
}

func validWorkflows() string {
	return `schema_version: v1
workflows:
  - id: release-main
    channel: "#build-health"
    streams: [1001]
`
}

func invalidWorkflows() string {
	return `schema_version: v999
workflows: []
`
}

// TestWorkflowWatcherStartLoadsInitialConfig verifies that Start() loads the
// policy file and calls the callback immediately.
func TestWorkflowWatcherStartLoadsInitialConfig(t *testing.T) {
	tmpFile := createTempWorkflowFile(t, validWorkflows())

	var callbackCount atomic.Int32
	var received atomic.Pointer[WorkflowsFile]

	watcher, err := NewWorkflowWatcher(WorkflowWatcherConfig{
		FilePath:       tmpFile,
		DebounceMillis: 50,
	}, func(config *WorkflowsFile) error {
		received.Store(config)
		callbackCount.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewWorkflowWatcher failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if callbackCount.Load() != 1 {
		t.Fatalf("expected 1 callback, got %d", callbackCount.Load())
	}
	if got := received.Load(); got == nil || len(got.Workflows) != 1 {
		t.Fatalf("callback received unexpected config: %+v", got)
	}
}

// TestWorkflowWatcherStartFailsOnInvalidConfig verifies that Start() fails
// fast when the initial policy file is invalid.
func TestWorkflowWatcherStartFailsOnInvalidConfig(t *testing.T) {
	tmpFile := createTempWorkflowFile(t, invalidWorkflows())

	watcher, err := NewWorkflowWatcher(WorkflowWatcherConfig{FilePath: tmpFile}, func(*WorkflowsFile) error {
		return nil
	})
	if err != nil {
		t.Fatalf("NewWorkflowWatcher failed: %v", err)
	}

	if err := watcher.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on invalid config")
	}
}

// TestWorkflowWatcherReloadsOnChange verifies that writing a new valid config
// triggers a debounced reload, and an invalid rewrite keeps the old config.
func TestWorkflowWatcherReloadsOnChange(t *testing.T) {
	tmpFile := createTempWorkflowFile(t, validWorkflows())

	var callbackCount atomic.Int32
	var received atomic.Pointer[WorkflowsFile]

	watcher, err := NewWorkflowWatcher(WorkflowWatcherConfig{
		FilePath:       tmpFile,
		DebounceMillis: 20,
	}, func(config *WorkflowsFile) error {
		received.Store(config)
		callbackCount.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewWorkflowWatcher failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	updated := `schema_version: v1
workflows:
  - id: release-main
    channel: "#build-health"
    streams: [1001]
  - id: nightly
    channel: "#nightly"
    streams: [2001]
`
	if err := os.WriteFile(tmpFile, []byte(updated), 0600); err != nil {
		t.Fatalf("failed to rewrite workflow file: %v", err)
	}

	waitFor(t, func() bool { return callbackCount.Load() >= 2 }, "reload callback")

	if got := received.Load(); len(got.Workflows) != 2 {
		t.Fatalf("expected 2 workflows after reload, got %d", len(got.Workflows))
	}

	// An invalid rewrite must not invoke the callback
	before := callbackCount.Load()
	if err := os.WriteFile(tmpFile, []byte(invalidWorkflows()), 0600); err != nil {
		t.Fatalf("failed to rewrite workflow file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if callbackCount.Load() != before {
		t.Fatalf("callback fired for invalid config")
	}
	if got := received.Load(); len(got.Workflows) != 2 {
		t.Fatal("previous config was not retained after invalid reload")
	}
}

// waitFor polls cond until it is true or the deadline expires.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
