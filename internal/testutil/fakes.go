package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/tickle/internal/executor"
	"github.com/t77yq/tickle/internal/watch"
)

// FakeRunner is an in-memory TaskRunner. OnRun, when set, decides the
// result; the default is success. Every invocation is recorded.
type FakeRunner struct {
	OnRun func(ctx context.Context, argv []string, dir string) executor.RunResult

	mu    sync.Mutex
	calls [][]string
}

// Run implements executor.Runner
func (r *FakeRunner) Run(ctx context.Context, argv []string, dir string) executor.RunResult {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), argv...))
	handler := r.OnRun
	r.mu.Unlock()

	if handler != nil {
		return handler(ctx, argv, dir)
	}
	return executor.RunResult{}
}

// Calls returns the argv of every recorded invocation in order
func (r *FakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// CallCount returns how many commands were run
func (r *FakeRunner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// FakeWatcher is an in-memory FileWatch capability. Tests push events
// through Emit.
type FakeWatcher struct {
	events chan watch.Event

	mu      sync.Mutex
	watched []string
}

// NewFakeWatcher creates a watcher with a buffered event stream
func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{events: make(chan watch.Event, 64)}
}

// Events implements watch.Watcher
func (w *FakeWatcher) Events() <-chan watch.Event {
	return w.events
}

// Restart implements watch.Watcher, recording the watched set
func (w *FakeWatcher) Restart(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append([]string(nil), paths...)
	return nil
}

// Close implements watch.Watcher
func (w *FakeWatcher) Close() error {
	return nil
}

// Watched returns the most recently restarted watch set
func (w *FakeWatcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.watched...)
}

// Emit pushes one event into the stream
func (w *FakeWatcher) Emit(path string, op watch.Op) {
	w.events <- watch.Event{Path: path, Op: op}
}

// WriteFile writes content to path, creating parent directories
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Touch rewrites path with content and bumps its mtime far enough that a
// stat comparison cannot miss the edit on coarse-grained filesystems.
func Touch(t *testing.T, path, content string) {
	t.Helper()
	WriteFile(t, path, content)
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}
