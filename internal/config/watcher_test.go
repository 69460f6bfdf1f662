package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parlavo/parlavo/internal/config"
)

const watcherInfoYAML = `
server:
  log_level: info
backend:
  chat:
    primary:
      backend: gemini
      api_key: test-key
storage:
  driver: file
  dir: ./discussions
`

const watcherDebugYAML = `
server:
  log_level: debug
backend:
  chat:
    primary:
      backend: gemini
      api_key: test-key
storage:
  driver: file
  dir: ./discussions
`

const watcherBrokenYAML = `
server:
  log_level: bananas
`

// watcherFixture runs a Watcher over a temp config file with a fast poll
// interval and records every onChange invocation.
type watcherFixture struct {
	t    *testing.T
	path string
	w    *config.Watcher

	mu      sync.Mutex
	changes []struct{ old, updated *config.Config }
	fired   chan struct{}
}

func newWatcherFixture(t *testing.T, initial string) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		t:     t,
		path:  filepath.Join(t.TempDir(), "config.yaml"),
		fired: make(chan struct{}, 8),
	}
	f.write(initial)

	w, err := config.NewWatcher(f.path, func(old, updated *config.Config) {
		f.mu.Lock()
		f.changes = append(f.changes, struct{ old, updated *config.Config }{old, updated})
		f.mu.Unlock()
		select {
		case f.fired <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	f.w = w
	t.Cleanup(w.Stop)
	return f
}

func (f *watcherFixture) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %q: %v", f.path, err)
	}
}

func (f *watcherFixture) changeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, watcherInfoYAML)

	cfg := f.w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_ReportsEdit(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, watcherInfoYAML)

	time.Sleep(100 * time.Millisecond)
	f.write(watcherDebugYAML)

	select {
	case <-f.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked within timeout")
	}

	f.mu.Lock()
	change := f.changes[0]
	f.mu.Unlock()

	if change.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want %q", change.old.Server.LogLevel, config.LogInfo)
	}
	if change.updated.Server.LogLevel != config.LogDebug {
		t.Errorf("updated log_level = %q, want %q", change.updated.Server.LogLevel, config.LogDebug)
	}
	if got := f.w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q, want %q", got, config.LogDebug)
	}
}

func TestWatcher_BadEditKeepsLastGoodConfig(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, watcherInfoYAML)

	time.Sleep(100 * time.Millisecond)
	f.write(watcherBrokenYAML)
	time.Sleep(300 * time.Millisecond)

	if n := f.changeCount(); n != 0 {
		t.Errorf("onChange fired %d times for an invalid edit, want 0", n)
	}
	if got := f.w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the pre-edit %q", got, config.LogInfo)
	}
}

func TestWatcher_TouchWithoutEditIsIgnored(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, watcherInfoYAML)

	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(f.path, now, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := f.changeCount(); n != 0 {
		t.Errorf("onChange fired %d times for a touch-only mtime bump, want 0", n)
	}
}

func TestWatcher_MissingFileFailsConstruction(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newWatcherFixture(t, watcherInfoYAML)

	f.w.Stop()
	f.w.Stop()
	f.w.Stop()
}
