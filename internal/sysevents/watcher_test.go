package sysevents

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"lantern/cli/internal/logging"
	"lantern/cli/internal/thoughts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordScheduler struct {
	mu    sync.Mutex
	items []thoughts.Thought
}

func (r *recordScheduler) Schedule(t thoughts.Thought) thoughts.Thought {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = "t"
	r.items = append(r.items, t)
	return t
}

func (r *recordScheduler) snapshot() []thoughts.Thought {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]thoughts.Thought(nil), r.items...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_BurstBecomesOneThought(t *testing.T) {
	dir := t.TempDir()
	sched := &recordScheduler{}
	w, err := New(Options{Scheduler: sched, Paths: []string{dir}, Debounce: 150 * time.Millisecond, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ".swap"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return len(sched.snapshot()) > 0 })
	time.Sleep(300 * time.Millisecond)

	items := sched.snapshot()
	if len(items) != 1 {
		t.Fatalf("expected one coalesced thought, got %d: %+v", len(items), items)
	}
	got := items[0]
	if got.Source != thoughts.SourceSystemEvent || got.FireDate.IsZero() {
		t.Fatalf("unexpected thought: %+v", got)
	}
	paths := got.Metadata["paths"]
	if !strings.Contains(paths, "a.txt") || !strings.Contains(paths, "b.txt") || strings.Contains(paths, ".swap") {
		t.Fatalf("unexpected paths metadata: %q", paths)
	}
	if !strings.Contains(got.Metadata["event"], "create") {
		t.Fatalf("unexpected event metadata: %q", got.Metadata["event"])
	}
}

func TestWatcher_MissingPathIsSkipped(t *testing.T) {
	w, err := New(Options{Scheduler: &recordScheduler{}, Paths: []string{filepath.Join(t.TempDir(), "missing")}, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start should tolerate missing paths: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestNew_RequiresScheduler(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without scheduler")
	}
}

func TestDescribe(t *testing.T) {
	if got := describe([]string{"/tmp/x/a"}, []string{"create"}); got != "File create: /tmp/x/a" {
		t.Fatalf("unexpected single description: %q", got)
	}
	got := describe([]string{"/home/u/docs/a", "/home/u/docs/sub/b"}, []string{"create", "modify"})
	if got != "2 files changed (create/modify) under /home/u/docs" {
		t.Fatalf("unexpected multi description: %q", got)
	}
}
