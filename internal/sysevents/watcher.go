package sysevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"lantern/cli/internal/thoughts"
)

const (
	defaultDebounce = 2 * time.Second
	maxWaitFactor   = 10
)

type Scheduler interface {
	Schedule(t thoughts.Thought) thoughts.Thought
}

type pendingEvent struct {
	last time.Time
	ops  map[string]struct{}
}

// Watcher turns file system changes under the configured paths into
// system_event thoughts. Pending changes settle once no path has changed for
// Debounce, or after maxWaitFactor debounces from the first change; every
// settled batch becomes one thought.
type Watcher struct {
	scheduler Scheduler
	paths     []string
	debounce  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]*pendingEvent
	first   time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

type Options struct {
	Scheduler Scheduler
	Paths     []string
	Debounce  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(opts Options) (*Watcher, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		scheduler: opts.Scheduler,
		paths:     append([]string(nil), opts.Paths...),
		debounce:  opts.Debounce,
		logger:    logger.With("module", "sysevents"),
		now:       opts.Now,
		pending:   map[string]*pendingEvent{},
	}, nil
}

// Start begins watching. Paths that cannot be watched are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	watched := 0
	for _, p := range w.paths {
		if err := fsw.Add(p); err != nil {
			w.logger.Warn("watch path failed", "path", p, "err", err)
			continue
		}
		watched++
	}
	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, fsw, w.done)
	w.logger.Info("watching for system events", "paths", watched, "debounce", w.debounce)
	return nil
}

// Stop ends the watch loop and drops unsettled events.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	w.pending = map[string]*pendingEvent{}
	w.first = time.Time{}
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	cancel()
	<-done
	if err := fsw.Close(); err != nil {
		w.logger.Warn("close watcher failed", "err", err)
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.record(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "err", err)
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "modify"
	case op.Has(fsnotify.Remove):
		return "delete"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return ""
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	name := opName(ev.Op)
	if name == "" || ignored(ev.Name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[ev.Name]
	if !ok {
		p = &pendingEvent{ops: map[string]struct{}{}}
		w.pending[ev.Name] = p
	}
	p.last = w.now()
	p.ops[name] = struct{}{}
	if w.first.IsZero() {
		w.first = p.last
	}
}

func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp")
}

func (w *Watcher) flushSettled() {
	now := w.now()
	w.mu.Lock()
	var latest time.Time
	for _, p := range w.pending {
		if p.last.After(latest) {
			latest = p.last
		}
	}
	if len(w.pending) == 0 || (now.Sub(latest) < w.debounce && now.Sub(w.first) < maxWaitFactor*w.debounce) {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	ops := map[string]struct{}{}
	for path, p := range w.pending {
		paths = append(paths, path)
		for op := range p.ops {
			ops[op] = struct{}{}
		}
	}
	w.pending = map[string]*pendingEvent{}
	w.first = time.Time{}
	w.mu.Unlock()
	sort.Strings(paths)
	events := make([]string, 0, len(ops))
	for op := range ops {
		events = append(events, op)
	}
	sort.Strings(events)

	t := w.scheduler.Schedule(thoughts.Thought{
		Content:  describe(paths, events),
		Source:   thoughts.SourceSystemEvent,
		FireDate: now,
		Metadata: map[string]string{
			"event": strings.Join(events, ","),
			"paths": strings.Join(paths, "\n"),
		},
	})
	w.logger.Info("system event scheduled", "thought_id", t.ID, "paths", len(paths), "events", events)
}

func describe(paths, events []string) string {
	verb := strings.Join(events, "/")
	if len(paths) == 1 {
		return fmt.Sprintf("File %s: %s", verb, paths[0])
	}
	return fmt.Sprintf("%d files changed (%s) under %s", len(paths), verb, commonDir(paths))
}

func commonDir(paths []string) string {
	dir := filepath.Dir(paths[0])
	for _, p := range paths[1:] {
		for !strings.HasPrefix(p, dir+string(filepath.Separator)) && dir != filepath.Dir(dir) {
			dir = filepath.Dir(dir)
		}
	}
	return dir
}
