package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

const defaultShutdownTimeout = 15 * time.Second

type job struct {
	name string
	run  func(context.Context) error
}

// Manager runs long-lived jobs together and, once any of them ends or the
// context is cancelled, runs the shutdown jobs one by one in the order they
// were added.
type Manager struct {
	mu              sync.Mutex
	runJobs         []job
	shutdownJobs    []job
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func NewManager() *Manager {
	return &Manager{logger: slog.Default(), shutdownTimeout: defaultShutdownTimeout}
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger.With("module", "lifecycle")
	}
	return m
}

// WithShutdownTimeout bounds each shutdown job.
func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.shutdownTimeout = d
	}
	return m
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	m.add(&m.runJobs, name, fn)
}

func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	m.add(&m.shutdownJobs, name, fn)
}

func (m *Manager) add(list *[]job, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	*list = append(*list, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}
	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	m.mu.Lock()
	runJobs := append([]job(nil), m.runJobs...)
	shutdownJobs := append([]job(nil), m.shutdownJobs...)
	m.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		runErr error
	)
	for _, j := range runJobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := j.run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("run job failed", "job", j.name, "err", err)
				errMu.Lock()
				runErr = errors.Join(runErr, fmt.Errorf("run %s: %w", j.name, err))
				errMu.Unlock()
			}
			// Any job ending stops the others.
			cancelRuns()
		}()
	}
	wg.Wait()

	var shutdownErr error
	for _, j := range shutdownJobs {
		jobCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		err := j.run(jobCtx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("shutdown job failed", "job", j.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown %s: %w", j.name, err))
			continue
		}
		m.logger.Debug("shutdown job finished", "job", j.name)
	}
	return errors.Join(runErr, shutdownErr)
}
