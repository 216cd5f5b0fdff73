package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lantern/cli/internal/vm"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultTimeout      = 30 * time.Minute
	DefaultMaxTimeout   = 4 * time.Hour
	unknownGoal         = "unknown goal"
	vmNamePrefix        = "lantern-quest-"
)

type Options struct {
	Root                string
	Driver              Driver
	BaseImage           string
	PollInterval        time.Duration
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	DefaultModel        string
	DefaultMaxTurns     int
	DefaultMaxBudgetUSD float64
	// Credential returns the API key written into the goal artifact.
	Credential func() string
	Logger     *slog.Logger
	Now        func() time.Time
}

type activeRun struct {
	info      QuestInfo
	timeout   *time.Timer
	stopPoll  context.CancelFunc
	finalized bool
}

// Supervisor runs at most one sandboxed worker at a time.
type Supervisor struct {
	opts   Options
	files  layout
	driver Driver
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	active   *activeRun
	spawning bool
	// closed is set by KillAll; no run may start afterwards.
	closed bool

	harvestMu sync.Mutex
	polls     sync.WaitGroup
}

func NewSupervisor(opts Options) (*Supervisor, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("sandbox root is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("sandbox driver is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultMaxTimeout
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.DefaultMaxTurns <= 0 {
		opts.DefaultMaxTurns = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		opts:   opts,
		files:  layout{root: opts.Root},
		driver: opts.Driver,
		logger: logger.With("module", "sandbox"),
		now:    opts.Now,
	}
	if err := s.files.ensure(); err != nil {
		return nil, err
	}
	return s, nil
}

// Spawn starts a worker for req and returns the run id. On any failure no
// tracking record, shared directory or VM is left behind.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return "", errors.New("goal is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: supervisor is shut down", ErrCreateFailed)
	}
	if s.active != nil || s.spawning {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	s.spawning = true
	s.mu.Unlock()

	timeout := s.clampTimeout(req.Timeout)
	info, err := s.create(ctx, goal, req, timeout)
	if err != nil {
		s.mu.Lock()
		s.spawning = false
		s.mu.Unlock()
		return "", err
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	run := &activeRun{info: info, stopPoll: stopPoll}

	s.mu.Lock()
	s.spawning = false
	if s.closed {
		s.mu.Unlock()
		stopPoll()
		s.logger.Info("discarding sub-agent booted during shutdown", "quest_id", info.ID)
		s.destroy(info)
		_ = os.Remove(s.files.trackingPath(info.ID))
		return "", fmt.Errorf("%w: supervisor is shut down", ErrCreateFailed)
	}
	s.active = run
	run.timeout = time.AfterFunc(timeout, func() { s.onTimeout(run, timeout) })
	s.polls.Add(1)
	go s.poll(pollCtx, run)
	s.mu.Unlock()

	s.logger.Info("sub-agent spawned", "quest_id", info.ID, "vm", info.VMName, "timeout", timeout)
	return info.ID, nil
}

func (s *Supervisor) create(ctx context.Context, goal string, req SpawnRequest, timeout time.Duration) (QuestInfo, error) {
	ok, err := s.driver.ImageExists(s.opts.BaseImage)
	if err != nil {
		return QuestInfo{}, fmt.Errorf("%w: check base image: %w", ErrCreateFailed, err)
	}
	if !ok {
		return QuestInfo{}, ErrNotProvisioned
	}
	if err := ctx.Err(); err != nil {
		return QuestInfo{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	id := uuid.NewString()
	info := QuestInfo{
		ID:             id,
		Goal:           goal,
		Model:          firstNonEmpty(req.Model, s.opts.DefaultModel),
		MaxTurns:       req.MaxTurns,
		MaxBudgetUSD:   req.MaxBudgetUSD,
		TimeoutSeconds: int(timeout.Round(time.Second) / time.Second),
		StartedAt:      s.now().UTC(),
		VMName:         vmNamePrefix + id[:8],
	}
	if info.MaxTurns <= 0 {
		info.MaxTurns = s.opts.DefaultMaxTurns
	}
	if info.MaxBudgetUSD <= 0 {
		info.MaxBudgetUSD = s.opts.DefaultMaxBudgetUSD
	}

	cloned := false
	fail := func(step string, cause error) (QuestInfo, error) {
		if cloned {
			if err := s.driver.Delete(info.VMName); err != nil {
				s.logger.Warn("cleanup vm failed", "vm", info.VMName, "err", err)
			}
		}
		_ = os.RemoveAll(s.files.sharedDir(id))
		_ = os.Remove(s.files.trackingPath(id))
		s.logger.Warn("sub-agent spawn failed", "step", step, "err", cause)
		return QuestInfo{}, fmt.Errorf("%w: %s: %w", ErrCreateFailed, step, cause)
	}

	if err := writeJSON(s.files.trackingPath(id), info); err != nil {
		return fail("write tracking record", err)
	}
	shared := s.files.sharedDir(id)
	if err := os.MkdirAll(shared, 0o755); err != nil {
		return fail("create shared dir", err)
	}
	artifact := goalArtifact{
		ID:             id,
		Goal:           info.Goal,
		Model:          info.Model,
		MaxTurns:       info.MaxTurns,
		MaxBudgetUSD:   info.MaxBudgetUSD,
		TimeoutSeconds: info.TimeoutSeconds,
		CreatedAt:      info.StartedAt,
	}
	if s.opts.Credential != nil {
		artifact.APIKey = s.opts.Credential()
	}
	if err := writeJSON(filepath.Join(shared, goalFileName), artifact); err != nil {
		return fail("write goal artifact", err)
	}
	if err := s.driver.Clone(s.opts.BaseImage, info.VMName); err != nil {
		return fail("clone base image", err)
	}
	cloned = true
	if err := s.driver.Start(info.VMName, shared, filepath.Join(shared, consoleFileName)); err != nil {
		return fail("boot vm", err)
	}
	return info, nil
}

func (s *Supervisor) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = s.opts.DefaultTimeout
	}
	if d > s.opts.MaxTimeout {
		d = s.opts.MaxTimeout
	}
	return d
}

// Cancel finalizes the active run as cancelled when id matches it.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil || run.info.ID != strings.TrimSpace(id) {
		return false
	}
	return s.finalize(run, QuestResult{
		Status:  StatusCancelled,
		Summary: "Sub-agent was cancelled before it finished.",
	})
}

// List returns the tracking record of the active run, if any.
func (s *Supervisor) List() []QuestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return []QuestInfo{s.active.info}
}

// Harvest returns finished results and deletes them with their tracking
// records. Each result is returned once.
func (s *Supervisor) Harvest() []QuestResult {
	s.harvestMu.Lock()
	defer s.harvestMu.Unlock()

	ids, err := s.files.ids(resultsDirName)
	if err != nil {
		s.logger.Warn("list results failed", "err", err)
		return nil
	}
	out := make([]QuestResult, 0, len(ids))
	for _, id := range ids {
		path := s.files.resultPath(id)
		var res QuestResult
		if err := readJSON(path, &res); err != nil {
			res = QuestResult{Status: StatusErrored, Summary: "Result artifact was unreadable: " + err.Error()}
		}
		res.ID = id
		var info QuestInfo
		if err := readJSON(s.files.trackingPath(id), &info); err == nil && info.Goal != "" {
			res.Goal = info.Goal
		}
		if strings.TrimSpace(res.Goal) == "" {
			res.Goal = unknownGoal
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove result failed", "quest_id", id, "err", err)
			continue
		}
		_ = os.Remove(s.files.trackingPath(id))
		out = append(out, res)
	}
	if len(out) > 0 {
		s.logger.Info("sub-agent results harvested", "count", len(out))
	}
	return out
}

// Pending counts results waiting to be harvested.
func (s *Supervisor) Pending() int {
	ids, _ := s.files.ids(resultsDirName)
	return len(ids)
}

// Status summarizes the active run and unharvested results for prompts.
func (s *Supervisor) Status() string {
	var b strings.Builder
	s.mu.Lock()
	run := s.active
	spawning := s.spawning
	s.mu.Unlock()
	switch {
	case run != nil:
		info := run.info
		fmt.Fprintf(&b, "Sub-agent %s is running (started %s, timeout %s): %s",
			shortID(info.ID), humanize.RelTime(info.StartedAt, s.now(), "ago", "from now"),
			time.Duration(info.TimeoutSeconds)*time.Second, info.Goal)
	case spawning:
		b.WriteString("A sub-agent is starting.")
	default:
		b.WriteString("No sub-agent is running.")
	}
	if n := s.Pending(); n > 0 {
		fmt.Fprintf(&b, "\n%d finished sub-agent %s waiting to be checked.", n, pluralResult(n))
	}
	return b.String()
}

// KillAll stops the active worker without writing a result, so the next
// Recover reports it as interrupted.
func (s *Supervisor) KillAll(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	run := s.active
	if run != nil {
		run.finalized = true
		run.timeout.Stop()
		run.stopPoll()
		s.active = nil
	}
	s.mu.Unlock()

	if run != nil {
		s.logger.Info("killing active sub-agent", "quest_id", run.info.ID)
		s.destroy(run.info)
	}

	done := make(chan struct{})
	go func() {
		s.polls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Recover converts tracking records left by a previous process into
// results. A worker result still in the shared area is kept; otherwise the
// run is reported as interrupted.
func (s *Supervisor) Recover() int {
	ids, err := s.files.ids(trackingDirName)
	if err != nil {
		s.logger.Warn("list tracking records failed", "err", err)
		return 0
	}
	s.mu.Lock()
	activeID := ""
	if s.active != nil {
		activeID = s.active.info.ID
	}
	s.mu.Unlock()

	recovered := 0
	for _, id := range ids {
		if id == activeID || fileExists(s.files.resultPath(id)) {
			continue
		}
		var info QuestInfo
		if err := readJSON(s.files.trackingPath(id), &info); err != nil {
			info = QuestInfo{ID: id}
		}
		res, ok := s.readWorkerResult(info)
		if !ok {
			res = QuestResult{
				Status:  StatusInterrupted,
				Summary: "Sub-agent was interrupted when the previous process stopped.",
			}
		}
		res.ID = id
		res.Goal = info.Goal
		res.FinishedAt = s.now().UTC()
		if err := writeJSON(s.files.resultPath(id), res); err != nil {
			s.logger.Warn("write recovered result failed", "quest_id", id, "err", err)
			continue
		}
		if info.VMName != "" {
			s.destroy(info)
		} else {
			_ = os.RemoveAll(s.files.sharedDir(id))
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered sub-agent runs", "count", recovered)
	}
	return recovered
}

func (s *Supervisor) poll(ctx context.Context, run *activeRun) {
	defer s.polls.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state, err := s.driver.State(run.info.VMName)
		if err != nil {
			s.logger.Warn("poll vm state failed", "quest_id", run.info.ID, "err", err)
			continue
		}
		if state == vm.StateRunning {
			continue
		}
		res, ok := s.readWorkerResult(run.info)
		if !ok {
			res = QuestResult{Status: StatusErrored, Summary: s.diagnostic(run.info)}
		}
		s.finalize(run, res)
		return
	}
}

func (s *Supervisor) onTimeout(run *activeRun, after time.Duration) {
	s.finalize(run, QuestResult{
		Status:  StatusTimedOut,
		Summary: fmt.Sprintf("Sub-agent timed out after %s and was stopped.", after),
	})
}

// finalize is the single terminal path for a run. Only the first caller for
// a given run records a result.
func (s *Supervisor) finalize(run *activeRun, res QuestResult) bool {
	s.mu.Lock()
	if run.finalized || s.active != run {
		s.mu.Unlock()
		return false
	}
	run.finalized = true
	run.timeout.Stop()
	run.stopPoll()
	s.active = nil

	res.ID = run.info.ID
	res.Goal = run.info.Goal
	res.FinishedAt = s.now().UTC()
	if err := writeJSON(s.files.resultPath(res.ID), res); err != nil {
		s.logger.Warn("write result failed", "quest_id", res.ID, "err", err)
	}
	s.mu.Unlock()

	s.logger.Info("sub-agent finished", "quest_id", res.ID, "status", res.Status)
	s.destroy(run.info)
	return true
}

// destroy stops and deletes the VM and removes the shared directory.
func (s *Supervisor) destroy(info QuestInfo) {
	if info.VMName != "" {
		if err := s.driver.Stop(info.VMName); err != nil {
			s.logger.Debug("stop vm failed", "vm", info.VMName, "err", err)
		}
		if err := s.driver.Delete(info.VMName); err != nil {
			s.logger.Warn("delete vm failed", "vm", info.VMName, "err", err)
		}
	}
	if err := os.RemoveAll(s.files.sharedDir(info.ID)); err != nil {
		s.logger.Warn("remove shared dir failed", "quest_id", info.ID, "err", err)
	}
}

func (s *Supervisor) readWorkerResult(info QuestInfo) (QuestResult, bool) {
	var wr workerResult
	if err := readJSON(filepath.Join(s.files.sharedDir(info.ID), resultFileName), &wr); err != nil {
		return QuestResult{}, false
	}
	status := StatusCompleted
	switch strings.ToLower(strings.TrimSpace(wr.Status)) {
	case "errored", "error", "failed":
		status = StatusErrored
	}
	summary := strings.TrimSpace(wr.Summary)
	if summary == "" {
		summary = "Sub-agent finished without a summary."
	}
	return QuestResult{Status: status, Summary: summary, CostUSD: wr.CostUSD}, true
}

func (s *Supervisor) diagnostic(info QuestInfo) string {
	msg := "Sub-agent stopped without writing a result."
	shared := s.files.sharedDir(info.ID)
	out := tail(filepath.Join(shared, agentLogFileName), diagnosticTailBytes)
	if out == "" {
		out = tail(filepath.Join(shared, consoleFileName), diagnosticTailBytes)
	}
	if out != "" {
		msg += "\nLast output:\n" + out
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func pluralResult(n int) string {
	if n == 1 {
		return "result is"
	}
	return "results are"
}
