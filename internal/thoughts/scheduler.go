package thoughts

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lantern/cli/internal/global"
)

const (
	DefaultCoalesceWindow = 500 * time.Millisecond
	DefaultHeartbeatMin   = 30 * time.Minute
	DefaultHeartbeatMax   = 90 * time.Minute

	heartbeatContent = "Caring cycle: look around, check on open threads, and decide whether anything deserves attention."
)

type Options struct {
	Persister      Persister
	Logger         *slog.Logger
	CoalesceWindow time.Duration
	HeartbeatMin   time.Duration
	HeartbeatMax   time.Duration
	// PastDuePolicy is global.PastDueDiscard, global.PastDueFire or
	// global.PastDueRollForward.
	PastDuePolicy string
	Now           func() time.Time
	// Jitter returns a value in [0, n); defaults to math/rand.
	Jitter func(n int64) int64
}

type entry struct {
	thought Thought
	timer   *time.Timer
}

type Scheduler struct {
	persister Persister
	logger    *slog.Logger
	window    time.Duration
	hbMin     time.Duration
	hbMax     time.Duration
	pastDue   string
	now       func() time.Time
	jitter    func(n int64) int64

	mu      sync.RWMutex
	entries map[string]*entry
	version uint64
	closed  bool

	persistMu    sync.Mutex
	savedVersion uint64

	batchMu    sync.Mutex
	pending    []Thought
	flushTimer *time.Timer
	flushGen   uint64
	handler    BatchHandler

	hbMu    sync.Mutex
	hbTimer *time.Timer
	hbGen   uint64
}

type LoadResult struct {
	Armed     int
	Discarded int
	Fired     int
	// Rolled counts repeating thoughts moved to their next future occurrence.
	Rolled int
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		persister: opts.Persister,
		logger:    opts.Logger,
		window:    opts.CoalesceWindow,
		hbMin:     opts.HeartbeatMin,
		hbMax:     opts.HeartbeatMax,
		pastDue:   opts.PastDuePolicy,
		now:       opts.Now,
		jitter:    opts.Jitter,
		entries:   map[string]*entry{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "thoughts")
	if s.window <= 0 {
		s.window = DefaultCoalesceWindow
	}
	if s.hbMin <= 0 {
		s.hbMin = DefaultHeartbeatMin
	}
	if s.hbMax <= 0 {
		s.hbMax = DefaultHeartbeatMax
	}
	if s.hbMax < s.hbMin {
		s.hbMax = s.hbMin
	}
	switch s.pastDue {
	case global.PastDueFire, global.PastDueRollForward:
	default:
		s.pastDue = global.PastDueDiscard
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.jitter == nil {
		s.jitter = rand.Int64N
	}
	return s
}

func (s *Scheduler) SetBatchHandler(h BatchHandler) {
	s.batchMu.Lock()
	s.handler = h
	waiting := len(s.pending) > 0 && s.flushTimer == nil
	s.batchMu.Unlock()
	if waiting {
		s.flush(0)
	}
}

// Schedule stores t and arms its timer. Missing id, source, fire date and
// creation time are filled in; the stored thought is returned.
func (s *Scheduler) Schedule(t Thought) Thought {
	now := s.now()
	t = t.clone()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.Source == "" {
		t.Source = SourceFollowUp
	}
	if t.FireDate.IsZero() {
		t.FireDate = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("schedule after close ignored", "thought_id", t.ID)
		return t
	}
	if old, ok := s.entries[t.ID]; ok {
		old.timer.Stop()
	}
	s.armLocked(t, now)
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("thought scheduled", "thought_id", t.ID, "source", t.Source, "fire_date", t.FireDate)
	s.persist(version, snapshot)
	return t
}

// Cancel disarms and removes id. Unknown ids are a no-op.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(s.entries, id)
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("thought cancelled", "thought_id", id)
	s.persist(version, snapshot)
	return true
}

// List returns the scheduled thoughts ordered by fire date.
func (s *Scheduler) List() []Thought {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// FindByIDOrPrefix matches an exact id first, then a unique id prefix.
func (s *Scheduler) FindByIDOrPrefix(key string) (Thought, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Thought{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return e.thought.clone(), true
	}
	var found *entry
	for id, e := range s.entries {
		if !strings.HasPrefix(id, key) {
			continue
		}
		if found != nil {
			return Thought{}, false
		}
		found = e
	}
	if found == nil {
		return Thought{}, false
	}
	return found.thought.clone(), true
}

// Load replaces the in-memory store with the persisted one. Past-due
// thoughts follow the past-due policy; a repeating past-due thought is rolled
// forward to its next future occurrence instead of being dropped.
func (s *Scheduler) Load() LoadResult {
	var res LoadResult
	if s.persister == nil {
		return res
	}
	items, err := s.persister.LoadThoughts()
	if err != nil {
		s.logger.Warn("load thoughts failed, starting empty", "err", err)
		items = nil
	}
	now := s.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res
	}
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	for _, t := range items {
		if strings.TrimSpace(t.ID) == "" {
			res.Discarded++
			continue
		}
		if t.FireDate.After(now) {
			s.armLocked(t.clone(), now)
			res.Armed++
			continue
		}
		switch {
		case s.pastDue == global.PastDueFire:
			s.armLocked(t.clone(), now)
			res.Fired++
		case s.pastDue == global.PastDueRollForward && t.Repeating():
			next := t.clone()
			next.FireDate = nextOccurrence(next.FireDate, next.RepeatInterval, now)
			s.armLocked(next, now)
			res.Rolled++
		default:
			res.Discarded++
		}
	}
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("thoughts reloaded", "armed", res.Armed, "discarded", res.Discarded, "fired", res.Fired, "rolled", res.Rolled)
	if res.Discarded > 0 || res.Fired > 0 || res.Rolled > 0 {
		s.persist(version, snapshot)
	}
	return res
}

// nextOccurrence returns the first fire date strictly after now on the
// grid fireDate + k*interval.
func nextOccurrence(fireDate time.Time, interval time.Duration, now time.Time) time.Time {
	if fireDate.After(now) {
		return fireDate
	}
	missed := now.Sub(fireDate)/interval + 1
	return fireDate.Add(missed * interval)
}

func (s *Scheduler) StartHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbTimer != nil {
		return
	}
	s.armHeartbeatLocked()
}

func (s *Scheduler) StopHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	s.hbGen++
}

// Close disarms every timer. Pending batches are dropped.
func (s *Scheduler) Close() {
	s.StopHeartbeat()

	s.mu.Lock()
	s.closed = true
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.mu.Unlock()

	s.batchMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushGen++
	s.pending = nil
	s.batchMu.Unlock()
}

// Summary renders the scheduled thoughts not listed in exclude, one per line.
func (s *Scheduler) Summary(now time.Time, exclude []string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var b strings.Builder
	for _, t := range s.List() {
		if _, ok := skip[t.ID]; ok {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %s", shortID(t.ID), t.Content, t.Source, humanize.RelTime(t.FireDate, now, "ago", "from now"))
		if t.Repeating() {
			fmt.Fprintf(&b, ", every %s", t.RepeatInterval)
		}
		b.WriteString(")\n")
	}
	if b.Len() == 0 {
		return "No other thoughts are scheduled."
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Scheduler) armLocked(t Thought, now time.Time) {
	delay := t.FireDate.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e := &entry{thought: t}
	e.timer = time.AfterFunc(delay, func() { s.fire(t.ID, e) })
	s.entries[t.ID] = e
}

func (s *Scheduler) fire(id string, e *entry) {
	s.mu.Lock()
	if s.closed || s.entries[id] != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	fired := e.thought
	firedAt := s.now()
	if fired.Repeating() {
		next := fired.clone()
		next.ID = uuid.NewString()
		next.FireDate = firedAt.Add(fired.RepeatInterval)
		next.CreatedAt = firedAt
		s.armLocked(next, firedAt)
	}
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("thought fired", "thought_id", id, "source", fired.Source)
	s.persist(version, snapshot)
	s.enqueue(fired)
}

func (s *Scheduler) enqueue(t Thought) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.pending = append(s.pending, t)
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushGen++
	gen := s.flushGen
	s.flushTimer = time.AfterFunc(s.window, func() { s.flush(gen) })
}

// flush hands the pending batch to the handler. gen 0 flushes unconditionally.
func (s *Scheduler) flush(gen uint64) {
	s.batchMu.Lock()
	if gen != 0 && gen != s.flushGen {
		s.batchMu.Unlock()
		return
	}
	s.flushTimer = nil
	handler := s.handler
	if handler == nil {
		s.batchMu.Unlock()
		s.logger.Warn("batch ready without handler, keeping pending")
		return
	}
	batch := s.pending
	s.pending = nil
	s.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}
	s.logger.Info("thought batch flushed", "size", len(batch))
	handler(batch)
}

func (s *Scheduler) armHeartbeatLocked() {
	gen := s.hbGen
	s.hbTimer = time.AfterFunc(s.nextHeartbeat(), func() { s.heartbeat(gen) })
}

func (s *Scheduler) heartbeat(gen uint64) {
	s.hbMu.Lock()
	if s.hbTimer == nil || gen != s.hbGen {
		s.hbMu.Unlock()
		return
	}
	s.armHeartbeatLocked()
	s.hbMu.Unlock()

	s.Schedule(Thought{
		Content:  heartbeatContent,
		Source:   SourceHeartbeat,
		FireDate: s.now(),
	})
}

func (s *Scheduler) nextHeartbeat() time.Duration {
	span := int64(s.hbMax - s.hbMin)
	if span <= 0 {
		return s.hbMin
	}
	return s.hbMin + time.Duration(s.jitter(span+1))
}

func (s *Scheduler) sortedLocked() []Thought {
	out := make([]Thought, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.thought.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireDate.Equal(out[j].FireDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireDate.Before(out[j].FireDate)
	})
	return out
}

func (s *Scheduler) snapshotLocked() (uint64, []Thought) {
	s.version++
	return s.version, s.sortedLocked()
}

// persist saves snapshot unless a newer one was already written.
func (s *Scheduler) persist(version uint64, snapshot []Thought) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version <= s.savedVersion {
		return
	}
	if err := s.persister.SaveThoughts(snapshot); err != nil {
		s.logger.Warn("persist thoughts failed", "err", err, "count", len(snapshot))
		return
	}
	s.savedVersion = version
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
