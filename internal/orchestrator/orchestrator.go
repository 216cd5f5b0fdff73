package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/historydb"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/thoughts"
)

const defaultTurnTimeout = 10 * time.Minute

// Scheduler is the part of thoughts.Scheduler the orchestrator reads and commands.
type Scheduler interface {
	Schedule(t thoughts.Thought) thoughts.Thought
	Cancel(id string) bool
	List() []thoughts.Thought
	FindByIDOrPrefix(key string) (thoughts.Thought, bool)
	Summary(now time.Time, exclude []string) string
}

// Sandbox is the part of sandbox.Supervisor the exclusive tools delegate to.
type Sandbox interface {
	Spawn(ctx context.Context, req sandbox.SpawnRequest) (string, error)
	Cancel(id string) bool
	List() []sandbox.QuestInfo
	Harvest() []sandbox.QuestResult
	Status() string
}

// Delivery receives the single outward message of a turn.
type Delivery interface {
	Deliver(ctx context.Context, text string) error
}

type History interface {
	Append(role, content, source string) (historydb.Message, error)
	Recent(limit int) ([]historydb.Message, error)
	LatestID() (int64, error)
	ClearThrough(id int64) error
}

type Memory interface {
	Excerpt(now time.Time, budget int) string
}

type Options struct {
	API                agentloop.API
	Model              string
	MaxIterations      int
	Shared             *agentloop.ToolRegistry
	Scheduler          Scheduler
	Sandbox            Sandbox
	Delivery           Delivery
	History            History
	Memory             Memory
	Persona            string
	ConversationWindow int
	MemoryBudget       int
	TurnTimeout        time.Duration
	// OnTurnDone observes every finished or aborted turn.
	OnTurnDone func(TurnReport)
	Logger     *slog.Logger
	Now        func() time.Time
}

// TurnReport describes one turn after it ended.
type TurnReport struct {
	Thoughts   []thoughts.Thought
	Messages   []string
	Delivered  string
	Silent     bool
	Iterations int
	ToolCalls  int
	Err        error
}

type wakeRequest struct {
	thoughts []thoughts.Thought
	messages []string
}

// Orchestrator runs at most one turn at a time. Requests that arrive while
// a turn runs are merged into the next turn in arrival order.
type Orchestrator struct {
	opts   Options
	loop   *agentloop.Loop
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	queue      []wakeRequest
	processing bool
	closed     bool
	turns      sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.API == nil {
		return nil, errors.New("reasoning api is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Shared == nil {
		opts.Shared = agentloop.NewToolRegistry()
	}
	if opts.ConversationWindow <= 0 {
		opts.ConversationWindow = 20
	}
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = 8000
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "orchestrator")
	return &Orchestrator{
		opts:   opts,
		loop:   agentloop.NewLoop(opts.API, opts.MaxIterations, logger),
		logger: logger,
		now:    opts.Now,
	}, nil
}

// Wake queues a batch of fired thoughts.
func (o *Orchestrator) Wake(batch []thoughts.Thought) {
	if len(batch) == 0 {
		return
	}
	o.enqueue(wakeRequest{thoughts: append([]thoughts.Thought(nil), batch...)})
}

// Converse records a direct user message and queues a turn for it.
func (o *Orchestrator) Converse(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message is empty")
	}
	if o.opts.History != nil {
		if _, err := o.opts.History.Append(historydb.RoleUser, text, "user"); err != nil {
			o.logger.Warn("append user message failed", "err", err)
		}
	}
	o.enqueue(wakeRequest{messages: []string{text}})
	return nil
}

// Busy reports whether a turn is running or queued.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// Close stops accepting requests and waits for the running turn.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) enqueue(req wakeRequest) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("wake after close dropped", "thoughts", len(req.thoughts), "messages", len(req.messages))
		return
	}
	o.queue = append(o.queue, req)
	if o.processing {
		o.mu.Unlock()
		o.logger.Debug("turn in progress, request queued")
		return
	}
	o.processing = true
	o.turns.Add(1)
	o.mu.Unlock()

	go o.drain()
}

func (o *Orchestrator) drain() {
	defer o.turns.Done()
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.processing = false
			o.mu.Unlock()
			return
		}
		var next wakeRequest
		for _, req := range o.queue {
			next.thoughts = append(next.thoughts, req.thoughts...)
			next.messages = append(next.messages, req.messages...)
		}
		o.queue = nil
		o.mu.Unlock()

		report := o.runTurn(next)
		if o.opts.OnTurnDone != nil {
			o.opts.OnTurnDone(report)
		}
	}
}
