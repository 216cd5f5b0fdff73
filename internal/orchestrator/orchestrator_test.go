package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/historydb"
	"lantern/cli/internal/logging"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/thoughts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAPI struct {
	mu        sync.Mutex
	responses []*agentloop.Response
	errs      []error
	requests  []agentloop.Request
	gate      chan struct{}
	inflight  int
	maxFlight int
}

func (f *fakeAPI) request0Instructions() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[0].Instructions
}

func (f *fakeAPI) CreateResponse(ctx context.Context, req agentloop.Request) (*agentloop.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inflight++
	if f.inflight > f.maxFlight {
		f.maxFlight = f.inflight
	}
	gate := f.gate
	f.gate = nil
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	var resp *agentloop.Response
	if err == nil {
		resp = &agentloop.Response{Text: "done"}
		if len(f.responses) > 0 {
			resp = f.responses[0]
			f.responses = f.responses[1:]
		}
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return resp, err
}

func (f *fakeAPI) request(i int) agentloop.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []thoughts.Thought
	cancelled []string
	excluded  []string
}

func (f *fakeScheduler) Schedule(t thoughts.Thought) thoughts.Thought {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		t.ID = "thought-" + string(rune('a'+len(f.scheduled)))
	}
	f.scheduled = append(f.scheduled, t)
	return t
}

func (f *fakeScheduler) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeScheduler) List() []thoughts.Thought {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]thoughts.Thought(nil), f.scheduled...)
}

func (f *fakeScheduler) FindByIDOrPrefix(key string) (thoughts.Thought, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.scheduled {
		if strings.HasPrefix(t.ID, key) {
			return t, true
		}
	}
	return thoughts.Thought{}, false
}

func (f *fakeScheduler) Summary(_ time.Time, exclude []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded = append([]string(nil), exclude...)
	return "No other thoughts are scheduled."
}

type fakeSandbox struct {
	mu       sync.Mutex
	spawned  []sandbox.SpawnRequest
	spawnErr error
	results  []sandbox.QuestResult
}

func (f *fakeSandbox) Spawn(_ context.Context, req sandbox.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, req)
	return "quest-1", nil
}

func (f *fakeSandbox) Cancel(id string) bool { return id == "quest-1" }

func (f *fakeSandbox) List() []sandbox.QuestInfo { return nil }

func (f *fakeSandbox) Harvest() []sandbox.QuestResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.results
	f.results = nil
	return out
}

func (f *fakeSandbox) Status() string { return "No sub-agent is running." }

type fakeDelivery struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeDelivery) Deliver(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeDelivery) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeHistory struct {
	mu      sync.Mutex
	items   []historydb.Message
	nextID  int64
	cleared int
}

func (f *fakeHistory) Append(role, content, source string) (historydb.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := historydb.Message{ID: f.nextID, Role: role, Content: content, Source: source, CreatedAt: time.Now()}
	f.items = append(f.items, m)
	return m, nil
}

func (f *fakeHistory) Recent(limit int) ([]historydb.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historydb.Message(nil), f.items...), nil
}

func (f *fakeHistory) LatestID() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return 0, nil
	}
	return f.items[len(f.items)-1].ID, nil
}

func (f *fakeHistory) ClearThrough(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	for _, m := range f.items {
		if m.ID > id {
			kept = append(kept, m)
		}
	}
	f.items = kept
	f.cleared++
	return nil
}

type harness struct {
	orch     *Orchestrator
	api      *fakeAPI
	sched    *fakeScheduler
	sandbox  *fakeSandbox
	delivery *fakeDelivery
	history  *fakeHistory
	reports  chan TurnReport
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{
		api:      api,
		sched:    &fakeScheduler{},
		sandbox:  &fakeSandbox{},
		delivery: &fakeDelivery{},
		history:  &fakeHistory{},
		reports:  make(chan TurnReport, 16),
	}
	shared := agentloop.NewToolRegistry()
	if err := shared.Register(SchedulerTools(h.sched, nil)...); err != nil {
		t.Fatalf("register scheduler tools: %v", err)
	}
	orch, err := New(Options{
		API:        api,
		Model:      "test-model",
		Shared:     shared,
		Scheduler:  h.sched,
		Sandbox:    h.sandbox,
		Delivery:   h.delivery,
		History:    h.history,
		OnTurnDone: func(r TurnReport) { h.reports <- r },
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return h
}

func (h *harness) next(t *testing.T) TurnReport {
	t.Helper()
	select {
	case r := <-h.reports:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for turn")
		return TurnReport{}
	}
}

func toolCall(id, name, args string) agentloop.ToolCall {
	return agentloop.ToolCall{CallID: id, Name: name, Arguments: json.RawMessage(args)}
}

func thought(id string, src thoughts.Source) thoughts.Thought {
	return thoughts.Thought{ID: id, Content: "about " + id, Source: src, FireDate: time.Now()}
}

func outputFor(req agentloop.Request, callID string) string {
	for _, it := range req.Input {
		if it.Type == agentloop.ItemFunctionCallOutput && it.CallID == callID {
			return it.Output
		}
	}
	return ""
}

func TestOrchestrator_DeliversMessageFromToolLoop(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolDeliverMessage, `{"message":"time to stretch"}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceReminder)})
	r := h.next(t)
	if r.Err != nil || r.Delivered != "time to stretch" || r.Iterations != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if got := h.delivery.messages(); len(got) != 1 || got[0] != "time to stretch" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	first := api.request(0)
	if !strings.Contains(first.Instructions, "Reminder the user asked for: about t1") {
		t.Fatalf("trigger missing from instructions:\n%s", first.Instructions)
	}
	if len(h.sched.excluded) != 1 || h.sched.excluded[0] != "t1" {
		t.Fatalf("expected trigger excluded from summary, got %v", h.sched.excluded)
	}
	names := map[string]bool{}
	for _, spec := range first.Tools {
		names[spec.Name] = true
	}
	for _, want := range []string{toolDeliverMessage, toolStaySilent, toolSpawnSubagent, toolCheckSubagent, toolCancelSubagent, "schedule_thought"} {
		if !names[want] {
			t.Fatalf("tool %s missing from catalog", want)
		}
	}
}

func TestOrchestrator_StaySilentDeliversNothing(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolStaySilent, `{"reason":"nothing new"}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("hb", thoughts.SourceHeartbeat)})
	r := h.next(t)
	if !r.Silent || r.Delivered != "" {
		t.Fatalf("expected silent turn, got %+v", r)
	}
	if got := h.delivery.messages(); len(got) != 0 {
		t.Fatalf("expected no delivery, got %v", got)
	}
}

func TestOrchestrator_FinalTextWithoutDeliverIsNotEmitted(t *testing.T) {
	h := newHarness(t, &fakeAPI{responses: []*agentloop.Response{{Text: "I could say hi"}}})

	h.orch.Wake([]thoughts.Thought{thought("hb", thoughts.SourceHeartbeat)})
	if r := h.next(t); r.Delivered != "" {
		t.Fatalf("expected nothing delivered, got %+v", r)
	}
	if got := h.delivery.messages(); len(got) != 0 {
		t.Fatalf("expected no delivery, got %v", got)
	}
}

func TestOrchestrator_SecondDeliverIsToolError(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolDeliverMessage, `{"message":"one"}`)}},
		{ToolCalls: []agentloop.ToolCall{toolCall("c2", toolDeliverMessage, `{"message":"two"}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceFollowUp)})
	if r := h.next(t); r.Delivered != "one" {
		t.Fatalf("expected first message delivered, got %+v", r)
	}
	if out := outputFor(api.request(2), "c2"); !strings.Contains(out, "ALREADY_DELIVERED") {
		t.Fatalf("expected ALREADY_DELIVERED, got %q", out)
	}
}

func TestOrchestrator_ToolErrorsReturnAsData(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{
			toolCall("c1", "no_such_tool", `{}`),
			toolCall("c2", "schedule_thought", `{"content":"check","at":"whenever"}`),
		}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceFollowUp)})
	if r := h.next(t); r.Err != nil || r.ToolCalls != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	second := api.request(1)
	if out := outputFor(second, "c1"); !strings.Contains(out, "TOOL_NOT_FOUND") {
		t.Fatalf("expected TOOL_NOT_FOUND, got %q", out)
	}
	if out := outputFor(second, "c2"); !strings.Contains(out, "BAD_TIME") {
		t.Fatalf("expected BAD_TIME, got %q", out)
	}
	if len(h.sched.List()) != 0 {
		t.Fatalf("bad time must not schedule")
	}
}

func TestOrchestrator_SingleFlightMergesQueuedWakes(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{gate: gate}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("a", thoughts.SourceReminder)})
	deadline := time.Now().Add(2 * time.Second)
	for {
		api.mu.Lock()
		n := len(api.requests)
		api.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.orch.Wake([]thoughts.Thought{thought("b", thoughts.SourceSystemEvent)})
	h.orch.Wake([]thoughts.Thought{thought("c", thoughts.SourceFollowUp)})
	if !h.orch.Busy() {
		t.Fatalf("expected orchestrator busy")
	}
	close(gate)

	first := h.next(t)
	second := h.next(t)
	if len(first.Thoughts) != 1 || first.Thoughts[0].ID != "a" {
		t.Fatalf("unexpected first turn: %+v", first.Thoughts)
	}
	if len(second.Thoughts) != 2 || second.Thoughts[0].ID != "b" || second.Thoughts[1].ID != "c" {
		t.Fatalf("expected merged b,c turn, got %+v", second.Thoughts)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.maxFlight != 1 {
		t.Fatalf("turns overlapped: max in flight %d", api.maxFlight)
	}
	if len(api.requests) != 2 {
		t.Fatalf("expected exactly 2 reasoning calls, got %d", len(api.requests))
	}
}

func TestOrchestrator_ServiceErrorAbortsTurnAndContinues(t *testing.T) {
	api := &fakeAPI{
		errs: []error{errors.New("503 upstream")},
		responses: []*agentloop.Response{
			{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolDeliverMessage, `{"message":"back"}`)}},
			{Text: ""},
		},
	}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceHeartbeat)})
	if r := h.next(t); r.Err == nil || r.Delivered != "" {
		t.Fatalf("expected aborted turn, got %+v", r)
	}
	h.orch.Wake([]thoughts.Thought{thought("t2", thoughts.SourceHeartbeat)})
	if r := h.next(t); r.Err != nil || r.Delivered != "back" {
		t.Fatalf("expected recovered turn, got %+v", r)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.requests) != 3 {
		t.Fatalf("expected no retry of the failed call, got %d requests", len(api.requests))
	}
}

func TestOrchestrator_SessionSaveClearsHistory(t *testing.T) {
	h := newHarness(t, &fakeAPI{})
	_, _ = h.history.Append(historydb.RoleUser, "hello", "user")

	h.orch.Wake([]thoughts.Thought{thought("save", thoughts.SourceSessionSave)})
	h.next(t)
	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	if h.history.cleared != 1 || len(h.history.items) != 0 {
		t.Fatalf("expected history cleared once, got cleared=%d items=%d", h.history.cleared, len(h.history.items))
	}
	if !strings.Contains(h.api.request(0).Instructions, "about to be cleared") {
		t.Fatalf("expected session-save framing in prompt")
	}
}

func TestOrchestrator_SessionSaveKeepsMessagesFromDuringTurn(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{gate: gate}
	h := newHarness(t, api)
	_, _ = h.history.Append(historydb.RoleUser, "old chat", "user")

	h.orch.Wake([]thoughts.Thought{thought("save", thoughts.SourceSessionSave)})
	deadline := time.Now().Add(2 * time.Second)
	for len(api.request0Instructions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session-save turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.orch.Converse("are you there?"); err != nil {
		t.Fatalf("converse: %v", err)
	}
	close(gate)

	first := h.next(t)
	if len(first.Thoughts) != 1 || first.Thoughts[0].ID != "save" {
		t.Fatalf("unexpected first turn: %+v", first)
	}
	h.history.mu.Lock()
	kept := append([]historydb.Message(nil), h.history.items...)
	h.history.mu.Unlock()
	if len(kept) != 1 || kept[0].Content != "are you there?" {
		t.Fatalf("expected the in-flight message kept, got %+v", kept)
	}
	second := h.next(t)
	if len(second.Messages) != 1 || second.Messages[0] != "are you there?" {
		t.Fatalf("expected the message answered next, got %+v", second)
	}
}

func TestOrchestrator_ConverseUsesConversationMode(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolDeliverMessage, `{"message":"hey!"}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	if err := h.orch.Converse("   "); err == nil {
		t.Fatalf("expected empty message rejected")
	}
	if err := h.orch.Converse("hi there"); err != nil {
		t.Fatalf("converse: %v", err)
	}
	r := h.next(t)
	if len(r.Messages) != 1 || r.Delivered != "hey!" {
		t.Fatalf("unexpected report: %+v", r)
	}
	first := api.request(0)
	if !strings.Contains(first.Instructions, "talking to you directly") || !strings.Contains(first.Instructions, "user (") {
		t.Fatalf("expected conversation prompt with history:\n%s", first.Instructions)
	}
	if len(first.Input) != 1 || !strings.Contains(first.Input[0].Text, "hi there") {
		t.Fatalf("unexpected seed input: %+v", first.Input)
	}
}

func TestOrchestrator_SpawnDelegatesToSandbox(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolSpawnSubagent, `{"goal":"tidy downloads","timeout_minutes":5}`)}},
		{ToolCalls: []agentloop.ToolCall{toolCall("c2", toolSpawnSubagent, `{"goal":"again"}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceFollowUp)})
	h.next(t)
	h.sandbox.mu.Lock()
	spawned := append([]sandbox.SpawnRequest(nil), h.sandbox.spawned...)
	h.sandbox.mu.Unlock()
	if len(spawned) != 2 || spawned[0].Goal != "tidy downloads" || spawned[0].Timeout != 5*time.Minute {
		t.Fatalf("unexpected spawn requests: %+v", spawned)
	}
	if out := outputFor(api.request(1), "c1"); !strings.Contains(out, "quest-1") {
		t.Fatalf("expected spawn id in output, got %q", out)
	}
}

func TestSpawnError_MapsSentinels(t *testing.T) {
	cases := map[error]string{
		sandbox.ErrAlreadyRunning:                                 "ALREADY_RUNNING",
		sandbox.ErrNotProvisioned:                                 "SANDBOX_NOT_PROVISIONED",
		errors.Join(sandbox.ErrCreateFailed, errors.New("clone")): "CREATE_FAILED",
	}
	for err, want := range cases {
		if got := spawnError(err); !strings.HasPrefix(got.Message, want) {
			t.Fatalf("spawnError(%v) = %q, want prefix %q", err, got.Message, want)
		}
	}
}

func TestCheckSubagentHarvestsOnce(t *testing.T) {
	api := &fakeAPI{responses: []*agentloop.Response{
		{ToolCalls: []agentloop.ToolCall{toolCall("c1", toolCheckSubagent, `{}`)}},
		{ToolCalls: []agentloop.ToolCall{toolCall("c2", toolCheckSubagent, `{}`)}},
		{Text: ""},
	}}
	h := newHarness(t, api)
	h.sandbox.results = []sandbox.QuestResult{{ID: "q1", Goal: "g", Status: sandbox.StatusCompleted, Summary: "done"}}

	h.orch.Wake([]thoughts.Thought{thought("t1", thoughts.SourceFollowUp)})
	h.next(t)
	if out := outputFor(api.request(1), "c1"); !strings.Contains(out, `"q1"`) {
		t.Fatalf("expected harvested result, got %q", out)
	}
	if out := outputFor(api.request(2), "c2"); strings.Contains(out, `"q1"`) {
		t.Fatalf("result harvested twice: %q", out)
	}
}
