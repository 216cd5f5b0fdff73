package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"lantern/cli/internal/historydb"
	"lantern/cli/internal/logging"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/thoughts"
)

type memThoughts struct {
	mu    sync.Mutex
	items []thoughts.Thought
}

func (m *memThoughts) Schedule(t thoughts.Thought) thoughts.Thought {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = "generated-id"
	}
	m.items = append(m.items, t)
	return t
}

func (m *memThoughts) List() []thoughts.Thought {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]thoughts.Thought(nil), m.items...)
}

func (m *memThoughts) FindByIDOrPrefix(key string) (thoughts.Thought, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.items {
		if key != "" && strings.HasPrefix(t.ID, key) {
			return t, true
		}
	}
	return thoughts.Thought{}, false
}

func (m *memThoughts) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.items {
		if t.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return true
		}
	}
	return false
}

type memHistory struct {
	mu   sync.Mutex
	msgs []historydb.Message
	err  error
}

func (m *memHistory) Append(role, content, source string) (historydb.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return historydb.Message{}, m.err
	}
	msg := historydb.Message{ID: int64(len(m.msgs) + 1), Role: role, Content: content, Source: source, CreatedAt: time.Now()}
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *memHistory) Recent(limit int) ([]historydb.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) > limit {
		return append([]historydb.Message(nil), m.msgs[len(m.msgs)-limit:]...), nil
	}
	return append([]historydb.Message(nil), m.msgs...), nil
}

type fakeAgent struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAgent) Converse(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAgent) Busy() bool { return false }

type fakeQuests struct{}

func (fakeQuests) List() []sandbox.QuestInfo {
	return []sandbox.QuestInfo{{ID: "q1", Goal: "tidy"}}
}
func (fakeQuests) Status() string { return "Sub-agent q1 is running." }
func (fakeQuests) Pending() int   { return 2 }

type countingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (c *countingNotifier) Notify(body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, body)
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode response: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec.Code, env
}

func newTestServer() (*Server, *memThoughts, *memHistory, *fakeAgent) {
	th := &memThoughts{}
	hist := &memHistory{}
	agent := &fakeAgent{}
	srv := NewServer(Deps{Thoughts: th, History: hist, Agent: agent, Quests: fakeQuests{}, Logger: logging.Discard()})
	return srv, th, hist, agent
}

func TestServer_Health(t *testing.T) {
	srv, _, _, _ := newTestServer()
	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if code != http.StatusOK || !env.OK || !strings.Contains(string(env.Data), `"status":"ok"`) {
		t.Fatalf("unexpected health: %d %s", code, env.Data)
	}
}

func TestServer_ListAndCancelThoughts(t *testing.T) {
	srv, th, _, _ := newTestServer()
	th.Schedule(thoughts.Thought{ID: "abc123", Content: "water", Source: thoughts.SourceReminder, RepeatInterval: time.Hour})

	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/thoughts", "")
	if code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	var listed []thoughtDTO
	if err := json.Unmarshal(env.Data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "abc123" || listed[0].RepeatSeconds != 3600 {
		t.Fatalf("unexpected list: %+v", listed)
	}

	if code, _ := doJSON(t, srv.Handler(), http.MethodDelete, "/api/v1/thoughts/abc", ""); code != http.StatusOK {
		t.Fatalf("cancel status %d", code)
	}
	if len(th.List()) != 0 {
		t.Fatalf("thought not cancelled")
	}
	code, env = doJSON(t, srv.Handler(), http.MethodDelete, "/api/v1/thoughts/abc", "")
	if code != http.StatusNotFound || env.Error.Code != "THOUGHT_NOT_FOUND" {
		t.Fatalf("expected not found, got %d %+v", code, env)
	}
}

func TestServer_PostMessageQueuesTurn(t *testing.T) {
	srv, _, _, agent := newTestServer()

	code, _ := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/conversation", `{"text":"hello"}`)
	if code != http.StatusAccepted {
		t.Fatalf("post status %d", code)
	}
	if len(agent.sent) != 1 || agent.sent[0] != "hello" {
		t.Fatalf("unexpected agent input: %v", agent.sent)
	}
	code, env := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/conversation", `{"text":"  "}`)
	if code != http.StatusBadRequest || env.Error.Code != "INVALID_MESSAGE" {
		t.Fatalf("expected INVALID_MESSAGE, got %d %+v", code, env)
	}
	code, env = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/conversation", `{"txt":"x"}`)
	if code != http.StatusBadRequest || env.Error.Code != "INVALID_JSON" {
		t.Fatalf("expected INVALID_JSON, got %d %+v", code, env)
	}
}

func TestServer_ConversationHonorsLimit(t *testing.T) {
	srv, _, hist, _ := newTestServer()
	for _, text := range []string{"one", "two", "three"} {
		_, _ = hist.Append(historydb.RoleUser, text, "user")
	}
	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/conversation?limit=2", "")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	var msgs []historydb.Message
	if err := json.Unmarshal(env.Data, &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if code, _ := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/conversation?limit=x", ""); code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid limit, got %d", code)
	}
}

func TestServer_ClearSchedulesSessionSave(t *testing.T) {
	srv, th, _, _ := newTestServer()
	code, _ := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/conversation/clear", "")
	if code != http.StatusAccepted {
		t.Fatalf("clear status %d", code)
	}
	items := th.List()
	if len(items) != 1 || items[0].Source != thoughts.SourceSessionSave {
		t.Fatalf("expected one session_save thought, got %+v", items)
	}
}

func TestServer_Quests(t *testing.T) {
	srv, _, _, _ := newTestServer()
	code, env := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/quests", "")
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"pending_results":2`) || !strings.Contains(string(env.Data), `"q1"`) {
		t.Fatalf("unexpected quests: %d %s", code, env.Data)
	}
}

func TestDelivery_NotifiesWithoutVisibleClient(t *testing.T) {
	hist := &memHistory{}
	n := &countingNotifier{}
	d := NewDelivery(hist, NewHub(logging.Discard()), n, logging.Discard())

	if err := d.Deliver(context.Background(), "stretch"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(hist.msgs) != 1 || hist.msgs[0].Role != historydb.RoleAssistant || hist.msgs[0].Source != sourceAgent {
		t.Fatalf("unexpected history: %+v", hist.msgs)
	}
	if n.count() != 1 {
		t.Fatalf("expected one notification, got %d", n.count())
	}
}

func TestDelivery_HistoryFailureIsReturned(t *testing.T) {
	n := &countingNotifier{}
	d := NewDelivery(&memHistory{err: errors.New("disk full")}, nil, n, logging.Discard())
	if err := d.Deliver(context.Background(), "x"); err == nil {
		t.Fatalf("expected history error")
	}
	if n.count() != 0 {
		t.Fatalf("must not notify when history append fails")
	}
}

func TestDelivery_VisibleClientGetsBroadcastInsteadOfNotification(t *testing.T) {
	srv, _, _, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"visibility","visible":true}`)); err != nil {
		t.Fatalf("write visibility: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !srv.Hub().HasVisibleClient() {
		if time.Now().After(deadline) {
			t.Fatalf("client never became visible")
		}
		time.Sleep(10 * time.Millisecond)
	}

	n := &countingNotifier{}
	d := NewDelivery(&memHistory{}, srv.Hub(), n, logging.Discard())
	if err := d.Deliver(ctx, "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read ws failed: %v", err)
		}
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Type == "conversation.updated" {
			break
		}
	}
	if n.count() != 0 {
		t.Fatalf("visible client must suppress notifications")
	}
}
