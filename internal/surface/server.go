package surface

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lantern/cli/internal/historydb"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/thoughts"
)

const (
	maxBodyBytes          = 64 << 10
	defaultHistoryLimit   = 50
	sessionSaveThoughtMsg = "The user cleared the conversation. Save anything worth keeping to memory."
)

type ThoughtStore interface {
	Schedule(t thoughts.Thought) thoughts.Thought
	List() []thoughts.Thought
	FindByIDOrPrefix(key string) (thoughts.Thought, bool)
	Cancel(id string) bool
}

type History interface {
	Recent(limit int) ([]historydb.Message, error)
}

type Converser interface {
	Converse(text string) error
	Busy() bool
}

type Quests interface {
	List() []sandbox.QuestInfo
	Status() string
	Pending() int
}

type Deps struct {
	Thoughts ThoughtStore
	History  History
	Agent    Converser
	Quests   Quests
	Hub      *Hub
	Logger   *slog.Logger
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *Hub
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), hub: hub, logger: logger.With("module", "surface")}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/thoughts", s.handleListThoughts)
	s.mux.HandleFunc("DELETE /api/v1/thoughts/{id}", s.handleCancelThought)
	s.mux.HandleFunc("GET /api/v1/conversation", s.handleConversation)
	s.mux.HandleFunc("POST /api/v1/conversation", s.handlePostMessage)
	s.mux.HandleFunc("POST /api/v1/conversation/clear", s.handleClear)
	s.mux.HandleFunc("GET /api/v1/quests", s.handleQuests)
	s.mux.HandleFunc("GET /ws", hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{"status": "ok"}
	if s.deps.Agent != nil {
		data["busy"] = s.deps.Agent.Busy()
	}
	respondOK(w, data)
}

type thoughtDTO struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Source        string            `json:"source"`
	FireDate      time.Time         `json:"fire_date"`
	RepeatSeconds int64             `json:"repeat_seconds,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (s *Server) handleListThoughts(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Thoughts == nil {
		respondError(w, http.StatusServiceUnavailable, "SCHEDULER_UNAVAILABLE", "scheduler is not running")
		return
	}
	items := s.deps.Thoughts.List()
	out := make([]thoughtDTO, 0, len(items))
	for _, t := range items {
		out = append(out, thoughtDTO{
			ID:            t.ID,
			Content:       t.Content,
			Source:        string(t.Source),
			FireDate:      t.FireDate,
			RepeatSeconds: int64(t.RepeatInterval / time.Second),
			Metadata:      t.Metadata,
			CreatedAt:     t.CreatedAt,
		})
	}
	respondOK(w, out)
}

func (s *Server) handleCancelThought(w http.ResponseWriter, r *http.Request) {
	if s.deps.Thoughts == nil {
		respondError(w, http.StatusServiceUnavailable, "SCHEDULER_UNAVAILABLE", "scheduler is not running")
		return
	}
	t, ok := s.deps.Thoughts.FindByIDOrPrefix(r.PathValue("id"))
	if !ok || !s.deps.Thoughts.Cancel(t.ID) {
		respondError(w, http.StatusNotFound, "THOUGHT_NOT_FOUND", "no thought matches that id")
		return
	}
	respondOK(w, map[string]any{"id": t.ID, "cancelled": true})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "conversation history is not available")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := s.deps.History.Recent(limit)
	if err != nil {
		s.logger.Error("load conversation failed", "err", err)
		respondError(w, http.StatusInternalServerError, "HISTORY_READ_FAILED", err.Error())
		return
	}
	if msgs == nil {
		msgs = []historydb.Message{}
	}
	respondOK(w, msgs)
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		respondError(w, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", "agent is not running")
		return
	}
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if err := s.deps.Agent.Converse(req.Text); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
		return
	}
	s.hub.Publish("conversation.updated", nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "data": map[string]any{"queued": true}})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Thoughts == nil {
		respondError(w, http.StatusServiceUnavailable, "SCHEDULER_UNAVAILABLE", "scheduler is not running")
		return
	}
	t := s.deps.Thoughts.Schedule(thoughts.Thought{
		Content: sessionSaveThoughtMsg,
		Source:  thoughts.SourceSessionSave,
	})
	s.logger.Info("conversation clear requested", "thought_id", t.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "data": map[string]any{"thought_id": t.ID}})
}

func (s *Server) handleQuests(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Quests == nil {
		respondOK(w, map[string]any{"running": []sandbox.QuestInfo{}, "pending_results": 0, "status": "Sub-agents are not available."})
		return
	}
	running := s.deps.Quests.List()
	if running == nil {
		running = []sandbox.QuestInfo{}
	}
	respondOK(w, map[string]any{
		"running":         running,
		"pending_results": s.deps.Quests.Pending(),
		"status":          s.deps.Quests.Status(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
