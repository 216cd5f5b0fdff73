package thoughts

import (
	"strings"
	"time"
)

// Source frames a thought for the prompt; scheduling ignores it.
type Source string

const (
	SourceReminder    Source = "reminder"
	SourceHeartbeat   Source = "heartbeat"
	SourceSystemEvent Source = "system_event"
	SourceFollowUp    Source = "follow_up"
	SourceBoot        Source = "boot"
	SourceSessionSave Source = "session_save"
)

// ParseSource maps a wire value to a Source; unknown values are rejected.
func ParseSource(raw string) (Source, bool) {
	switch s := Source(strings.TrimSpace(strings.ToLower(raw))); s {
	case SourceReminder, SourceHeartbeat, SourceSystemEvent, SourceFollowUp, SourceBoot, SourceSessionSave:
		return s, true
	default:
		return "", false
	}
}

type Thought struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Source         Source            `json:"source"`
	FireDate       time.Time         `json:"fire_date"`
	RepeatInterval time.Duration     `json:"repeat_interval,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (t Thought) Repeating() bool {
	return t.RepeatInterval > 0
}

func (t Thought) clone() Thought {
	if t.Metadata != nil {
		meta := make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

// Persister stores the full set of scheduled thoughts.
type Persister interface {
	LoadThoughts() ([]Thought, error)
	SaveThoughts([]Thought) error
}

// BatchHandler receives coalesced firings in fire order.
type BatchHandler func([]Thought)
