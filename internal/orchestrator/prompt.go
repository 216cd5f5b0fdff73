package orchestrator

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"lantern/cli/internal/thoughts"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

type promptTrigger struct {
	Framing string
	Content string
	Meta    string
}

type promptMessage struct {
	Role    string
	When    string
	Content string
}

type promptData struct {
	Persona      string
	Now          string
	TimeOfDay    string
	Triggers     []promptTrigger
	Scheduled    string
	SubAgent     string
	Conversation []promptMessage
	Memory       string
	SessionSave  bool
}

func (o *Orchestrator) buildPrompt(now time.Time, req wakeRequest) (string, error) {
	data := promptData{
		Persona:     o.persona(),
		Now:         now.Format("Monday, January 2, 2006 15:04 MST"),
		TimeOfDay:   timeOfDay(now),
		SubAgent:    "Sub-agents are not available.",
		SessionSave: hasSource(req.thoughts, thoughts.SourceSessionSave),
	}
	exclude := make([]string, 0, len(req.thoughts))
	for _, t := range req.thoughts {
		exclude = append(exclude, t.ID)
		data.Triggers = append(data.Triggers, promptTrigger{
			Framing: framing(t.Source),
			Content: t.Content,
			Meta:    formatMeta(t.Metadata),
		})
	}
	data.Scheduled = o.opts.Scheduler.Summary(now, exclude)
	if o.opts.Sandbox != nil {
		data.SubAgent = o.opts.Sandbox.Status()
	}
	if o.opts.History != nil {
		recent, err := o.opts.History.Recent(o.opts.ConversationWindow)
		if err != nil {
			o.logger.Warn("load conversation failed", "err", err)
		}
		for _, m := range recent {
			data.Conversation = append(data.Conversation, promptMessage{
				Role:    m.Role,
				When:    humanize.RelTime(m.CreatedAt, now, "ago", "from now"),
				Content: m.Content,
			})
		}
	}
	if o.opts.Memory != nil {
		data.Memory = o.opts.Memory.Excerpt(now, o.opts.MemoryBudget)
	}

	name := "wake.tmpl"
	if len(req.messages) > 0 {
		name = "conversation.tmpl"
	}
	var b strings.Builder
	if err := promptTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

func (o *Orchestrator) persona() string {
	if p := strings.TrimSpace(o.opts.Persona); p != "" {
		return p
	}
	var b strings.Builder
	_ = promptTemplates.ExecuteTemplate(&b, "persona.tmpl", nil)
	return strings.TrimSpace(b.String())
}

func timeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 5:
		return "late night"
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	case h < 22:
		return "evening"
	default:
		return "night"
	}
}

func framing(src thoughts.Source) string {
	switch src {
	case thoughts.SourceReminder:
		return "Reminder the user asked for"
	case thoughts.SourceHeartbeat:
		return "Routine check-in"
	case thoughts.SourceSystemEvent:
		return "Something changed on the computer"
	case thoughts.SourceFollowUp:
		return "Follow-up you scheduled"
	case thoughts.SourceBoot:
		return "Just started up"
	case thoughts.SourceSessionSave:
		return "Conversation is being cleared"
	default:
		return string(src)
	}
}

func formatMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, ", ")
}
