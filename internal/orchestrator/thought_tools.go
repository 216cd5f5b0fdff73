package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/thoughts"
)

type scheduleInput struct {
	Content       string `json:"content" jsonschema_description:"What to think about when the thought fires."`
	At            string `json:"at,omitempty" jsonschema_description:"Absolute local time, RFC3339 or 'YYYY-MM-DD HH:MM'."`
	InMinutes     int    `json:"in_minutes,omitempty" jsonschema_description:"Minutes from now; used when at is empty."`
	RepeatMinutes int    `json:"repeat_minutes,omitempty" jsonschema_description:"Repeat every N minutes; zero fires once."`
	Source        string `json:"source,omitempty" jsonschema:"enum=follow_up,enum=reminder" jsonschema_description:"reminder when the user asked for it, otherwise follow_up."`
}

type cancelThoughtInput struct {
	ID string `json:"id" jsonschema_description:"Thought id or a unique prefix of it."`
}

type listThoughtsInput struct{}

type thoughtView struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Source        string            `json:"source"`
	FireDate      string            `json:"fire_date"`
	RepeatMinutes int               `json:"repeat_minutes,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SchedulerTools exposes follow-up scheduling to the reasoning loop. Times
// are validated here; the scheduler accepts any fire date.
func SchedulerTools(s Scheduler, now func() time.Time) []agentloop.Tool {
	if now == nil {
		now = time.Now
	}
	return []agentloop.Tool{
		agentloop.NewFuncTool("schedule_thought", "Schedule a future wake-up with a note to yourself.",
			func(_ context.Context, in scheduleInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				content := strings.TrimSpace(in.Content)
				if content == "" {
					return agentloop.ToolOutput{}, agentloop.NewToolError("EMPTY_CONTENT", "Describe what the thought is about in content.")
				}
				source := thoughts.SourceFollowUp
				if strings.TrimSpace(in.Source) != "" {
					parsed, ok := thoughts.ParseSource(in.Source)
					if !ok || (parsed != thoughts.SourceFollowUp && parsed != thoughts.SourceReminder) {
						return agentloop.ToolOutput{}, agentloop.NewToolError("BAD_SOURCE: "+in.Source, "Use follow_up or reminder.")
					}
					source = parsed
				}
				if in.RepeatMinutes < 0 || in.InMinutes < 0 {
					return agentloop.ToolOutput{}, agentloop.NewToolError("BAD_TIME: negative minutes", "Minutes must be zero or positive.")
				}
				current := now()
				fire, err := resolveFireDate(current, in.At, in.InMinutes)
				if err != nil {
					return agentloop.ToolOutput{}, agentloop.NewToolError("BAD_TIME: "+err.Error(), "Use RFC3339 like 2026-03-01T09:00:00+01:00, 'YYYY-MM-DD HH:MM', or in_minutes.")
				}
				t := s.Schedule(thoughts.Thought{
					Content:        content,
					Source:         source,
					FireDate:       fire,
					RepeatInterval: time.Duration(in.RepeatMinutes) * time.Minute,
				})
				return jsonOutput(toView(t))
			}),
		agentloop.NewFuncTool("cancel_thought", "Cancel a scheduled thought by id or id prefix.",
			func(_ context.Context, in cancelThoughtInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				t, ok := s.FindByIDOrPrefix(in.ID)
				if !ok {
					return agentloop.ToolOutput{}, agentloop.NewToolError("THOUGHT_NOT_FOUND: "+in.ID, "Call list_thoughts and pass a full id or a longer prefix.")
				}
				s.Cancel(t.ID)
				return agentloop.TextOutput("cancelled " + t.ID), nil
			}),
		agentloop.NewFuncTool("list_thoughts", "List every scheduled thought in fire order.",
			func(_ context.Context, _ listThoughtsInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				items := s.List()
				views := make([]thoughtView, 0, len(items))
				for _, t := range items {
					views = append(views, toView(t))
				}
				return jsonOutput(views)
			}),
	}
}

func resolveFireDate(now time.Time, at string, inMinutes int) (time.Time, error) {
	at = strings.TrimSpace(at)
	if at == "" {
		if inMinutes == 0 {
			return time.Time{}, fmt.Errorf("either at or in_minutes is required")
		}
		return now.Add(time.Duration(inMinutes) * time.Minute), nil
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, at, now.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q", at)
}

func toView(t thoughts.Thought) thoughtView {
	return thoughtView{
		ID:            t.ID,
		Content:       t.Content,
		Source:        string(t.Source),
		FireDate:      t.FireDate.Format(time.RFC3339),
		RepeatMinutes: int(t.RepeatInterval / time.Minute),
		Metadata:      t.Metadata,
	}
}

func jsonOutput(v any) (agentloop.ToolOutput, *agentloop.ToolError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return agentloop.ToolOutput{}, agentloop.NewToolError(err.Error(), "")
	}
	return agentloop.TextOutput(string(raw)), nil
}
