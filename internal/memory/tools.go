package memory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"lantern/cli/internal/agentloop"
)

type readInput struct {
	Name string `json:"name" jsonschema_description:"Memory file name relative to the memory root, e.g. profile.md or people/alex.md."`
}

type writeInput struct {
	Name    string `json:"name" jsonschema_description:"Memory file name relative to the memory root."`
	Content string `json:"content" jsonschema_description:"Full new content of the file."`
}

type journalInput struct {
	Entry string `json:"entry" jsonschema_description:"One short line to append to today's journal."`
}

type listInput struct{}

// Tools exposes the store as shared tools.
func Tools(s *Store, now func() time.Time) []agentloop.Tool {
	if now == nil {
		now = time.Now
	}
	return []agentloop.Tool{
		agentloop.NewFuncTool("memory_read", "Read one durable memory file.",
			func(_ context.Context, in readInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				content, err := s.Read(in.Name)
				if err != nil {
					return agentloop.ToolOutput{}, memoryError(err)
				}
				return agentloop.TextOutput(content), nil
			}),
		agentloop.NewFuncTool("memory_write", "Create or replace a durable memory file.",
			func(_ context.Context, in writeInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				name, err := s.Write(in.Name, in.Content)
				if err != nil {
					return agentloop.ToolOutput{}, memoryError(err)
				}
				return agentloop.TextOutput("saved " + name), nil
			}),
		agentloop.NewFuncTool("memory_append_journal", "Append a line to today's journal.",
			func(_ context.Context, in journalInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				name, err := s.AppendJournal(now(), in.Entry)
				if err != nil {
					return agentloop.ToolOutput{}, memoryError(err)
				}
				return agentloop.TextOutput("appended to " + name), nil
			}),
		agentloop.NewFuncTool("memory_list", "List durable memory files with size and age.",
			func(_ context.Context, _ listInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				files, err := s.List()
				if err != nil {
					return agentloop.ToolOutput{}, memoryError(err)
				}
				type row struct {
					Name    string `json:"name"`
					Size    string `json:"size"`
					Changed string `json:"changed"`
				}
				rows := make([]row, 0, len(files))
				for _, f := range files {
					rows = append(rows, row{Name: f.Name, Size: humanize.Bytes(uint64(f.Size)), Changed: humanize.Time(f.Modified)})
				}
				raw, _ := json.Marshal(rows)
				return agentloop.TextOutput(string(raw)), nil
			}),
	}
}

func memoryError(err error) *agentloop.ToolError {
	switch {
	case errors.Is(err, ErrInvalidName):
		return agentloop.NewToolError("INVALID_NAME", "Use a relative file name inside the memory root.")
	case errors.Is(err, os.ErrNotExist):
		return agentloop.NewToolError("NOT_FOUND", "Call memory_list to see existing files.")
	default:
		return agentloop.NewToolError(err.Error(), "")
	}
}
