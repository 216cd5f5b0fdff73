package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type ToolRegistry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: map[string]Tool{}}
}

func (r *ToolRegistry) Register(tools ...Tool) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		if tool == nil {
			return errors.New("tool is nil")
		}
		name := strings.TrimSpace(tool.Name())
		if name == "" {
			return errors.New("tool name is required")
		}
		if _, exists := r.byName[name]; exists {
			return fmt.Errorf("tool %q already registered", name)
		}
		r.byName[name] = tool
	}
	return nil
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[strings.TrimSpace(name)]
	return tool, ok
}

func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Specs returns tool specs sorted by name.
func (r *ToolRegistry) Specs() []ResponseToolSpec {
	names := r.Names()
	out := make([]ResponseToolSpec, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if tool, ok := r.byName[name]; ok {
			out = append(out, tool.Spec())
		}
	}
	return out
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (ToolOutput, *ToolError) {
	tool, ok := r.Get(name)
	if !ok {
		return ToolOutput{}, NewToolError("TOOL_NOT_FOUND", "Call one of the tools listed in this request.")
	}
	return tool.Execute(ctx, input)
}
