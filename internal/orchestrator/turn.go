package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/thoughts"
)

const (
	toolDeliverMessage = "deliver_message"
	toolStaySilent     = "stay_silent"
	toolSpawnSubagent  = "spawn_subagent"
	toolCheckSubagent  = "check_subagent"
	toolCancelSubagent = "cancel_subagent"
)

// turnState collects exclusive tool effects; calls run concurrently.
type turnState struct {
	mu        sync.Mutex
	message   string
	silent    bool
	silentWhy string
}

func (o *Orchestrator) runTurn(req wakeRequest) TurnReport {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.TurnTimeout)
	defer cancel()

	report := TurnReport{Thoughts: req.thoughts, Messages: req.messages}
	now := o.now()
	instructions, err := o.buildPrompt(now, req)
	if err != nil {
		report.Err = err
		o.logger.Error("build prompt failed", "err", err)
		return report
	}

	state := &turnState{}
	exclusive := o.exclusiveTools(state)
	specs := make([]agentloop.ResponseToolSpec, 0, len(exclusive))
	handled := map[string]agentloop.Tool{}
	for _, tool := range exclusive {
		specs = append(specs, tool.Spec())
		handled[tool.Name()] = tool
	}
	for _, spec := range o.opts.Shared.Specs() {
		if _, dup := handled[spec.Name]; !dup {
			specs = append(specs, spec)
		}
	}

	dispatch := func(ctx context.Context, call agentloop.ToolCall) agentloop.ToolResult {
		var out agentloop.ToolOutput
		var terr *agentloop.ToolError
		if tool, ok := handled[call.Name]; ok {
			out, terr = tool.Execute(ctx, call.Arguments)
		} else {
			out, terr = o.opts.Shared.Execute(ctx, call.Name, call.Arguments)
		}
		if terr != nil {
			o.logger.Info("tool call failed", "tool", call.Name, "err", terr.Message)
		}
		return agentloop.ToolResult{Output: out, Err: terr}
	}

	// Messages that arrive while a session-save turn runs belong to the next
	// conversation.
	var clearMark int64
	sessionSave := hasSource(req.thoughts, thoughts.SourceSessionSave) && o.opts.History != nil
	if sessionSave {
		id, err := o.opts.History.LatestID()
		if err != nil {
			o.logger.Warn("read conversation mark failed", "err", err)
			sessionSave = false
		}
		clearMark = id
	}

	o.logger.Info("turn started", "thoughts", len(req.thoughts), "messages", len(req.messages))
	res, err := o.loop.Run(ctx, agentloop.RunRequest{
		Model:        o.opts.Model,
		Instructions: instructions,
		Input:        []agentloop.InputItem{agentloop.UserText(seedText(req))},
		Tools:        specs,
		Dispatch:     dispatch,
	})
	report.Iterations = res.Iterations
	report.ToolCalls = res.ToolCalls
	if err != nil {
		report.Err = err
		o.logger.Error("turn aborted", "err", err, "iterations", res.Iterations)
		return report
	}

	state.mu.Lock()
	message := state.message
	report.Silent = state.silent && message == ""
	silentWhy := state.silentWhy
	state.mu.Unlock()

	if message != "" && o.opts.Delivery != nil {
		if err := o.opts.Delivery.Deliver(ctx, message); err != nil {
			o.logger.Warn("deliver message failed", "err", err)
		} else {
			report.Delivered = message
		}
	}
	if message == "" && res.FinalText != "" {
		o.logger.Debug("final text not delivered", "text", res.FinalText)
	}
	if sessionSave {
		if err := o.opts.History.ClearThrough(clearMark); err != nil {
			o.logger.Warn("clear conversation failed", "err", err)
		}
	}
	o.logger.Info("turn finished",
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"delivered", report.Delivered != "",
		"silent_reason", silentWhy,
		"exhausted", res.Exhausted,
	)
	return report
}

func seedText(req wakeRequest) string {
	if len(req.messages) > 0 {
		return "New message from the user:\n" + strings.Join(req.messages, "\n\n")
	}
	return "You woke up. Review the triggers in your instructions and decide what to do."
}

func hasSource(items []thoughts.Thought, src thoughts.Source) bool {
	for _, t := range items {
		if t.Source == src {
			return true
		}
	}
	return false
}

type deliverInput struct {
	Message string `json:"message" jsonschema_description:"The message to show the user. Keep it short and warm."`
}

type silentInput struct {
	Reason string `json:"reason,omitempty" jsonschema_description:"Why nothing needs to be said right now."`
}

type spawnInput struct {
	Goal           string  `json:"goal" jsonschema_description:"Self-contained task for the sub-agent, with all context it needs."`
	Model          string  `json:"model,omitempty"`
	MaxTurns       int     `json:"max_turns,omitempty"`
	MaxBudgetUSD   float64 `json:"max_budget_usd,omitempty"`
	TimeoutMinutes int     `json:"timeout_minutes,omitempty"`
}

type checkInput struct{}

type cancelSubagentInput struct {
	ID string `json:"id" jsonschema_description:"Id of the running sub-agent."`
}

func (o *Orchestrator) exclusiveTools(state *turnState) []agentloop.Tool {
	tools := []agentloop.Tool{
		agentloop.NewFuncTool(toolDeliverMessage, "Send one message to the user at the end of this turn.",
			func(_ context.Context, in deliverInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				msg := strings.TrimSpace(in.Message)
				if msg == "" {
					return agentloop.ToolOutput{}, agentloop.NewToolError("EMPTY_MESSAGE", "Pass the text to deliver in message.")
				}
				state.mu.Lock()
				defer state.mu.Unlock()
				if state.message != "" {
					return agentloop.ToolOutput{}, agentloop.NewToolError("ALREADY_DELIVERED", "Only one message per turn; put everything into a single deliver_message call.")
				}
				state.message = msg
				return agentloop.TextOutput("queued for delivery"), nil
			}),
		agentloop.NewFuncTool(toolStaySilent, "Decide not to message the user this turn.",
			func(_ context.Context, in silentInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				state.mu.Lock()
				defer state.mu.Unlock()
				state.silent = true
				state.silentWhy = strings.TrimSpace(in.Reason)
				return agentloop.TextOutput("staying silent"), nil
			}),
	}
	if o.opts.Sandbox == nil {
		return tools
	}
	return append(tools,
		agentloop.NewFuncTool(toolSpawnSubagent, "Start an isolated sub-agent for a longer task. Only one can run at a time.",
			func(ctx context.Context, in spawnInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				id, err := o.opts.Sandbox.Spawn(ctx, sandbox.SpawnRequest{
					Goal:         in.Goal,
					Model:        in.Model,
					MaxTurns:     in.MaxTurns,
					MaxBudgetUSD: in.MaxBudgetUSD,
					Timeout:      time.Duration(in.TimeoutMinutes) * time.Minute,
				})
				if err != nil {
					return agentloop.ToolOutput{}, spawnError(err)
				}
				return agentloop.TextOutput(fmt.Sprintf(`{"id":%q,"status":"running"}`, id)), nil
			}),
		agentloop.NewFuncTool(toolCheckSubagent, "Report the running sub-agent and collect finished results. Each result is returned once.",
			func(_ context.Context, _ checkInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				payload := struct {
					Status  string                `json:"status"`
					Running []sandbox.QuestInfo   `json:"running"`
					Results []sandbox.QuestResult `json:"results"`
				}{
					Status:  o.opts.Sandbox.Status(),
					Running: o.opts.Sandbox.List(),
				}
				payload.Results = o.opts.Sandbox.Harvest()
				raw, err := json.Marshal(payload)
				if err != nil {
					return agentloop.ToolOutput{}, agentloop.NewToolError(err.Error(), "")
				}
				return agentloop.TextOutput(string(raw)), nil
			}),
		agentloop.NewFuncTool(toolCancelSubagent, "Cancel the running sub-agent.",
			func(_ context.Context, in cancelSubagentInput) (agentloop.ToolOutput, *agentloop.ToolError) {
				if !o.opts.Sandbox.Cancel(in.ID) {
					return agentloop.ToolOutput{}, agentloop.NewToolError("NOT_RUNNING", "Call check_subagent to see the running id.")
				}
				return agentloop.TextOutput("cancelled"), nil
			}),
	)
}

func spawnError(err error) *agentloop.ToolError {
	switch {
	case errors.Is(err, sandbox.ErrAlreadyRunning):
		return agentloop.NewToolError("ALREADY_RUNNING", "Wait for the running sub-agent or cancel it first.")
	case errors.Is(err, sandbox.ErrNotProvisioned):
		return agentloop.NewToolError("SANDBOX_NOT_PROVISIONED", "Sub-agents are unavailable on this machine; do the task yourself or tell the user.")
	case errors.Is(err, sandbox.ErrCreateFailed):
		return agentloop.NewToolError("CREATE_FAILED: "+err.Error(), "Try again later.")
	default:
		return agentloop.NewToolError(err.Error(), "")
	}
}
