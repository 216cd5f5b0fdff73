package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Dispatch executes one tool call. Implementations must be safe for
// concurrent use; every call of a step runs in its own goroutine.
type Dispatch func(ctx context.Context, call ToolCall) ToolResult

type Loop struct {
	client        API
	maxIterations int
	logger        *slog.Logger
}

type RunRequest struct {
	Model        string
	Instructions string
	Input        []InputItem
	Tools        []ResponseToolSpec
	Dispatch     Dispatch
}

type RunResult struct {
	Transcript []InputItem
	FinalText  string
	Iterations int
	ToolCalls  int
	// Exhausted is set when the loop stopped at the iteration cap.
	Exhausted bool
}

func NewLoop(client API, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{client: client, maxIterations: maxIterations, logger: logger.With("module", "agentloop")}
}

// Run calls the model until it answers without tool calls. All tool calls of
// one response are dispatched concurrently and joined before the next call.
// A service error ends the run; tool errors are fed back as results.
func (l *Loop) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if l == nil || l.client == nil {
		return RunResult{}, errors.New("loop client is required")
	}
	if req.Dispatch == nil {
		return RunResult{}, errors.New("dispatch is required")
	}
	res := RunResult{Transcript: append([]InputItem(nil), req.Input...)}
	for i := 0; i < l.maxIterations; i++ {
		res.Iterations = i + 1
		step, err := l.Step(ctx, req, res.Transcript)
		if err != nil {
			return res, fmt.Errorf("iteration %d: %w", i+1, err)
		}
		res.Transcript = append(res.Transcript, step.Items...)
		res.ToolCalls += step.ToolCalls
		if step.Done {
			res.FinalText = step.Text
			return res, nil
		}
	}
	res.Exhausted = true
	l.logger.Warn("tool loop hit iteration cap", "iterations", l.maxIterations)
	return res, nil
}

// StepResult holds the items one reasoning call appends to the transcript.
type StepResult struct {
	Items     []InputItem
	Text      string
	ToolCalls int
	// Done is set when the model answered without tool calls.
	Done bool
}

// Step performs one reasoning call over transcript and, when the model asks
// for tools, dispatches every call concurrently and joins them.
func (l *Loop) Step(ctx context.Context, req RunRequest, transcript []InputItem) (StepResult, error) {
	resp, err := l.client.CreateResponse(ctx, Request{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        transcript,
		Tools:        req.Tools,
	})
	if err != nil {
		return StepResult{}, err
	}
	var step StepResult
	if !resp.WantsTools() {
		step.Done = true
		step.Text = strings.TrimSpace(resp.Text)
		if step.Text != "" {
			step.Items = append(step.Items, AssistantText(step.Text))
		}
		return step, nil
	}
	results := dispatchAll(ctx, resp.ToolCalls, req.Dispatch)
	step.ToolCalls = len(resp.ToolCalls)
	var attachments []InputItem
	for idx, call := range resp.ToolCalls {
		step.Items = append(step.Items, FunctionCallItem(call))
		out, attachment := renderResult(call, results[idx])
		step.Items = append(step.Items, FunctionOutputItem(call.CallID, out))
		if attachment != nil {
			attachments = append(attachments, *attachment)
		}
		l.logger.Debug("tool call finished", "tool", call.Name, "call_id", call.CallID, "error", results[idx].Err != nil)
	}
	step.Items = append(step.Items, attachments...)
	return step, nil
}

func dispatchAll(ctx context.Context, calls []ToolCall, dispatch Dispatch) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = ToolResult{Err: NewToolError(fmt.Sprintf("TOOL_PANIC: %v", r), "Try a different approach.")}
				}
			}()
			results[i] = dispatch(gctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// renderResult produces the function_call_output text and, for binary
// results, a follow-up user item carrying the attachment.
func renderResult(call ToolCall, r ToolResult) (string, *InputItem) {
	if r.Err != nil {
		return r.Err.JSON(), nil
	}
	if !r.Output.IsBinary() {
		if strings.TrimSpace(r.Output.Text) == "" {
			return "ok", nil
		}
		return r.Output.Text, nil
	}
	note := fmt.Sprintf("[%s attachment, %s, shown in the next message]", r.Output.MediaType, humanize.Bytes(uint64(len(r.Output.Data))))
	if strings.TrimSpace(r.Output.Text) != "" {
		note = r.Output.Text + " " + note
	}
	item := UserImage("Attachment from "+call.Name+":", r.Output.Data, r.Output.MediaType)
	return note, &item
}
