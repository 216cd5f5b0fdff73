package agentloop

import (
	"context"
	"encoding/json"
)

type ResponseToolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolOutput is either text or a binary payload with its media type.
type ToolOutput struct {
	Text      string
	Data      []byte
	MediaType string
}

func TextOutput(text string) ToolOutput {
	return ToolOutput{Text: text}
}

// BinaryOutput carries data such as a screenshot; caption is sent as the
// textual tool result next to the attachment.
func BinaryOutput(data []byte, mediaType, caption string) ToolOutput {
	return ToolOutput{Text: caption, Data: data, MediaType: mediaType}
}

func (o ToolOutput) IsBinary() bool {
	return len(o.Data) > 0
}

type Tool interface {
	Name() string
	Spec() ResponseToolSpec
	Execute(ctx context.Context, input json.RawMessage) (ToolOutput, *ToolError)
}

type ToolCall struct {
	ID        string
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of one dispatched call.
type ToolResult struct {
	Output ToolOutput
	Err    *ToolError
}
