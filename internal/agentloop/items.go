package agentloop

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPart is one part of a multi-part user message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// InputItem is one entry of the transcript sent to the Responses API.
type InputItem struct {
	Type string
	Role string
	// Text is used when Parts is empty: an input_text part for user
	// messages, plain string content otherwise.
	Text      string
	Parts     []ContentPart
	CallID    string
	Name      string
	Arguments string
	Output    string
}

type wireItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments *string         `json:"arguments,omitempty"`
	Output    *string         `json:"output,omitempty"`
}

func (it InputItem) MarshalJSON() ([]byte, error) {
	w := wireItem{Type: it.Type}
	switch it.Type {
	case ItemMessage:
		w.Role = it.Role
		var err error
		switch {
		case len(it.Parts) > 0:
			w.Content, err = json.Marshal(it.Parts)
		case it.Role == RoleUser:
			w.Content, err = json.Marshal([]ContentPart{{Type: "input_text", Text: it.Text}})
		default:
			w.Content, err = json.Marshal(it.Text)
		}
		if err != nil {
			return nil, err
		}
	case ItemFunctionCall:
		w.CallID = it.CallID
		w.Name = it.Name
		args := it.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		w.Arguments = &args
	case ItemFunctionCallOutput:
		w.CallID = it.CallID
		out := it.Output
		w.Output = &out
	}
	return json.Marshal(w)
}

func UserText(text string) InputItem {
	return InputItem{Type: ItemMessage, Role: RoleUser, Text: text}
}

func AssistantText(text string) InputItem {
	return InputItem{Type: ItemMessage, Role: RoleAssistant, Text: text}
}

// UserImage attaches data as an inline image for the next model step.
func UserImage(caption string, data []byte, mediaType string) InputItem {
	url := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
	parts := []ContentPart{}
	if strings.TrimSpace(caption) != "" {
		parts = append(parts, ContentPart{Type: "input_text", Text: caption})
	}
	parts = append(parts, ContentPart{Type: "input_image", ImageURL: url, Detail: "auto"})
	return InputItem{Type: ItemMessage, Role: RoleUser, Parts: parts}
}

func FunctionCallItem(call ToolCall) InputItem {
	return InputItem{
		Type:      ItemFunctionCall,
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: string(call.Arguments),
	}
}

func FunctionOutputItem(callID, output string) InputItem {
	return InputItem{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
}
