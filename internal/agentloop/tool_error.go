package agentloop

import "encoding/json"

// ToolError is returned to the model as the tool result; it never aborts a turn.
type ToolError struct {
	Message string `json:"error"`
	Suggest string `json:"suggest"`
}

func (e *ToolError) Error() string {
	if e == nil || e.Message == "" {
		return "UNKNOWN_ERROR"
	}
	return e.Message
}

func NewToolError(message, suggest string) *ToolError {
	if suggest == "" {
		suggest = "NO_SUGGESTION"
	}
	return &ToolError{Message: message, Suggest: suggest}
}

// JSON renders e as the error-flagged tool result payload.
func (e *ToolError) JSON() string {
	if e == nil {
		e = NewToolError("UNKNOWN_ERROR", "")
	}
	raw, _ := json.Marshal(e)
	return string(raw)
}
