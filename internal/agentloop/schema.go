package agentloop

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects T into an inline JSON schema object for tool parameters.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	raw, err := json.Marshal(r.Reflect(zero))
	if err != nil {
		panic("agentloop: reflect tool schema: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("agentloop: decode tool schema: " + err.Error())
	}
	delete(out, "$schema")
	delete(out, "$id")
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

type funcTool[T any] struct {
	spec ResponseToolSpec
	fn   func(context.Context, T) (ToolOutput, *ToolError)
}

// NewFuncTool builds a Tool whose input schema is derived from T and whose
// arguments are decoded into T before fn runs.
func NewFuncTool[T any](name, description string, fn func(context.Context, T) (ToolOutput, *ToolError)) Tool {
	return &funcTool[T]{
		spec: ResponseToolSpec{
			Type:        "function",
			Name:        name,
			Description: description,
			Parameters:  SchemaFor[T](),
		},
		fn: fn,
	}
}

func (t *funcTool[T]) Name() string {
	return t.spec.Name
}

func (t *funcTool[T]) Spec() ResponseToolSpec {
	return t.spec
}

func (t *funcTool[T]) Execute(ctx context.Context, input json.RawMessage) (ToolOutput, *ToolError) {
	var in T
	if raw := strings.TrimSpace(string(input)); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return ToolOutput{}, NewToolError("INVALID_ARGUMENTS: "+err.Error(), "Send arguments that match the tool's parameter schema.")
		}
	}
	return t.fn(ctx, in)
}
