package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
)

type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type Request struct {
	Model        string
	Instructions string
	Input        []InputItem
	Tools        []ResponseToolSpec
}

type Response struct {
	ID        string
	Text      string
	ToolCalls []ToolCall
}

// WantsTools reports whether the model stopped to call tools.
func (r *Response) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// API is one request/response exchange with the reasoning service.
type API interface {
	CreateResponse(ctx context.Context, req Request) (*Response, error)
}

type ResponsesClient struct {
	cfg     OpenAIConfig
	service responses.ResponseService
}

var _ API = (*ResponsesClient)(nil)

func NewResponsesClient(cfg OpenAIConfig, httpClient *http.Client) *ResponsesClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &ResponsesClient{
		cfg:     cfg,
		service: responses.NewResponseService(opts...),
	}
}

func (c *ResponsesClient) CreateResponse(ctx context.Context, req Request) (*Response, error) {
	params, err := c.toSDKRequest(req)
	if err != nil {
		return nil, err
	}
	var rawResp *http.Response
	var rawBody []byte
	_, err = c.service.New(
		ctx,
		params,
		option.WithResponseInto(&rawResp),
		option.WithResponseBodyInto(&rawBody),
	)
	if err != nil {
		return nil, wrapRequestError(err, req, rawResp)
	}
	if len(rawBody) == 0 {
		return nil, fmt.Errorf("responses api returned empty response request=%s", summarizeRequest(req))
	}
	return parseResponse(rawBody)
}

func (c *ResponsesClient) toSDKRequest(req Request) (responses.ResponseNewParams, error) {
	var out responses.ResponseNewParams
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(c.cfg.Model)
	}
	if model != "" {
		out.Model = model
	}
	out.Store = param.NewOpt(false)
	if instr := strings.TrimSpace(req.Instructions); instr != "" {
		out.Instructions = param.NewOpt(instr)
	}
	items := make(responses.ResponseInputParam, 0, len(req.Input))
	for i, item := range req.Input {
		raw, err := json.Marshal(item)
		if err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("marshal input item[%d]: %w", i, err)
		}
		var sdkItem responses.ResponseInputItemUnionParam
		if err := json.Unmarshal(raw, &sdkItem); err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("decode input item[%d]: %w", i, err)
		}
		items = append(items, sdkItem)
	}
	out.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	for i, spec := range req.Tools {
		raw, err := json.Marshal(spec)
		if err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("marshal tool[%d]: %w", i, err)
		}
		var tool responses.ToolUnionParam
		if err := json.Unmarshal(raw, &tool); err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("decode tool[%d]: %w", i, err)
		}
		out.Tools = append(out.Tools, tool)
	}
	return out, nil
}

type responseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseItem struct {
	Type      string                `json:"type"`
	ID        string                `json:"id"`
	CallID    string                `json:"call_id"`
	Name      string                `json:"name"`
	Arguments string                `json:"arguments"`
	Content   []responseContentPart `json:"content"`
}

type responsePayload struct {
	ID     string         `json:"id"`
	Output []responseItem `json:"output"`
}

func parseResponse(raw []byte) (*Response, error) {
	var decoded responsePayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode responses payload: %w", err)
	}
	out := &Response{ID: strings.TrimSpace(decoded.ID)}
	var texts []string
	for _, item := range decoded.Output {
		switch strings.TrimSpace(item.Type) {
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        strings.TrimSpace(item.ID),
				CallID:    callID,
				Name:      strings.TrimSpace(item.Name),
				Arguments: json.RawMessage(item.Arguments),
			})
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && strings.TrimSpace(part.Text) != "" {
					texts = append(texts, part.Text)
				}
			}
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}

func wrapRequestError(err error, req Request, rawResp *http.Response) error {
	var apiErr *responses.Error
	if errors.As(err, &apiErr) {
		resp := rawResp
		if resp == nil {
			resp = apiErr.Response
		}
		body := strings.TrimSpace(apiErr.RawJSON())
		if body == "" {
			body = strings.TrimSpace(err.Error())
		}
		return fmt.Errorf("responses api status %d request_id=%q request=%s response=%s",
			apiErr.StatusCode, responseRequestID(resp), summarizeRequest(req), clip(body, 600))
	}
	return fmt.Errorf("responses request failed request=%s: %w", summarizeRequest(req), err)
}

func responseRequestID(resp *http.Response) string {
	if resp == nil || resp.Header == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "request-id", "openai-request-id"} {
		if v := strings.TrimSpace(resp.Header.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func summarizeRequest(req Request) string {
	counts := map[string]int{}
	for _, item := range req.Input {
		counts[item.Type]++
	}
	return fmt.Sprintf("model=%q tools=%d items=%d messages=%d calls=%d outputs=%d",
		strings.TrimSpace(req.Model), len(req.Tools), len(req.Input),
		counts[ItemMessage], counts[ItemFunctionCall], counts[ItemFunctionCallOutput])
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
