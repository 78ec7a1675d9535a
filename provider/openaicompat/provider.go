package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	reploid "github.com/clocksmith/reploid"
)

// Provider implements reploid.Provider over the OpenAI chat completions
// wire format.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

var _ reploid.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors (default
// "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain tool
// calls.
func (p *Provider) Chat(ctx context.Context, req reploid.ChatRequest) (reploid.ChatResponse, error) {
	body := p.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: p.name, Status: resp.StatusCode, Message: string(body)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(p.name, decoded)
}

// buildBody converts a substrate request to the wire format.
func (p *Provider) buildBody(req reploid.ChatRequest) chatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		msg := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCallRequest{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		body.Messages = append(body.Messages, msg)
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, tool{
			Type:     "function",
			Function: function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return body
}

// parseResponse converts a wire response to the substrate shape.
func parseResponse(name string, resp chatResponse) (reploid.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: name, Message: "response has no choices"}
	}
	msg := resp.Choices[0].Message
	if msg == nil {
		return reploid.ChatResponse{}, &reploid.ErrLLM{Provider: name, Message: "response choice has no message"}
	}
	out := reploid.ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		id := tc.ID
		if id == "" {
			id = reploid.NewID()
		}
		out.ToolCalls = append(out.ToolCalls, reploid.ToolCall{ID: id, Name: tc.Function.Name, Args: args})
	}
	if resp.Usage != nil {
		out.Usage = reploid.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return out, nil
}
