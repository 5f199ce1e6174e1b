// Package openai implements llm.Adapter for the OpenAI chat-completions
// API. It is also compatible with any OpenAI-compatible endpoint (Groq,
// OpenRouter, local Ollama, …) by setting the base URL.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/nickcecere/llmpipe/pkg/llm"
)

const defaultBaseURL = "https://api.openai.com/v1"

// doneSentinel terminates an OpenAI event stream.
const doneSentinel = "[DONE]"

// Adapter is the OpenAI-compatible backend adapter.
type Adapter struct{}

// New creates an Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "openai" }

// Endpoint returns the chat-completions URL under baseURL.
func (a *Adapter) Endpoint(baseURL string) string {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return baseURL + "/chat/completions"
}

// Headers returns the bearer auth header.
func (a *Adapter) Headers(apiKey string) map[string]string {
	h := map[string]string{}
	if apiKey != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

// ---------------------------------------------------------------------------
// Wire types (OpenAI request/response)
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string
	} `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// SSE chunk / buffered-response types
type chunkDelta struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage"`
}

type responseChoice struct {
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type wireResponse struct {
	Choices []responseChoice `json:"choices"`
	Usage   *wireUsage       `json:"usage"`
}

// ---------------------------------------------------------------------------
// Payload building
// ---------------------------------------------------------------------------

// BuildPayload encodes the chat-completions request body. A non-empty
// AssistantRole becomes a leading system message.
func (a *Adapter) BuildPayload(req llm.Request) ([]byte, error) {
	wr := wireRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Stream {
		wr.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	if req.AssistantRole != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: string(llm.RoleSystem), Content: req.AssistantRole})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, convertMessage(m))
	}

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	b, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("openai: encode payload: %w", err)
	}
	return b, nil
}

func convertMessage(m llm.Message) wireMessage {
	wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		wtc := wireToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		wm.ToolCalls = append(wm.ToolCalls, wtc)
	}
	return wm
}

// ---------------------------------------------------------------------------
// Response decoding
// ---------------------------------------------------------------------------

// DecodeData interprets one SSE data payload. The "[DONE]" sentinel reports
// end of stream.
func (a *Adapter) DecodeData(data []byte) ([]llm.StreamEvent, bool, error) {
	if string(data) == doneSentinel {
		return nil, true, nil
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, fmt.Errorf("openai: decode chunk: %w", err)
	}

	var events []llm.StreamEvent

	if len(chunk.Choices) == 0 {
		// usage-only chunk (stream_options.include_usage)
		if chunk.Usage != nil {
			events = append(events, llm.StreamEvent{Kind: llm.EventUsage, Usage: convertUsage(chunk.Usage)})
		}
		return events, false, nil
	}

	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		events = append(events, llm.StreamEvent{Kind: llm.EventContentDelta, Delta: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		events = append(events, llm.StreamEvent{Kind: llm.EventToolCallDelta, ToolCall: &llm.ToolCallDelta{
			Index:          tc.Index,
			ID:             tc.ID,
			Name:           tc.Function.Name,
			ArgumentsDelta: tc.Function.Arguments,
		}})
	}
	if chunk.Usage != nil {
		events = append(events, llm.StreamEvent{Kind: llm.EventUsage, Usage: convertUsage(chunk.Usage)})
	}
	return events, false, nil
}

// ParseResponse interprets a buffered (non-streaming) completion body.
func (a *Adapter) ParseResponse(body []byte) (llm.Message, *llm.Usage, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return llm.Message{}, nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(wr.Choices) == 0 {
		return llm.Message{}, nil, fmt.Errorf("openai: response has no choices")
	}

	ch := wr.Choices[0].Message
	msg := llm.Message{Role: llm.RoleAssistant, Content: ch.Content}
	for _, tc := range ch.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	var usage *llm.Usage
	if wr.Usage != nil {
		usage = convertUsage(wr.Usage)
	}
	return msg, usage, nil
}

func convertUsage(u *wireUsage) *llm.Usage {
	return &llm.Usage{Input: u.PromptTokens, Output: u.CompletionTokens, Total: u.TotalTokens}
}
