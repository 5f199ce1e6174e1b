// Package anthropic implements llm.Adapter for the Anthropic Messages API.
//
// The event-stream framing differs from the OpenAI-compatible shape: there
// is no "[DONE]" data sentinel; instead every data payload carries a "type"
// field and the stream terminates with a "message_stop" event. The sentinel
// check therefore lives here, not in the generic decoder.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/nickcecere/llmpipe/pkg/llm"
)

const defaultBaseURL = "https://api.anthropic.com/v1"
const apiVersion = "2023-06-01"

// defaultMaxTokens is used when the request leaves MaxTokens unset; the
// Messages API requires an explicit value.
const defaultMaxTokens = 4096

// Adapter is the Anthropic backend adapter.
type Adapter struct{}

// New creates an Adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "anthropic" }

// Endpoint returns the messages URL under baseURL.
func (a *Adapter) Endpoint(baseURL string) string {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return baseURL + "/messages"
}

// Headers returns the x-api-key auth and protocol version headers.
func (a *Adapter) Headers(apiKey string) map[string]string {
	h := map[string]string{"anthropic-version": apiVersion}
	if apiKey != "" {
		h["x-api-key"] = apiKey
	}
	return h
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use (assistant)
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result (user)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamFrame is the superset of all Messages API stream payloads; Type
// discriminates. Unknown types are ignored for forward compatibility.
type streamFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *wireContent `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message *struct {
		Usage wireUsage `json:"usage"`
	} `json:"message"`

	Usage *wireUsage `json:"usage"`
}

type wireResponse struct {
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      *wireUsage    `json:"usage"`
}

// ---------------------------------------------------------------------------
// Payload building
// ---------------------------------------------------------------------------

// BuildPayload encodes the Messages API request body. System-role content
// (from AssistantRole or system messages) goes into the top-level system
// field; tool messages become tool_result blocks on a user turn.
func (a *Adapter) BuildPayload(req llm.Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	wr := wireRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.AssistantRole,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if wr.System != "" {
				wr.System += "\n"
			}
			wr.System += m.Content
		case llm.RoleUser:
			wr.Messages = append(wr.Messages, wireMessage{
				Role:    "user",
				Content: []wireContent{{Type: "text", Text: m.Content}},
			})
		case llm.RoleAssistant:
			wr.Messages = append(wr.Messages, convertAssistant(m))
		case llm.RoleTool:
			wr.Messages = append(wr.Messages, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	b, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode payload: %w", err)
	}
	return b, nil
}

func convertAssistant(m llm.Message) wireMessage {
	wm := wireMessage{Role: "assistant"}
	if m.Content != "" {
		wm.Content = append(wm.Content, wireContent{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input, _ = json.Marshal(tc.Arguments)
		}
		wm.Content = append(wm.Content, wireContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	return wm
}

// ---------------------------------------------------------------------------
// Response decoding
// ---------------------------------------------------------------------------

// DecodeData interprets one SSE data payload. "message_stop" reports end of
// stream.
func (a *Adapter) DecodeData(data []byte) ([]llm.StreamEvent, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}

	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, fmt.Errorf("anthropic: decode frame: %w", err)
	}

	switch frame.Type {
	case "message_stop":
		return nil, true, nil

	case "message_start":
		if frame.Message != nil {
			u := frame.Message.Usage
			return []llm.StreamEvent{{Kind: llm.EventUsage, Usage: &llm.Usage{
				Input:  u.InputTokens,
				Output: u.OutputTokens,
				Total:  u.InputTokens + u.OutputTokens,
			}}}, false, nil
		}
		return nil, false, nil

	case "content_block_start":
		if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
			return []llm.StreamEvent{{Kind: llm.EventToolCallDelta, ToolCall: &llm.ToolCallDelta{
				Index: frame.Index,
				ID:    frame.ContentBlock.ID,
				Name:  frame.ContentBlock.Name,
			}}}, false, nil
		}
		return nil, false, nil

	case "content_block_delta":
		switch frame.Delta.Type {
		case "text_delta":
			return []llm.StreamEvent{{Kind: llm.EventContentDelta, Delta: frame.Delta.Text}}, false, nil
		case "input_json_delta":
			return []llm.StreamEvent{{Kind: llm.EventToolCallDelta, ToolCall: &llm.ToolCallDelta{
				Index:          frame.Index,
				ArgumentsDelta: frame.Delta.PartialJSON,
			}}}, false, nil
		}
		return nil, false, nil

	case "message_delta":
		if frame.Usage != nil {
			return []llm.StreamEvent{{Kind: llm.EventUsage, Usage: &llm.Usage{
				Output: frame.Usage.OutputTokens,
				Total:  frame.Usage.OutputTokens,
			}}}, false, nil
		}
		return nil, false, nil
	}

	// ping, content_block_stop, and future event types — nothing to emit.
	return nil, false, nil
}

// ParseResponse interprets a buffered (non-streaming) Messages API body.
func (a *Adapter) ParseResponse(body []byte) (llm.Message, *llm.Usage, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return llm.Message{}, nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	for _, c := range wr.Content {
		switch c.Type {
		case "text":
			msg.Content += c.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: string(c.Input),
			})
		}
	}

	var usage *llm.Usage
	if wr.Usage != nil {
		usage = &llm.Usage{
			Input:  wr.Usage.InputTokens,
			Output: wr.Usage.OutputTokens,
			Total:  wr.Usage.InputTokens + wr.Usage.OutputTokens,
		}
	}
	return msg, usage, nil
}
