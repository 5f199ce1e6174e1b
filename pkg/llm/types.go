// Package llm defines the value types shared by the request pipeline:
// conversation messages, requests, streaming events, and the backend
// adapter interface.
package llm

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Roles and messages
// ---------------------------------------------------------------------------

// Role identifies the author of a message. The set is closed.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return Role(s), nil
	}
	return "", fmt.Errorf("llm: unknown role %q", s)
}

// ToolCall is one complete function call requested by the model.
// Arguments is the raw JSON argument text as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation message. Path and Scope are optional host
// metadata (the buffer the content was taken from and its syntax scope);
// they travel with the message into the cache but are not sent on the wire.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Path       string     `json:"path,omitempty"`
	Scope      string     `json:"scope,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool to the model. Parameters is a JSON Schema
// object for the tool's arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage counts tokens for one exchange (or cumulatively, in the cache).
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.Input += u2.Input
	u.Output += u2.Output
	u.Total += u2.Total
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

// Request describes one model exchange. It is immutable once submitted to a
// worker; Submit stores a deep copy so later mutation by the host has no
// effect on the running request.
type Request struct {
	// ConversationID groups turns that share context. Empty means the worker
	// assigns a fresh one.
	ConversationID string `json:"conversation_id"`

	// Messages are the new messages for this turn. Prior turns are loaded
	// from the cache by the runner; callers do not resend history.
	Messages []Message `json:"messages"`

	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream"`

	// AssistantRole, when non-empty, is injected as a leading system message.
	AssistantRole string `json:"assistant_role,omitempty"`

	// Tools the model may call this turn.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// Ephemeral requests neither read nor write the cache.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// Validate checks the request is well formed. The model may still be empty
// here; the worker fills it from its settings before running.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("llm: request has no messages")
	}
	for i, m := range r.Messages {
		if _, err := ParseRole(string(m.Role)); err != nil {
			return fmt.Errorf("llm: message %d: %w", i, err)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("llm: negative max_tokens")
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	cp := r
	cp.Messages = append([]Message(nil), r.Messages...)
	for i := range cp.Messages {
		cp.Messages[i].ToolCalls = append([]ToolCall(nil), cp.Messages[i].ToolCalls...)
	}
	cp.Tools = append([]ToolDefinition(nil), r.Tools...)
	if r.Temperature != nil {
		t := *r.Temperature
		cp.Temperature = &t
	}
	return cp
}

// ---------------------------------------------------------------------------
// Streaming events
// ---------------------------------------------------------------------------

// EventKind enumerates the stream event kinds delivered to the host callback.
type EventKind string

const (
	// EventContentDelta carries an incremental piece of assistant text.
	EventContentDelta EventKind = "content_delta"
	// EventToolCallDelta carries a fragment of a tool call.
	EventToolCallDelta EventKind = "tool_call_delta"
	// EventUsage carries a token usage report.
	EventUsage EventKind = "usage"
	// EventDone is the terminal event of a successfully completed request.
	EventDone EventKind = "done"
	// EventError is the terminal event of a failed request.
	EventError EventKind = "error"
	// EventCancelled is the terminal event of a cancelled request.
	EventCancelled EventKind = "cancelled"
)

// Terminal reports whether k ends the event sequence for a request.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError || k == EventCancelled
}

// ToolCallDelta is one fragment of a streamed tool call. ID and Name arrive
// on the first fragment for an index; ArgumentsDelta accumulates across
// fragments.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// StreamEvent is one decoded unit of model output. Exactly one of the
// payload fields is meaningful for a given Kind.
type StreamEvent struct {
	Kind     EventKind
	Delta    string
	ToolCall *ToolCallDelta
	Usage    *Usage
	Err      error
}
