// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API and exposes two
// operations: GenerateMessage, which returns a streaming [job.Job] before any
// chunk has arrived, and GenerateObject, which performs a single
// schema-constrained call. Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/lifert/life/pkg/job"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []job.ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which call this
	// responds to.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// MessageRequest carries everything a streaming generation needs. Messages
// must be non-empty.
type MessageRequest struct {
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// ObjectRequest carries a schema-constrained single-shot generation. Schema
// is a decoded JSON Schema document.
type ObjectRequest struct {
	Messages     []Message
	SystemPrompt string
	Schema       map[string]any
}

// Provider is the abstraction over any LLM backend.
//
// GenerateMessage is non-blocking: the returned job is live before the first
// upstream byte arrives, and failures surface as error chunks on its stream.
// Cancelling the job aborts the upstream request and forces a terminal end
// chunk.
type Provider interface {
	// Name identifies the backend in logs and error messages.
	Name() string

	// GenerateMessage starts a streaming completion and returns its job
	// immediately. Text deltas become content chunks, reasoning deltas
	// become reasoning chunks, and accumulated tool calls are emitted as a
	// single tools chunk when the model finishes with tool calls.
	GenerateMessage(ctx context.Context, req MessageRequest) *job.Job

	// GenerateObject performs one non-streaming call constrained by
	// req.Schema and returns the decoded object.
	GenerateObject(ctx context.Context, req ObjectRequest) (map[string]any, error)
}

// ParseToolArguments decodes a tool-call arguments payload. An empty string
// decodes to an empty object, matching how models signal zero-argument
// calls.
func ParseToolArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	return decodeJSONObject(raw)
}
