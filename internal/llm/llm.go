// Package llm defines the model-call contract used by routing and the
// agentic loop, with adapters for OpenAI-compatible and Anthropic endpoints.
package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn. Assistant messages may carry tool calls;
// tool messages answer exactly one call, identified by ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a tool invocation emitted by a model. Arguments is the raw JSON
// object text as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises a tool to a model. Parameters is a JSON schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Request struct {
	// Model overrides the client's configured model name when set.
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// HasToolCalls reports whether the model asked for at least one tool.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Client performs a single chat completion.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Factory returns the client for a model. provider and settings describe the
// endpoint to use when the model has no endpoint of its own.
type Factory interface {
	Client(modelID, provider string, settings map[string]string) (Client, error)
}

var (
	ErrNoMessages      = errors.New("messages are required")
	ErrUnknownProvider = errors.New("unknown provider")
)

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
