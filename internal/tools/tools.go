// Package tools defines the tool execution contract consumed by the routing
// and loop packages, a registry of tool definitions with JSON-schema argument
// validation, and a NATS-backed executor for out-of-process tool workers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/modelswarm/internal/llm"
)

// Result is the outcome of one tool call. ToolCallID is always set; it joins
// the result back to the call that produced it.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
}

// Executor runs tool calls. Implementations never return errors: failures are
// reported as Result{Success: false} with the error text as Output.
type Executor interface {
	Execute(ctx context.Context, call llm.ToolCall) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call llm.ToolCall) Result

func (f ExecutorFunc) Execute(ctx context.Context, call llm.ToolCall) Result {
	return f(ctx, call)
}

// Handler implements one tool in process.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Succeeded builds a successful result for call.
func Succeeded(call llm.ToolCall, output string) Result {
	return Result{ToolCallID: call.ID, Name: call.Name, Output: output, Success: true}
}

// Failed builds a failed result for call carrying err's text.
func Failed(call llm.ToolCall, err error) Result {
	return Result{ToolCallID: call.ID, Name: call.Name, Output: err.Error()}
}

// DecodeArguments parses raw tool-call arguments. Empty input is an empty
// object.
func DecodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
