package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
)

const defaultRemoteTimeout = 60 * time.Second

// Requester sends a request and waits for the reply payload.
// *natsbus.Client satisfies it.
type Requester interface {
	RequestContext(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// RemoteRequest is the payload published on tools.<name>.execute.
type RemoteRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
}

// RemoteReply is what a tool worker answers with.
type RemoteReply struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// RemoteExecutor runs tool calls on out-of-process workers over NATS
// request/reply.
type RemoteExecutor struct {
	req     Requester
	timeout time.Duration
}

// NewRemoteExecutor bounds each call by timeout (zero selects 60s).
func NewRemoteExecutor(req Requester, timeout time.Duration) *RemoteExecutor {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteExecutor{req: req, timeout: timeout}
}

func (e *RemoteExecutor) Execute(ctx context.Context, call llm.ToolCall) Result {
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return Failed(call, fmt.Errorf("tool %s: arguments are not valid JSON", call.Name))
	}
	data, err := json.Marshal(RemoteRequest{ToolCallID: call.ID, Name: call.Name, Arguments: args})
	if err != nil {
		return Failed(call, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.req.RequestContext(ctx, natsbus.TopicToolExecute(call.Name), data)
	if err != nil {
		return Failed(call, err)
	}
	var reply RemoteReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Failed(call, fmt.Errorf("decode tool reply: %w", err))
	}
	if reply.Error != "" {
		return Result{ToolCallID: call.ID, Name: call.Name, Output: reply.Error}
	}
	return Succeeded(call, reply.Output)
}

// ServeExecutor adapts exec into a natsbus handler so a process can act as
// a tool worker for tools.<name>.execute.
func ServeExecutor(exec Executor) natsbus.HandlerFunc {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var req RemoteRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode tool request: %w", err)
		}
		res := exec.Execute(ctx, llm.ToolCall{ID: req.ToolCallID, Name: req.Name, Arguments: string(req.Arguments)})
		reply := RemoteReply{Output: res.Output}
		if !res.Success {
			reply = RemoteReply{Error: res.Output}
			if reply.Error == "" {
				reply.Error = "tool failed"
			}
		}
		return json.Marshal(reply)
	}
}
