// Package loop drives a model's tool calls to convergence: execute the
// calls, feed the results back, and re-invoke the model until it answers
// without tools or the iteration bound is reached.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/failurelog"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
	"github.com/mtzanidakis/modelswarm/internal/tracing"
)

const DefaultMaxIterations = 10

// CallFunc re-invokes the model with the full conversation so far.
type CallFunc func(ctx context.Context, messages []llm.Message) (*llm.Response, error)

// Execution records one tool call and its result.
type Execution struct {
	Iteration int           `json:"iteration"`
	Call      llm.ToolCall  `json:"call"`
	Result    tools.Result  `json:"result"`
	Duration  time.Duration `json:"duration"`
}

type Result struct {
	FinalResponse  string         `json:"final_response"`
	ToolExecutions []Execution    `json:"tool_executions"`
	Iterations     int            `json:"iterations"`
	History        []llm.Message  `json:"history"`
	Trace          *tracing.Trace `json:"-"`
	Spans          []tracing.Span `json:"spans,omitempty"`
	Truncated      bool           `json:"truncated,omitempty"`
}

// ModelCallError is returned when re-invoking the model fails.
type ModelCallError struct {
	Iteration int
	Err       error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call in iteration %d: %v", e.Iteration, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

type Deps struct {
	Executor tools.Executor
	Failures failurelog.Logger
	Sink     tracing.Sink
	Logger   *slog.Logger
}

type Runner struct {
	exec     tools.Executor
	failures failurelog.Logger
	sink     tracing.Sink
	logger   *slog.Logger
}

func New(deps Deps) *Runner {
	r := &Runner{
		exec:     deps.Executor,
		failures: deps.Failures,
		sink:     deps.Sink,
		logger:   deps.Logger,
	}
	if r.failures == nil {
		r.failures = failurelog.Discard
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run executes initial's tool calls and keeps calling the model until a
// response carries no tool calls or maxIterations (10 when <= 0) turns have
// run. Tool calls of one turn execute sequentially in emission order. On a
// model failure or cancellation the partial result is returned with the
// error.
func (r *Runner) Run(ctx context.Context, initial *llm.Response, messages []llm.Message, call CallFunc, sessionID string, maxIterations int) (*Result, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	tr := tracing.New(r.sink)
	root := tr.Start("agentic_loop", "", map[string]any{
		"session_id":     sessionID,
		"max_iterations": maxIterations,
	})

	res := &Result{
		History: slices.Clone(messages),
		Trace:   tr,
	}
	finish := func(err error) {
		tr.SetAttribute(root, "iterations", res.Iterations)
		tr.SetAttribute(root, "tool_executions", len(res.ToolExecutions))
		tr.End(root, err)
		res.Spans = tr.Spans()
	}

	current := initial
	for res.Iterations < maxIterations && current != nil && len(current.ToolCalls) > 0 {
		res.Iterations++
		n := res.Iterations
		iter := tr.Start(fmt.Sprintf("iteration %d", n), root, map[string]any{"tool_calls": len(current.ToolCalls)})

		calls := llm.EnsureToolCallIDs(slices.Clone(current.ToolCalls))
		res.History = append(res.History, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   current.Content,
			ToolCalls: calls,
		})

		for _, tc := range calls {
			if err := ctx.Err(); err != nil {
				tr.End(iter, err)
				finish(err)
				return res, err
			}
			r.runTool(ctx, tr, iter, n, tc, sessionID, res)
		}

		if err := ctx.Err(); err != nil {
			tr.End(iter, err)
			finish(err)
			return res, err
		}
		resp, err := call(ctx, res.History)
		if err != nil {
			merr := &ModelCallError{Iteration: n, Err: err}
			tr.End(iter, merr)
			finish(merr)
			return res, merr
		}
		tr.End(iter, nil)
		current = resp
	}

	if current != nil {
		res.FinalResponse = current.Content
		if len(current.ToolCalls) > 0 {
			res.Truncated = true
			r.logger.Warn("agentic loop reached iteration limit",
				"session", sessionID,
				"iterations", res.Iterations,
				"pending_tool_calls", len(current.ToolCalls))
		}
	}
	finish(nil)
	return res, nil
}

func (r *Runner) runTool(ctx context.Context, tr *tracing.Trace, parent string, iteration int, tc llm.ToolCall, sessionID string, res *Result) {
	span := tr.Start("tool:"+tc.Name, parent, map[string]any{"tool_call_id": tc.ID})
	start := time.Now()

	var result tools.Result
	if r.exec == nil {
		result = tools.Failed(tc, errors.New("no tool executor configured"))
	} else {
		result = r.exec.Execute(ctx, tc)
	}
	if result.ToolCallID == "" {
		result.ToolCallID = tc.ID
	}
	if result.Name == "" {
		result.Name = tc.Name
	}

	res.ToolExecutions = append(res.ToolExecutions, Execution{
		Iteration: iteration,
		Call:      tc,
		Result:    result,
		Duration:  time.Since(start),
	})
	res.History = append(res.History, llm.Message{
		Role:       llm.RoleTool,
		Content:    result.Output,
		ToolCallID: result.ToolCallID,
		Name:       result.Name,
	})

	if result.Success {
		tr.End(span, nil)
		return
	}
	tr.End(span, errors.New(result.Output))
	r.logger.Debug("tool call failed", "tool", tc.Name, "session", sessionID, "error", result.Output)
	r.failures.LogFailure(failurelog.Entry{
		Category:  failurelog.CategoryToolFailure,
		Tool:      tc.Name,
		Error:     result.Output,
		Query:     llm.LastUserMessage(res.History),
		SessionID: sessionID,
	})
}
