package llm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit caps next at rpm requests per minute. Callers block until a
// slot is free or ctx ends. rpm <= 0 returns next unchanged.
func WithRateLimit(next Client, rpm int) Client {
	if next == nil || rpm <= 0 {
		return next
	}
	return &limitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

func (c *limitedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Complete(ctx, req)
}

type tracedClient struct {
	next    Client
	tracer  trace.Tracer
	modelID string
}

// WithTracing wraps next so every completion is recorded as a client span.
// A nil tracer returns next unchanged.
func WithTracing(next Client, tracer trace.Tracer, modelID string) Client {
	if next == nil || tracer == nil {
		return next
	}
	return &tracedClient{next: next, tracer: tracer, modelID: modelID}
}

func (c *tracedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "model.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("model.id", c.modelID),
			attribute.Int("model.messages", len(req.Messages)),
			attribute.Int("model.tools", len(req.Tools)),
		),
	)
	defer span.End()

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model complete failed")
		return resp, err
	}
	span.SetAttributes(
		attribute.Int("model.input_tokens", resp.Usage.InputTokens),
		attribute.Int("model.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("model.tool_calls", len(resp.ToolCalls)),
		attribute.String("model.finish_reason", resp.FinishReason),
	)
	span.SetStatus(codes.Ok, "ok")
	return resp, nil
}

// EnsureToolCallIDs assigns an id to every call that lacks one. Local models
// frequently omit ids, but tool results are keyed by them.
func EnsureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return calls
}
