package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives span lifecycle events. Spans are passed by value.
type Sink interface {
	StartSpan(traceID string, span Span)
	EndSpan(traceID string, span Span)
}

// Noop discards all span events.
type Noop struct{}

func (Noop) StartSpan(string, Span) {}
func (Noop) EndSpan(string, Span)   {}

// LogSink writes finished spans to a slog logger at debug level, errors at
// warn.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) StartSpan(string, Span) {}

func (l LogSink) EndSpan(traceID string, s Span) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"trace", traceID, "span", s.Name, "duration", s.EndedAt.Sub(s.StartedAt)}
	if s.Status == StatusError {
		logger.Warn("span failed", append(args, "error", s.Error)...)
		return
	}
	logger.Debug("span finished", args...)
}

// Multi fans span events out to several sinks.
type Multi []Sink

func (m Multi) StartSpan(traceID string, s Span) {
	for _, sink := range m {
		sink.StartSpan(traceID, s)
	}
}

func (m Multi) EndSpan(traceID string, s Span) {
	for _, sink := range m {
		sink.EndSpan(traceID, s)
	}
}

// OTelSink mirrors recorded spans into OpenTelemetry, preserving parentage.
type OTelSink struct {
	tracer trace.Tracer
	ctx    context.Context

	mu   sync.Mutex
	live map[string]trace.Span
}

// NewOTelSink exports through tracer. Root spans become children of any span
// carried by ctx.
func NewOTelSink(ctx context.Context, tracer trace.Tracer) *OTelSink {
	if ctx == nil {
		ctx = context.Background()
	}
	return &OTelSink{tracer: tracer, ctx: ctx, live: make(map[string]trace.Span)}
}

func (o *OTelSink) StartSpan(traceID string, s Span) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx := o.ctx
	if parent, ok := o.live[s.ParentID]; ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	attrs := append(toAttributes(s.Attributes), attribute.String("modelswarm.trace_id", traceID))
	_, span := o.tracer.Start(ctx, s.Name,
		trace.WithTimestamp(s.StartedAt),
		trace.WithAttributes(attrs...),
	)
	o.live[s.ID] = span
}

func (o *OTelSink) EndSpan(_ string, s Span) {
	o.mu.Lock()
	span, ok := o.live[s.ID]
	delete(o.live, s.ID)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(toAttributes(s.Attributes)...)
	if s.Status == StatusError {
		span.SetStatus(codes.Error, s.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(s.EndedAt))
}

// Live reports how many spans are open.
func (o *OTelSink) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

func toAttributes(m map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case []string:
			out = append(out, attribute.StringSlice(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}
