// Package failurelog reports parse, tool and routing failures to external
// analytics without ever blocking the caller.
package failurelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	CategoryParseFailure                = "parse_failure"
	CategoryToolFailure                 = "tool_failure"
	CategoryCapabilityFallbackExhausted = "capability_fallback_exhausted"
	CategoryModelCallFailure            = "model_call_failure"
)

const defaultBuffer = 256

type Entry struct {
	ModelID   string    `json:"model_id,omitempty"`
	Category  string    `json:"category"`
	Tool      string    `json:"tool,omitempty"`
	Error     string    `json:"error"`
	Query     string    `json:"query,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Logger accepts failure reports. LogFailure must return immediately.
type Logger interface {
	LogFailure(e Entry)
}

// Discard drops every entry.
var Discard Logger = discard{}

type discard struct{}

func (discard) LogFailure(Entry) {}

// Sink persists or forwards one entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Async queues entries and writes them to every sink from a single
// goroutine. When the queue is full new entries are dropped and counted.
type Async struct {
	queue   chan Entry
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Int64
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(buffer int, logger *slog.Logger, sinks ...Sink) *Async {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		queue:  make(chan Entry, buffer),
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) LogFailure(e Entry) {
	if e.Time.IsZero() {
		e.Time = a.now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn("failure log queue full, dropping entries", "category", e.Category)
		}
	}
}

// Dropped reports how many entries were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting entries and waits for queued ones to be written.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		for _, sink := range a.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Write(ctx, e); err != nil {
				a.logger.Warn("failure log sink error", "category", e.Category, "error", err)
			}
			cancel()
		}
	}
}
