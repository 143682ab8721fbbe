// Package tracing records execution traces as span trees and forwards span
// lifecycle events to a pluggable sink.
package tracing

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Span struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	ParentID   string         `json:"parent_id,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitzero"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (s Span) clone() Span {
	s.Attributes = maps.Clone(s.Attributes)
	return s
}

// Trace is one execution trace. All methods are safe for concurrent use and
// on a nil *Trace, which records nothing.
type Trace struct {
	mu    sync.Mutex
	id    string
	spans []*Span
	index map[string]*Span
	sink  Sink
	now   func() time.Time
}

// New starts an empty trace. A nil sink discards span events.
func New(sink Sink) *Trace {
	if sink == nil {
		sink = Noop{}
	}
	return &Trace{
		id:    uuid.NewString(),
		index: make(map[string]*Span),
		sink:  sink,
		now:   time.Now,
	}
}

func (t *Trace) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Start opens a span under parentID ("" for a root) and returns its id.
func (t *Trace) Start(name, parentID string, attrs map[string]any) string {
	if t == nil {
		return ""
	}
	s := &Span{
		ID:         uuid.NewString(),
		Name:       name,
		ParentID:   parentID,
		StartedAt:  t.now(),
		Status:     StatusRunning,
		Attributes: maps.Clone(attrs),
	}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.index[s.ID] = s
	snapshot := s.clone()
	t.mu.Unlock()

	t.sink.StartSpan(t.id, snapshot)
	return s.ID
}

func (t *Trace) SetAttribute(spanID, key string, value any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.index[spanID]
	if !ok {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
}

// End closes a span with success, or error when err is non-nil. Ending an
// unknown or already closed span is a no-op.
func (t *Trace) End(spanID string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	s, ok := t.index[spanID]
	if !ok || s.Status != StatusRunning {
		t.mu.Unlock()
		return
	}
	s.EndedAt = t.now()
	s.Status = StatusSuccess
	if err != nil {
		s.Status = StatusError
		s.Error = err.Error()
	}
	snapshot := s.clone()
	t.mu.Unlock()

	t.sink.EndSpan(t.id, snapshot)
}

// Spans returns a copy of every span in start order.
func (t *Trace) Spans() []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Span, len(t.spans))
	for i, s := range t.spans {
		out[i] = s.clone()
	}
	return out
}

func (t *Trace) Span(id string) (Span, bool) {
	if t == nil {
		return Span{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.index[id]
	if !ok {
		return Span{}, false
	}
	return s.clone(), true
}

// Children returns the direct children of parentID in start order.
func (t *Trace) Children(parentID string) []Span {
	var out []Span
	for _, s := range t.Spans() {
		if s.ParentID == parentID {
			out = append(out, s)
		}
	}
	return out
}
