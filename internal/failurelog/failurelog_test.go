package failurelog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSink struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
}

func (m *memSink) Write(_ context.Context, e Entry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestAsyncWritesAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	failing := SinkFunc(func(context.Context, Entry) error { return errors.New("disk full") })
	log := NewAsync(8, quietLogger(), a, failing, b)

	log.LogFailure(Entry{Category: CategoryToolFailure, Tool: "shell_exec", Error: "exit 1"})
	log.LogFailure(Entry{Category: CategoryParseFailure, ModelID: "m1", Error: "bad json"})
	log.Close()

	for _, sink := range []*memSink{a, b} {
		if len(sink.entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(sink.entries))
		}
		if sink.entries[0].Time.IsZero() {
			t.Error("expected time stamped")
		}
		if sink.entries[1].Category != CategoryParseFailure {
			t.Errorf("expected order preserved, got %s", sink.entries[1].Category)
		}
	}
}

func TestAsyncNeverBlocks(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	log := NewAsync(1, quietLogger(), sink)

	done := make(chan struct{})
	go func() {
		for range 10 {
			log.LogFailure(Entry{Category: CategoryToolFailure})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LogFailure blocked on a stalled sink")
	}
	if log.Dropped() == 0 {
		t.Error("expected dropped entries with a full queue")
	}

	close(sink.block)
	log.Close()
	log.LogFailure(Entry{Category: CategoryToolFailure})
	log.Close()
}

type memPublisher struct {
	topic string
	v     any
}

func (m *memPublisher) PublishJSON(topic string, v any) error {
	m.topic, m.v = topic, v
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &memPublisher{}
	e := Entry{Category: CategoryCapabilityFallbackExhausted, ModelID: "m1"}
	if err := (NATSSink{Client: pub}).Write(context.Background(), e); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pub.topic != "events.failure" {
		t.Errorf("expected events.failure, got %s", pub.topic)
	}
	if pub.v.(Entry).ModelID != "m1" {
		t.Errorf("expected entry published, got %+v", pub.v)
	}
}

func TestStoreSink(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := NewAsync(4, quietLogger(), StoreSink{Store: s}, SlogSink{Logger: quietLogger()})
	log.LogFailure(Entry{Category: CategoryToolFailure, Tool: "read_file", Error: "no such file", SessionID: "s1"})
	log.Close()

	failures, err := s.ListFailures(CategoryToolFailure, 10)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Tool != "read_file" || failures[0].SessionID != "s1" {
		t.Errorf("unexpected failures: %+v", failures)
	}
}
