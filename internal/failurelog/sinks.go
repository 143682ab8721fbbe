package failurelog

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/mtzanidakis/modelswarm/internal/store"
)

// SlogSink writes entries as warnings.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(_ context.Context, e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("failure recorded",
		"category", e.Category,
		"model", e.ModelID,
		"tool", e.Tool,
		"session", e.SessionID,
		"error", e.Error,
	)
	return nil
}

// FailureSaver persists failures. *store.Store satisfies it.
type FailureSaver interface {
	SaveFailure(f *store.Failure) error
}

// StoreSink writes entries to the failures table.
type StoreSink struct {
	Store FailureSaver
}

func (s StoreSink) Write(_ context.Context, e Entry) error {
	return s.Store.SaveFailure(&store.Failure{
		ModelID:   e.ModelID,
		Category:  e.Category,
		Tool:      e.Tool,
		Error:     e.Error,
		Query:     e.Query,
		SessionID: e.SessionID,
	})
}

// Publisher publishes JSON events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// NATSSink publishes entries on events.failure for external analysis.
type NATSSink struct {
	Client Publisher
}

func (s NATSSink) Write(_ context.Context, e Entry) error {
	return s.Client.PublishJSON(natsbus.TopicEventsFailure, e)
}
