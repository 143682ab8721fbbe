package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/modelswarm/internal/intent"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/loop"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/mtzanidakis/modelswarm/internal/router"
	"github.com/mtzanidakis/modelswarm/internal/store"
	"github.com/mtzanidakis/modelswarm/internal/swarm"
)

type routeRequest struct {
	Messages      []llm.Message        `json:"messages"`
	Tools         []llm.ToolDefinition `json:"tools,omitempty"`
	RunLoop       bool                 `json:"run_loop,omitempty"`
	MaxIterations int                  `json:"max_iterations,omitempty"`
}

type routeReply struct {
	RunID     string                `json:"run_id"`
	SessionID string                `json:"session_id"`
	Routing   *router.RoutingResult `json:"routing"`
	Loop      *loop.Result          `json:"loop,omitempty"`
	LoopError string                `json:"loop_error,omitempty"`
}

type swarmRouteRequest struct {
	TaskType string        `json:"task_type,omitempty"`
	Action   intent.Action `json:"action,omitempty"`
}

type swarmRouteReply struct {
	ModelID   string `json:"model_id"`
	TaskType  string `json:"task_type"`
	SessionID string `json:"session_id"`
}

type disqualifyRequest struct {
	ModelID    string `json:"model_id"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
}

type routingEvent struct {
	RunID        string    `json:"run_id"`
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode"`
	MainModel    string    `json:"main_model"`
	Capability   string    `json:"capability,omitempty"`
	ToolCalls    int       `json:"tool_calls"`
	Error        string    `json:"error,omitempty"`
	TotalLatency int64     `json:"total_latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// runRecorder persists routing audit rows. *store.Store satisfies it.
type runRecorder interface {
	SaveRoutingRun(r *store.RoutingRun) error
}

type eventPublisher interface {
	PublishJSON(topic string, v any) error
}

// service answers the NATS request/reply subjects.
type service struct {
	router        *router.Router
	swarm         *swarm.Router
	runner        *loop.Runner
	clients       llm.Factory
	catalog       router.ToolCatalog
	runs          runRecorder
	events        eventPublisher
	maxIterations func() int
	logger        *slog.Logger
}

func newService(a *app, events eventPublisher) *service {
	return &service{
		router:        a.router,
		swarm:         a.swarm,
		runner:        a.runner,
		clients:       a.pool,
		catalog:       a.tools,
		runs:          a.db,
		events:        events,
		maxIterations: a.maxIterations,
		logger:        slog.Default(),
	}
}

func (s *service) handleRoute(ctx context.Context, data []byte) ([]byte, error) {
	var req routeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode route request: %w", err)
	}
	reply, err := s.route(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(reply)
}

func (s *service) route(ctx context.Context, req routeRequest) (*routeReply, error) {
	if len(req.Messages) == 0 {
		return nil, llm.ErrNoMessages
	}
	res, err := s.router.Route(ctx, req.Messages, req.Tools)
	runID := s.record(req.Messages, res, err)
	if err != nil {
		return nil, err
	}

	reply := &routeReply{RunID: runID, SessionID: s.swarm.SessionID(), Routing: res}
	if req.RunLoop && len(res.ToolCalls) > 0 {
		lr, err := s.runLoop(ctx, req, res)
		reply.Loop = lr
		if err != nil {
			reply.LoopError = err.Error()
			s.logger.Warn("agentic loop failed", "run", runID, "error", err)
		}
	}
	return reply, nil
}

// runLoop executes the routed tool calls and continues the conversation
// with the model that produced them.
func (s *service) runLoop(ctx context.Context, req routeRequest, res *router.RoutingResult) (*loop.Result, error) {
	cfg, ok := s.router.Config()
	if !ok {
		return nil, router.ErrNotConfigured
	}
	modelID := cfg.MainModelID
	switch {
	case res.Mode == router.ModeDual:
		modelID = cfg.ExecutorModelID
	case res.Substitution != nil:
		modelID = res.Substitution.FallbackModelID
	}
	client, err := s.clients.Client(modelID, cfg.Provider, cfg.ProviderSettings)
	if err != nil {
		return nil, err
	}

	toolDefs := req.Tools
	if len(toolDefs) == 0 {
		toolDefs = s.catalog.ToolDefinitions(nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = router.DefaultTimeout
	}
	call := func(ctx context.Context, msgs []llm.Message) (*llm.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Complete(ctx, llm.Request{Messages: msgs, Tools: toolDefs})
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = s.maxIterations()
	}
	initial := &llm.Response{Content: res.FinalResponse, ToolCalls: res.ToolCalls}
	return s.runner.Run(ctx, initial, req.Messages, call, s.swarm.SessionID(), maxIter)
}

// record writes the audit row and publishes the routing event. Failures
// are logged only.
func (s *service) record(messages []llm.Message, res *router.RoutingResult, routeErr error) string {
	run := &store.RoutingRun{
		ID:        uuid.NewString(),
		SessionID: s.swarm.SessionID(),
		Query:     llm.LastUserMessage(messages),
	}
	if cfg, ok := s.router.Config(); ok {
		run.MainModel = cfg.MainModelID
		run.ExecutorModel = cfg.ExecutorModelID
	}
	if routeErr != nil {
		run.Error = routeErr.Error()
	}
	if res != nil {
		run.Mode = string(res.Mode)
		run.Capability = res.Capability
		run.FinalResponse = res.FinalResponse
		if res.Substitution != nil {
			run.MainModel = res.Substitution.FallbackModelID
		}
		if res.Mode == router.ModeSingle {
			run.ExecutorModel = ""
		}
		run.Phases, _ = json.Marshal(res.Phases)
		if len(res.ToolCalls) > 0 {
			run.ToolCalls, _ = json.Marshal(res.ToolCalls)
		}
		run.MainLatencyMS = res.Latency.Main.Milliseconds()
		run.ExecutorLatencyMS = res.Latency.Executor.Milliseconds()
		run.TotalLatencyMS = res.Latency.Total.Milliseconds()
	}
	if run.Mode == "" {
		run.Mode = "none"
	}

	if s.runs != nil {
		if err := s.runs.SaveRoutingRun(run); err != nil {
			s.logger.Error("failed to save routing run", "run", run.ID, "error", err)
		}
	}

	if s.events != nil {
		event := routingEvent{
			RunID:        run.ID,
			SessionID:    run.SessionID,
			Mode:         run.Mode,
			MainModel:    run.MainModel,
			Capability:   run.Capability,
			Error:        run.Error,
			TotalLatency: run.TotalLatencyMS,
			Timestamp:    time.Now().UTC(),
		}
		if res != nil {
			event.ToolCalls = len(res.ToolCalls)
		}
		if err := s.events.PublishJSON(natsbus.TopicEventsRouting, event); err != nil {
			s.logger.Warn("failed to publish routing event", "error", err)
		}
		if run.MainModel != "" {
			_ = s.events.PublishJSON(natsbus.TopicEventsModel(run.MainModel), event)
		}
	}
	return run.ID
}

func (s *service) handleSwarmRoute(_ context.Context, data []byte) ([]byte, error) {
	var req swarmRouteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode swarm route request: %w", err)
	}
	task := req.TaskType
	if task == "" {
		if req.Action == "" {
			return nil, errors.New("task_type or action is required")
		}
		task = swarm.TaskTypeForAction(req.Action)
	}
	modelID, err := s.swarm.RouteTaskOrErr(task)
	if err != nil {
		return nil, err
	}
	return json.Marshal(swarmRouteReply{ModelID: modelID, TaskType: task, SessionID: s.swarm.SessionID()})
}

func (s *service) handleDisqualify(_ context.Context, data []byte) ([]byte, error) {
	var req disqualifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode disqualify request: %w", err)
	}
	if req.ModelID == "" || req.Capability == "" {
		return nil, errors.New("model_id and capability are required")
	}
	s.swarm.DisqualifyModel(req.ModelID, req.Capability, req.Reason)
	return json.Marshal(map[string]string{"session_id": s.swarm.SessionID()})
}
