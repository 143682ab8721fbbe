package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/modelswarm/internal/intent"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
)

// ErrNoModel means every candidate for a task type is disqualified.
var ErrNoModel = errors.New("no qualified model")

// Publisher publishes swarm events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// DisqualificationRecorder persists disqualifications. *store.Store
// satisfies it.
type DisqualificationRecorder interface {
	RecordDisqualification(sessionID, modelID, capability, reason string) error
}

type Options struct {
	Publisher Publisher
	Recorder  DisqualificationRecorder
	Logger    *slog.Logger
}

// Router picks models for task types from the active roster. A Router is
// safe for concurrent use; disqualifications are visible to every
// subsequent RouteTask call of the same session.
type Router struct {
	publisher Publisher
	recorder  DisqualificationRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	roster    Roster
	sessionID string
	disq      map[string]map[string]Disqualification
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		logger:    logger,
		now:       time.Now,
		disq:      make(map[string]map[string]Disqualification),
	}
}

// Initialize installs roster, clears all disqualifications and starts a new
// session.
func (r *Router) Initialize(roster Roster) {
	roster = roster.normalized()
	session := uuid.NewString()

	r.mu.Lock()
	r.roster = roster
	r.sessionID = session
	r.disq = make(map[string]map[string]Disqualification)
	r.mu.Unlock()

	r.logger.Info("swarm initialized", "session", session, "models", len(roster.Models), "main", roster.MainModel())
	r.publish(natsbus.TopicEventsSwarmReset, Event{
		Type:      "swarm_initialized",
		SessionID: session,
		Models:    slices.Clone(roster.Models),
		Timestamp: r.now().UTC().Format(time.RFC3339),
	})
}

// Reset starts a new session with the current roster.
func (r *Router) Reset() {
	r.Initialize(r.Roster())
}

func (r *Router) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

func (r *Router) Roster() Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roster.clone()
}

// Candidates returns the precedence order for taskType before
// disqualifications are applied.
func (r *Router) Candidates(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return candidateOrder(r.roster, taskType)
}

func candidateOrder(roster Roster, taskType string) []string {
	var groups [][]string
	switch taskType {
	case TaskReasoning, TaskPlanning:
		groups = [][]string{roster.withRole(RoleMain), roster.withRole(RoleSpecialist)}
	case TaskCoding, TaskToolUse:
		groups = [][]string{roster.withRole(RoleExecutor), roster.withRole(RoleMain)}
	case TaskRAG:
		groups = [][]string{roster.withRole(RoleSpecialist), roster.withRole(RoleMain)}
	default:
		groups = [][]string{{roster.MainModel()}, roster.Models}
	}

	var out []string
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, id := range g {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// RouteTask returns the first qualified candidate for taskType. When every
// candidate is disqualified the designated main model is used, unless it is
// disqualified too, in which case ok is false.
func (r *Router) RouteTask(taskType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range candidateOrder(r.roster, taskType) {
		if !r.isDisqualifiedLocked(id, taskType) {
			return id, true
		}
	}
	main := r.roster.MainModel()
	if main == "" || r.isDisqualifiedLocked(main, taskType) {
		return "", false
	}
	return main, true
}

// RouteTaskOrErr is RouteTask reporting failure as ErrNoModel.
func (r *Router) RouteTaskOrErr(taskType string) (string, error) {
	id, ok := r.RouteTask(taskType)
	if !ok {
		return "", fmt.Errorf("%w for task type %q", ErrNoModel, taskType)
	}
	return id, nil
}

// TaskTypeForAction maps an intent action to a coarse task type.
func TaskTypeForAction(a intent.Action) string {
	switch a {
	case intent.ActionCallTool:
		return TaskToolUse
	case intent.ActionMultiStep:
		return TaskPlanning
	default:
		return TaskReasoning
	}
}

// ExecuteIntent routes in by its action.
func (r *Router) ExecuteIntent(in intent.Intent) (string, bool) {
	return r.RouteTask(TaskTypeForAction(in.Action))
}

// DisqualifyModel removes modelID from capability for the current session.
// Repeated calls are no-ops; the first reason is kept.
func (r *Router) DisqualifyModel(modelID, capability, reason string) {
	r.mu.Lock()
	if _, exists := r.disq[modelID][capability]; exists {
		r.mu.Unlock()
		return
	}
	d := Disqualification{
		ModelID:    modelID,
		Capability: capability,
		Reason:     reason,
		At:         r.now(),
	}
	if r.disq[modelID] == nil {
		r.disq[modelID] = make(map[string]Disqualification)
	}
	r.disq[modelID][capability] = d
	session := r.sessionID
	r.mu.Unlock()

	r.logger.Warn("model disqualified", "session", session, "model", modelID, "capability", capability, "reason", reason)

	if r.recorder != nil {
		if err := r.recorder.RecordDisqualification(session, modelID, capability, reason); err != nil {
			r.logger.Warn("failed to record disqualification", "model", modelID, "error", err)
		}
	}
	r.publish(natsbus.TopicEventsDisqualified, Event{
		Type:             "model_disqualified",
		SessionID:        session,
		Disqualification: &d,
		Timestamp:        d.At.UTC().Format(time.RFC3339),
	})
}

func (r *Router) IsDisqualified(modelID, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isDisqualifiedLocked(modelID, capability)
}

func (r *Router) isDisqualifiedLocked(modelID, capability string) bool {
	_, ok := r.disq[modelID][capability]
	return ok
}

// Disqualifications returns a copy of the table keyed by model then
// capability.
func (r *Router) Disqualifications() map[string]map[string]Disqualification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]Disqualification, len(r.disq))
	for id, caps := range r.disq {
		out[id] = maps.Clone(caps)
	}
	return out
}

func (r *Router) publish(topic string, e Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishJSON(topic, e); err != nil {
		r.logger.Warn("failed to publish swarm event", "type", e.Type, "error", err)
	}
}
