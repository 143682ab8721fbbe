// Package router implements the dual-model routing protocol: a main model
// classifies what the user wants into an Intent, and an executor model turns
// that intent into exact tool calls.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/failurelog"
	"github.com/mtzanidakis/modelswarm/internal/intent"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotConfigured is returned by routing calls made before Configure.
	ErrNotConfigured = errors.New("router is not configured")
	ErrNoMainModel   = errors.New("main model is required")
	ErrNoPlan        = errors.New("main intent result is required")
)

type Mode string

const (
	ModeSingle Mode = "single"
	ModeDual   Mode = "dual"
)

type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseResponse  Phase = "response"
)

// RoutingPhase is the audit record of one model invocation.
type RoutingPhase struct {
	Phase            Phase         `json:"phase"`
	SystemPromptUsed string        `json:"system_prompt_used"`
	ModelID          string        `json:"model_id"`
	Latency          time.Duration `json:"latency"`
	Reasoning        string        `json:"reasoning,omitempty"`
}

type Latency struct {
	Main     time.Duration `json:"main,omitempty"`
	Executor time.Duration `json:"executor,omitempty"`
	Total    time.Duration `json:"total"`
}

type RoutingResult struct {
	Mode             Mode           `json:"mode"`
	MainResponse     *llm.Response  `json:"main_response,omitempty"`
	ExecutorResponse *llm.Response  `json:"executor_response,omitempty"`
	FinalResponse    string         `json:"final_response"`
	ToolCalls        []llm.ToolCall `json:"tool_calls,omitempty"`
	Latency          Latency        `json:"latency"`
	Phases           []RoutingPhase `json:"phases"`
	Intent           *intent.Intent `json:"intent,omitempty"`
	Capability       string         `json:"capability,omitempty"`
	Substitution     *Substitution  `json:"substitution,omitempty"`
}

// MainIntentResult is the planning half of the dual-model protocol. Text
// holds the reply for respond and ask_clarification intents; Config is the
// effective config the plan was made with. In single mode no planning call
// is made and the plan only carries the gating outcome.
type MainIntentResult struct {
	Mode         Mode           `json:"mode"`
	Intent       intent.Intent  `json:"intent"`
	Outcome      intent.Outcome `json:"outcome"`
	Response     *llm.Response  `json:"response,omitempty"`
	Text         string         `json:"text,omitempty"`
	Phases       []RoutingPhase `json:"phases"`
	Latency      time.Duration  `json:"latency"`
	Capability   string         `json:"capability,omitempty"`
	Substitution *Substitution  `json:"substitution,omitempty"`
	Config       RoutingConfig  `json:"-"`
}

// NeedsExecution reports whether the intent has to go to an executor.
func (m *MainIntentResult) NeedsExecution() bool {
	return m.Mode != ModeSingle && !m.Intent.IsDirect()
}

// ModelCallError wraps a failed model invocation.
type ModelCallError struct {
	ModelID string
	Phase   Phase
	Err     error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model %s (%s): %v", e.ModelID, e.Phase, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// ProfileStore is the capability state the router reads. *capability.Store
// satisfies it.
type ProfileStore interface {
	FallbackResolver
	GetProfile(modelID string) (capability.Profile, bool)
	EnsureProfile(modelID, provider string) (capability.Profile, bool, error)
	Prosthetic(modelID string) string
}

// ToolCatalog lists tools for prompts and executor schemas. *tools.Registry
// satisfies it.
type ToolCatalog interface {
	Definitions() []tools.Definition
	ToolDefinitions(names []string) []llm.ToolDefinition
}

type Deps struct {
	Profiles ProfileStore
	Clients  llm.Factory
	Tools    ToolCatalog
	Failures failurelog.Logger
	Logger   *slog.Logger
}

type Router struct {
	profiles ProfileStore
	clients  llm.Factory
	tools    ToolCatalog
	failures failurelog.Logger
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg *RoutingConfig
}

func New(deps Deps) *Router {
	r := &Router{
		profiles: deps.Profiles,
		clients:  deps.Clients,
		tools:    deps.Tools,
		failures: deps.Failures,
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

// Configure installs cfg and makes sure the main and executor models have
// profiles, saving placeholders for models that were never probed.
func (r *Router) Configure(cfg RoutingConfig) error {
	if cfg.MainModelID == "" {
		return ErrNoMainModel
	}
	cfg = cfg.Clone()
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	for _, id := range []string{cfg.MainModelID, cfg.ExecutorModelID} {
		if id == "" {
			continue
		}
		if err := r.ensureProfile(id, cfg.Provider); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.cfg = &cfg
	r.mu.Unlock()

	r.logger.Info("routing configured",
		"main", cfg.MainModelID,
		"executor", cfg.ExecutorModelID,
		"dual", cfg.Dual(),
		"timeout", cfg.Timeout)
	return nil
}

func (r *Router) ensureProfile(modelID, provider string) error {
	if r.profiles == nil {
		return nil
	}
	_, created, err := r.profiles.EnsureProfile(modelID, provider)
	if err != nil {
		return fmt.Errorf("profile for %s: %w", modelID, err)
	}
	if created {
		r.logger.Info("no capability profile, using placeholder", "model", modelID, "score", capability.PlaceholderScore)
	} else {
		r.logger.Debug("capability profile loaded", "model", modelID)
	}
	return nil
}

// Config returns a copy of the active config.
func (r *Router) Config() (RoutingConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg == nil {
		return RoutingConfig{}, false
	}
	return r.cfg.Clone(), true
}

func (r *Router) snapshot() (RoutingConfig, error) {
	cfg, ok := r.Config()
	if !ok {
		return RoutingConfig{}, ErrNotConfigured
	}
	return cfg, nil
}

// Route sends messages through the configured protocol. It is
// GetMainIntent followed by ExecuteWithIntent. On a model failure the phases
// completed so far are returned with the error.
func (r *Router) Route(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDefinition) (*RoutingResult, error) {
	plan, err := r.GetMainIntent(ctx, messages)
	if err != nil {
		if plan == nil {
			return nil, err
		}
		return &RoutingResult{
			Mode:         plan.Mode,
			Phases:       plan.Phases,
			Capability:   plan.Capability,
			Substitution: plan.Substitution,
			Latency:      Latency{Main: plan.Latency, Total: plan.Latency},
		}, err
	}
	return r.ExecuteWithIntent(ctx, plan, messages, toolDefs)
}

// GetMainIntent runs capability gating and, in dual mode, the planning call.
// When dual mode is disabled or a profile is missing it returns a single
// mode plan without calling a model.
func (r *Router) GetMainIntent(ctx context.Context, messages []llm.Message) (*MainIntentResult, error) {
	cfg, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	capName := InferCapability(llm.LastUserMessage(messages))
	eff, sub := r.effectiveConfig(cfg, capName, messages)
	if !r.dualReady(eff) {
		plan := &MainIntentResult{Mode: ModeSingle, Capability: capName, Substitution: sub, Config: eff}
		if sub != nil {
			plan.Phases = append(plan.Phases, sub.phase())
		}
		return plan, nil
	}
	return r.planWith(ctx, eff, capName, sub, messages)
}

// ExecuteWithIntent runs the second half of Route for a plan returned by
// GetMainIntent: the single mode call, the executor call, or the planned
// reply for respond and ask_clarification intents.
func (r *Router) ExecuteWithIntent(ctx context.Context, plan *MainIntentResult, messages []llm.Message, toolDefs []llm.ToolDefinition) (*RoutingResult, error) {
	if plan == nil {
		return nil, ErrNoPlan
	}
	start := time.Now()
	var (
		res *RoutingResult
		err error
	)
	if plan.Mode == ModeSingle {
		res, err = r.routeSingle(ctx, plan.Config, messages, toolDefs)
		res.Capability = plan.Capability
		res.Substitution = plan.Substitution
		res.Phases = append(append([]RoutingPhase(nil), plan.Phases...), res.Phases...)
	} else {
		res, err = r.executeWith(ctx, plan.Config, plan, messages, toolDefs)
	}
	res.Latency.Total = plan.Latency + time.Since(start)
	return res, err
}

// TrialResult is the outcome of one executor in TrialExecutors.
type TrialResult struct {
	ExecutorModelID string         `json:"executor_model_id"`
	Result          *RoutingResult `json:"result,omitempty"`
	Err             error          `json:"-"`
}

// TrialExecutors plans once with the main model and hands the same intent to
// every executor in executorIDs concurrently. Results keep the order of
// executorIDs; a failing executor does not affect the others.
func (r *Router) TrialExecutors(ctx context.Context, messages []llm.Message, executorIDs []string, toolDefs []llm.ToolDefinition) (*MainIntentResult, []TrialResult, error) {
	cfg, err := r.snapshot()
	if err != nil {
		return nil, nil, err
	}
	capName := InferCapability(llm.LastUserMessage(messages))
	eff, sub := r.effectiveConfig(cfg, capName, messages)
	plan, err := r.planWith(ctx, eff, capName, sub, messages)
	if err != nil {
		return plan, nil, err
	}

	trials := make([]TrialResult, len(executorIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range executorIDs {
		trials[i].ExecutorModelID = id
		g.Go(func() error {
			cfg := plan.Config.Clone()
			cfg.ExecutorModelID = id
			if err := r.ensureProfile(id, cfg.Provider); err != nil {
				trials[i].Err = err
				return nil
			}
			start := time.Now()
			res, err := r.executeWith(gctx, cfg, plan, messages, toolDefs)
			res.Latency.Total = time.Since(start)
			trials[i].Result = res
			trials[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("executor trial finished", "executors", len(executorIDs), "action", plan.Intent.Action)
	return plan, trials, nil
}

func (r *Router) effectiveConfig(cfg RoutingConfig, capName string, messages []llm.Message) (RoutingConfig, *Substitution) {
	eff, sub := ResolveEffectiveConfig(cfg, capName, r.profiles)
	if sub != nil {
		r.logger.Info("capability fallback",
			"capability", capName,
			"original", sub.OriginalModelID,
			"fallback", sub.FallbackModelID)
		if err := r.ensureProfile(sub.FallbackModelID, cfg.Provider); err != nil {
			r.logger.Warn("fallback profile unavailable", "model", sub.FallbackModelID, "error", err)
		}
		return eff, sub
	}
	if capName != "" && r.profiles != nil && r.profiles.IsCapabilityBlocked(cfg.MainModelID, capName) {
		r.logger.Warn("capability blocked and no fallback, continuing with original model",
			"capability", capName, "model", cfg.MainModelID)
		r.failures.LogFailure(failurelog.Entry{
			ModelID:  cfg.MainModelID,
			Category: failurelog.CategoryCapabilityFallbackExhausted,
			Error:    fmt.Sprintf("%s blocked for %s and no fallback model found", capName, cfg.MainModelID),
			Query:    llm.LastUserMessage(messages),
		})
	}
	return eff, nil
}

func (r *Router) dualReady(cfg RoutingConfig) bool {
	if !cfg.Dual() {
		return false
	}
	if r.profiles == nil {
		return true
	}
	_, mainOK := r.profiles.GetProfile(cfg.MainModelID)
	_, execOK := r.profiles.GetProfile(cfg.ExecutorModelID)
	return mainOK && execOK
}

func (r *Router) routeSingle(ctx context.Context, cfg RoutingConfig, messages []llm.Message, toolDefs []llm.ToolDefinition) (*RoutingResult, error) {
	res := &RoutingResult{Mode: ModeSingle}
	resp, latency, err := r.complete(ctx, cfg, cfg.MainModelID, PhaseResponse, cfg.Timeout, llm.Request{
		Messages: messages,
		Tools:    toolDefs,
	})
	res.Latency.Main = latency
	if err != nil {
		return res, err
	}
	res.MainResponse = resp
	res.FinalResponse = intent.StripReasoning(resp.Content)
	res.ToolCalls = llm.EnsureToolCallIDs(resp.ToolCalls)
	res.Phases = append(res.Phases, RoutingPhase{
		Phase:   PhaseResponse,
		ModelID: cfg.MainModelID,
		Latency: latency,
	})
	return res, nil
}

func (r *Router) planWith(ctx context.Context, cfg RoutingConfig, capName string, sub *Substitution, messages []llm.Message) (*MainIntentResult, error) {
	plan := &MainIntentResult{Mode: ModeDual, Capability: capName, Substitution: sub, Config: cfg}
	if sub != nil {
		plan.Phases = append(plan.Phases, sub.phase())
	}

	profile := r.profile(cfg.MainModelID)
	prompt := classifierPrompt(r.catalog(), profile, r.prosthetic(cfg.MainModelID))

	resp, latency, err := r.complete(ctx, cfg, cfg.MainModelID, PhasePlanning, cfg.PlanningTimeout(), llm.Request{
		Messages: withSystemPrompt(prompt, messages),
	})
	plan.Latency = latency
	if err != nil {
		return plan, err
	}
	plan.Response = resp

	in, outcome := intent.Normalize(resp.Content)
	if in.SchemaVersion == "" {
		in.SchemaVersion = intent.SchemaVersion
	}
	plan.Intent = in
	plan.Outcome = outcome
	r.reportParse(cfg.MainModelID, outcome, resp.Content, messages)

	plan.Phases = append(plan.Phases, RoutingPhase{
		Phase:            PhasePlanning,
		SystemPromptUsed: prompt,
		ModelID:          cfg.MainModelID,
		Latency:          latency,
		Reasoning:        in.Reasoning(),
	})

	if !plan.NeedsExecution() {
		plan.Text = in.ResponseText()
		if plan.Text == "" {
			text, extra := r.followUp(ctx, cfg, messages)
			plan.Text = text
			plan.Latency += extra
		}
	}
	return plan, nil
}

func (r *Router) reportParse(modelID string, outcome intent.Outcome, raw string, messages []llm.Message) {
	if len(outcome.Discarded) > 0 && outcome.Source != intent.SourceWrapper {
		r.failures.LogFailure(failurelog.Entry{
			ModelID:  modelID,
			Category: failurelog.CategoryParseFailure,
			Error:    fmt.Sprintf("tool call wrappers matched but did not decode: %s", strings.Join(outcome.Discarded, ", ")),
			Query:    llm.LastUserMessage(messages),
		})
	}
	if outcome.Source == intent.SourceText {
		r.logger.Info("planning output had no intent, treating as response", "model", modelID, "chars", len(raw))
	}
}

// followUp asks the main model for a plain reply when its intent carried no
// text. Failures degrade to a fixed apology.
func (r *Router) followUp(ctx context.Context, cfg RoutingConfig, messages []llm.Message) (string, time.Duration) {
	resp, latency, err := r.complete(ctx, cfg, cfg.MainModelID, PhaseResponse, cfg.PlanningTimeout(), llm.Request{
		Messages: withSystemPrompt(assistantPrompt, messages),
	})
	if err != nil {
		r.logger.Warn("follow-up response failed", "model", cfg.MainModelID, "error", err)
		return apology, latency
	}
	text := strings.TrimSpace(intent.StripReasoning(resp.Content))
	if text == "" {
		return apology, latency
	}
	return text, latency
}

func (r *Router) executeWith(ctx context.Context, cfg RoutingConfig, plan *MainIntentResult, messages []llm.Message, toolDefs []llm.ToolDefinition) (*RoutingResult, error) {
	in := plan.Intent
	res := &RoutingResult{
		Mode:         ModeDual,
		MainResponse: plan.Response,
		Intent:       &in,
		Phases:       append([]RoutingPhase(nil), plan.Phases...),
		Capability:   plan.Capability,
		Substitution: plan.Substitution,
		Latency:      Latency{Main: plan.Latency},
	}
	if !plan.NeedsExecution() {
		res.FinalResponse = plan.Text
		if res.FinalResponse == "" {
			res.FinalResponse = in.ResponseText()
		}
		if res.FinalResponse == "" {
			res.FinalResponse = apology
		}
		return res, nil
	}

	profile := r.profile(cfg.ExecutorModelID)
	prompt := executorPrompt(profile, r.prosthetic(cfg.ExecutorModelID))
	if len(toolDefs) == 0 {
		toolDefs = r.executorTools(profile, in)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return res, fmt.Errorf("encode intent: %w", err)
	}

	resp, latency, err := r.complete(ctx, cfg, cfg.ExecutorModelID, PhaseExecution, cfg.Timeout, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: string(payload)},
		},
		Tools: toolDefs,
	})
	res.Latency.Executor = latency
	if err != nil {
		return res, err
	}

	res.ExecutorResponse = resp
	res.ToolCalls = resp.ToolCalls
	if len(res.ToolCalls) == 0 {
		res.ToolCalls = toolCallsFromText(resp.Content)
	}
	res.ToolCalls = llm.EnsureToolCallIDs(res.ToolCalls)
	res.FinalResponse = intent.StripReasoning(resp.Content)
	res.Phases = append(res.Phases, RoutingPhase{
		Phase:            PhaseExecution,
		SystemPromptUsed: prompt,
		ModelID:          cfg.ExecutorModelID,
		Latency:          latency,
	})
	return res, nil
}

// executorTools derives schemas from the executor's enabled tools, or from
// the tools the intent names when none are enabled. Tools whose capability
// is blocked for the executor are left out.
func (r *Router) executorTools(profile capability.Profile, in intent.Intent) []llm.ToolDefinition {
	if r.tools == nil {
		return nil
	}
	names := profile.EnabledTools
	if len(names) == 0 {
		var steps []string
		for _, s := range in.Steps {
			steps = append(steps, s.Tool)
		}
		names = intentToolNames(in.Tool, steps)
	}
	capOf := make(map[string]string)
	for _, def := range r.tools.Definitions() {
		capOf[def.Name] = toolCapability(def)
	}
	var out []llm.ToolDefinition
	for _, def := range r.tools.ToolDefinitions(names) {
		if profile.IsBlocked(capOf[def.Name]) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// toolCallsFromText recovers tool calls from executors that write them as
// text instead of using native tool calling.
func toolCallsFromText(content string) []llm.ToolCall {
	in, outcome := intent.Normalize(content)
	if outcome.Source != intent.SourceWrapper && outcome.Source != intent.SourceJSON {
		return nil
	}
	var calls []llm.ToolCall
	add := func(tool string, params map[string]any) {
		if params == nil {
			params = map[string]any{}
		}
		args, err := json.Marshal(params)
		if err != nil {
			return
		}
		calls = append(calls, llm.ToolCall{Name: tool, Arguments: string(args)})
	}
	switch in.Action {
	case intent.ActionCallTool:
		add(in.Tool, in.Parameters)
	case intent.ActionMultiStep:
		for _, s := range in.Steps {
			add(s.Tool, s.Parameters)
		}
	}
	return calls
}

func (r *Router) complete(ctx context.Context, cfg RoutingConfig, modelID string, phase Phase, timeout time.Duration, req llm.Request) (*llm.Response, time.Duration, error) {
	if r.clients == nil {
		return nil, 0, &ModelCallError{ModelID: modelID, Phase: phase, Err: errors.New("no model client factory")}
	}
	client, err := r.clients.Client(modelID, cfg.Provider, cfg.ProviderSettings)
	if err != nil {
		return nil, 0, &ModelCallError{ModelID: modelID, Phase: phase, Err: err}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		r.logger.Warn("model call failed", "model", modelID, "phase", phase, "latency", latency, "error", err)
		return nil, latency, &ModelCallError{ModelID: modelID, Phase: phase, Err: err}
	}
	r.logger.Debug("model call", "model", modelID, "phase", phase, "latency", latency, "tool_calls", len(resp.ToolCalls))
	return resp, latency, nil
}

func (r *Router) profile(modelID string) capability.Profile {
	if r.profiles != nil {
		if p, ok := r.profiles.GetProfile(modelID); ok {
			return p
		}
	}
	return capability.NewPlaceholder(modelID, "")
}

func (r *Router) prosthetic(modelID string) string {
	if r.profiles == nil {
		return ""
	}
	return r.profiles.Prosthetic(modelID)
}

func (r *Router) catalog() []tools.Definition {
	if r.tools == nil {
		return nil
	}
	return r.tools.Definitions()
}
