package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/failurelog"
	"github.com/mtzanidakis/modelswarm/internal/intent"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
)

type reply struct {
	resp *llm.Response
	err  error
}

// scriptedClient answers with replies in order and repeats the last one.
type scriptedClient struct {
	mu      sync.Mutex
	replies []reply
	reqs    []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if len(c.replies) == 0 {
		return &llm.Response{}, nil
	}
	r := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return r.resp, r.err
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func text(s string) reply { return reply{resp: &llm.Response{Content: s}} }

type fakeFactory map[string]*scriptedClient

func (f fakeFactory) Client(modelID, _ string, _ map[string]string) (llm.Client, error) {
	c, ok := f[modelID]
	if !ok {
		return nil, fmt.Errorf("no client for %s", modelID)
	}
	return c, nil
}

type recordingFailures struct {
	mu      sync.Mutex
	entries []failurelog.Entry
}

func (r *recordingFailures) LogFailure(e failurelog.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func newTestRouter(t *testing.T, clients fakeFactory) (*Router, *capability.Store, *recordingFailures) {
	t.Helper()
	profiles := capability.NewStore(nil, nil, nil)
	catalog := tools.NewRegistry(nil)
	err := catalog.SetDefinitions([]tools.Definition{
		{Name: "shell_exec", Description: "Run a shell command", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
		}},
		{Name: "read_file", Description: "Read a file"},
		{Name: "browser", Description: "Browse the web"},
	})
	if err != nil {
		t.Fatalf("set definitions: %v", err)
	}
	failures := &recordingFailures{}
	r := New(Deps{Profiles: profiles, Clients: clients, Tools: catalog, Failures: failures})
	return r, profiles, failures
}

func blocked(t *testing.T, store *capability.Store, modelID, fallback string, caps ...string) {
	t.Helper()
	no := false
	p := capability.NewPlaceholder(modelID, "")
	p.FallbackModelID = fallback
	for _, c := range caps {
		p.Capabilities[c] = capability.Status{NativeScore: 10, Trainable: &no}
	}
	if err := store.SaveProfile(p); err != nil {
		t.Fatalf("save profile: %v", err)
	}
}

func user(s string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: s}}
}

func dualConfig() RoutingConfig {
	return RoutingConfig{MainModelID: "planner", ExecutorModelID: "coder", EnableDualModel: true}
}

func TestRouteDualToolCall(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`{"action":"call_tool","tool":"shell_exec","parameters":{"command":"npm test"},"metadata":{"reasoning":"tests requested"}}`)}}
	coder := &scriptedClient{replies: []reply{{resp: &llm.Response{ToolCalls: []llm.ToolCall{{Name: "shell_exec", Arguments: `{"command":"npm test"}`}}}}}}
	r, _, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res, err := r.Route(context.Background(), user("run npm test"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	if res.Mode != ModeDual {
		t.Errorf("expected dual mode, got %s", res.Mode)
	}
	if len(res.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(res.Phases))
	}
	if res.Phases[0].Phase != PhasePlanning || res.Phases[0].ModelID != "planner" || res.Phases[0].Reasoning != "tests requested" {
		t.Errorf("unexpected planning phase: %+v", res.Phases[0])
	}
	if res.Phases[1].Phase != PhaseExecution || res.Phases[1].ModelID != "coder" {
		t.Errorf("unexpected execution phase: %+v", res.Phases[1])
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "shell_exec" || res.ToolCalls[0].ID == "" {
		t.Fatalf("expected one shell_exec call with an id, got %+v", res.ToolCalls)
	}
	if res.Capability != "shell_exec" {
		t.Errorf("expected inferred capability shell_exec, got %q", res.Capability)
	}

	exec := coder.reqs[0]
	if exec.Temperature != 0 {
		t.Errorf("expected deterministic executor call, got temperature %v", exec.Temperature)
	}
	if !strings.HasPrefix(exec.Messages[0].Content, executorPreamble) {
		t.Error("expected executor system prompt")
	}
	if !strings.Contains(exec.Messages[1].Content, `"tool":"shell_exec"`) {
		t.Errorf("expected intent JSON as user content, got %s", exec.Messages[1].Content)
	}
	if len(exec.Tools) != 1 || exec.Tools[0].Name != "shell_exec" {
		t.Errorf("expected only the intent's tool offered, got %+v", exec.Tools)
	}
}

func TestRouteMainWrapperToolCall(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`<tool_call>{"name":"shell_exec","arguments":{"command":"npm test"}}</tool_call>`)}}
	coder := &scriptedClient{replies: []reply{{resp: &llm.Response{ToolCalls: []llm.ToolCall{{Name: "shell_exec", Arguments: `{"command":"npm test"}`}}}}}}
	r, _, failures := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res, err := r.Route(context.Background(), user("run npm test"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Mode != ModeDual {
		t.Errorf("expected dual mode, got %s", res.Mode)
	}
	if len(res.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(res.Phases))
	}
	if res.Intent == nil || res.Intent.Action != intent.ActionCallTool || res.Intent.Tool != "shell_exec" {
		t.Fatalf("expected call_tool intent for shell_exec, got %+v", res.Intent)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "shell_exec" {
		t.Fatalf("expected one shell_exec call, got %+v", res.ToolCalls)
	}
	if coder.calls() != 1 || !strings.Contains(coder.reqs[0].Messages[1].Content, `"command":"npm test"`) {
		t.Errorf("expected executor to receive the wrapped parameters, got %+v", coder.reqs)
	}
	if len(failures.entries) != 0 {
		t.Errorf("expected no parse failures for a decoded wrapper, got %+v", failures.entries)
	}
}

func TestRoutePlainTextResponse(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text("Hello! How can I help?")}}
	coder := &scriptedClient{}
	r, _, failures := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res, err := r.Route(context.Background(), user("hi"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.FinalResponse != "Hello! How can I help?" {
		t.Errorf("expected greeting, got %q", res.FinalResponse)
	}
	if len(res.Phases) != 1 {
		t.Errorf("expected 1 phase, got %d", len(res.Phases))
	}
	if coder.calls() != 0 {
		t.Errorf("expected executor not called, got %d calls", coder.calls())
	}
	if len(failures.entries) != 0 {
		t.Errorf("expected no failures, got %+v", failures.entries)
	}
}

func TestRouteEmptyResponseFollowUp(t *testing.T) {
	tests := []struct {
		name     string
		followUp reply
		want     string
	}{
		{"answered", text("Sure, here it is."), "Sure, here it is."},
		{"failed", reply{err: errors.New("boom")}, apology},
		{"empty", text("<think>hmm</think>"), apology},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := &scriptedClient{replies: []reply{text(`{"action":"respond"}`), tt.followUp}}
			r, _, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": &scriptedClient{}})
			if err := r.Configure(dualConfig()); err != nil {
				t.Fatalf("configure: %v", err)
			}
			res, err := r.Route(context.Background(), user("tell me something"), nil)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if res.FinalResponse != tt.want {
				t.Errorf("expected %q, got %q", tt.want, res.FinalResponse)
			}
			if planner.calls() != 2 {
				t.Errorf("expected one follow-up call, got %d calls", planner.calls())
			}
		})
	}
}

func TestRouteCapabilitySubstitution(t *testing.T) {
	small := &scriptedClient{}
	big := &scriptedClient{replies: []reply{text(`{"action":"call_tool","tool":"shell_exec","parameters":{"command":"make"}}`)}}
	coder := &scriptedClient{replies: []reply{{resp: &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "shell_exec", Arguments: `{"command":"make"}`}}}}}}
	r, store, _ := newTestRouter(t, fakeFactory{"small": small, "big": big, "coder": coder})
	blocked(t, store, "small", "big", "shell_exec")

	cfg := RoutingConfig{MainModelID: "small", ExecutorModelID: "coder", EnableDualModel: true}
	if err := r.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res, err := r.Route(context.Background(), user("run make"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	want := &Substitution{Capability: "shell_exec", OriginalModelID: "small", FallbackModelID: "big"}
	if diff := cmp.Diff(want, res.Substitution); diff != "" {
		t.Errorf("substitution mismatch (-want +got):\n%s", diff)
	}
	if len(res.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(res.Phases))
	}
	if res.Phases[0].SystemPromptUsed != "[capability-fallback]" || res.Phases[0].ModelID != "big" {
		t.Errorf("expected fallback phase first, got %+v", res.Phases[0])
	}
	if res.Phases[1].ModelID != "big" {
		t.Errorf("expected planning by fallback model, got %s", res.Phases[1].ModelID)
	}
	if small.calls() != 0 {
		t.Errorf("expected blocked model not called, got %d calls", small.calls())
	}
	if got, _ := r.Config(); got.MainModelID != "small" {
		t.Errorf("expected configured main model unchanged, got %s", got.MainModelID)
	}
}

func TestRouteFallbackExhausted(t *testing.T) {
	small := &scriptedClient{replies: []reply{text("done")}}
	r, store, failures := newTestRouter(t, fakeFactory{"small": small})
	blocked(t, store, "small", "", "shell_exec")

	if err := r.Configure(RoutingConfig{MainModelID: "small"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	res, err := r.Route(context.Background(), user("run the build"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Mode != ModeSingle || res.FinalResponse != "done" {
		t.Errorf("expected single-mode answer from original model, got %s %q", res.Mode, res.FinalResponse)
	}
	if res.Substitution != nil {
		t.Errorf("expected no substitution, got %+v", res.Substitution)
	}
	if len(failures.entries) != 1 || failures.entries[0].Category != failurelog.CategoryCapabilityFallbackExhausted {
		t.Fatalf("expected fallback exhausted failure, got %+v", failures.entries)
	}
	if failures.entries[0].ModelID != "small" || failures.entries[0].Query != "run the build" {
		t.Errorf("unexpected failure entry: %+v", failures.entries[0])
	}
}

func TestRouteSingleMode(t *testing.T) {
	main := &scriptedClient{replies: []reply{{resp: &llm.Response{
		Content:   "<think>plan</think>Listing.",
		ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: `{}`}},
	}}}}
	r, _, _ := newTestRouter(t, fakeFactory{"m": main})
	if err := r.Configure(RoutingConfig{MainModelID: "m", ExecutorModelID: "x"}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	defs := []llm.ToolDefinition{{Name: "read_file"}}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "be brief"}, {Role: llm.RoleUser, Content: "hello"}}
	res, err := r.Route(context.Background(), msgs, defs)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Mode != ModeSingle || len(res.Phases) != 1 || res.Phases[0].Phase != PhaseResponse {
		t.Errorf("expected one response phase in single mode, got %s %+v", res.Mode, res.Phases)
	}
	if res.FinalResponse != "Listing." {
		t.Errorf("expected reasoning stripped, got %q", res.FinalResponse)
	}
	if res.ToolCalls[0].ID == "" {
		t.Error("expected tool call id assigned")
	}
	if diff := cmp.Diff(msgs, main.reqs[0].Messages); diff != "" {
		t.Errorf("expected messages passed through (-want +got):\n%s", diff)
	}
	if len(main.reqs[0].Tools) != 1 {
		t.Errorf("expected caller tools passed through, got %+v", main.reqs[0].Tools)
	}
}

func TestRouteNotConfigured(t *testing.T) {
	r, _, _ := newTestRouter(t, fakeFactory{})
	if _, err := r.Route(context.Background(), user("hi"), nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := r.GetMainIntent(context.Background(), user("hi")); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := r.Configure(RoutingConfig{}); !errors.Is(err, ErrNoMainModel) {
		t.Errorf("expected ErrNoMainModel, got %v", err)
	}
}

func TestConfigureCreatesPlaceholders(t *testing.T) {
	r, store, _ := newTestRouter(t, fakeFactory{})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for _, id := range []string{"planner", "coder"} {
		p, ok := store.GetProfile(id)
		if !ok || !p.Placeholder || p.OverallScore != capability.PlaceholderScore {
			t.Errorf("expected placeholder profile for %s, got %+v", id, p)
		}
	}
	cfg, _ := r.Config()
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", cfg.Timeout)
	}
}

func TestRouteExecutorFailureKeepsPhases(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`{"action":"call_tool","tool":"read_file","parameters":{"path":"a"}}`)}}
	coder := &scriptedClient{replies: []reply{{err: errors.New("connection refused")}}}
	r, _, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res, err := r.Route(context.Background(), user("read a"), nil)
	var mce *ModelCallError
	if !errors.As(err, &mce) {
		t.Fatalf("expected ModelCallError, got %v", err)
	}
	if mce.ModelID != "coder" || mce.Phase != PhaseExecution {
		t.Errorf("unexpected error details: %+v", mce)
	}
	if res == nil || len(res.Phases) != 1 || res.Phases[0].Phase != PhasePlanning {
		t.Errorf("expected planning phase kept on failure, got %+v", res)
	}
}

func TestRouteExecutorTextToolCall(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`{"action":"call_tool","tool":"shell_exec","parameters":{"command":"ls"}}`)}}
	coder := &scriptedClient{replies: []reply{text(`<tool_call>{"name":"shell_exec","arguments":{"command":"ls"}}</tool_call>`)}}
	r, _, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	res, err := r.Route(context.Background(), user("list files"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "shell_exec" || res.ToolCalls[0].Arguments != `{"command":"ls"}` {
		t.Errorf("expected tool call recovered from text, got %+v", res.ToolCalls)
	}
}

func TestClassifierPromptSkipsBlockedTools(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text("ok")}}
	r, store, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": &scriptedClient{}})
	blocked(t, store, "planner", "", "browser")
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := r.GetMainIntent(context.Background(), user("hello")); err != nil {
		t.Fatalf("main intent: %v", err)
	}
	prompt := planner.reqs[0].Messages[0].Content
	if strings.Contains(prompt, "- browser") {
		t.Error("expected blocked tool left out of the catalog")
	}
	if !strings.Contains(prompt, "- shell_exec") {
		t.Error("expected unblocked tool listed")
	}
}

func TestGetMainIntentThenExecute(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`{"action":"multi_step","steps":[{"tool":"read_file","parameters":{"path":"a"}},{"tool":"shell_exec","parameters":{"command":"wc a"}}]}`)}}
	coder := &scriptedClient{replies: []reply{{resp: &llm.Response{ToolCalls: []llm.ToolCall{
		{ID: "1", Name: "read_file", Arguments: `{"path":"a"}`},
		{ID: "2", Name: "shell_exec", Arguments: `{"command":"wc a"}`},
	}}}}}
	r, _, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": coder})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	plan, err := r.GetMainIntent(context.Background(), user("read a then count it"))
	if err != nil {
		t.Fatalf("main intent: %v", err)
	}
	if plan.Intent.Action != intent.ActionMultiStep || !plan.NeedsExecution() {
		t.Fatalf("expected multi_step intent, got %+v", plan.Intent)
	}

	res, err := r.ExecuteWithIntent(context.Background(), plan, user("read a then count it"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Errorf("expected 2 tool calls, got %d", len(res.ToolCalls))
	}
	names := []string{coder.reqs[0].Tools[0].Name, coder.reqs[0].Tools[1].Name}
	if diff := cmp.Diff([]string{"read_file", "shell_exec"}, names); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}

	direct, err := r.ExecuteWithIntent(context.Background(), &MainIntentResult{Intent: intent.Intent{
		Action:   intent.ActionAskClarification,
		Metadata: &intent.Metadata{Question: "Which file?"},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("execute direct: %v", err)
	}
	if direct.FinalResponse != "Which file?" || coder.calls() != 1 {
		t.Errorf("expected clarification answered without executor, got %q", direct.FinalResponse)
	}
}

func TestSplitMatchesRouteOnEmptyRespond(t *testing.T) {
	newPlanner := func() *scriptedClient {
		return &scriptedClient{replies: []reply{text(`{"action":"respond"}`), text("Hello there!")}}
	}
	routed, _, _ := newTestRouter(t, fakeFactory{"planner": newPlanner(), "coder": &scriptedClient{}})
	split, _, _ := newTestRouter(t, fakeFactory{"planner": newPlanner(), "coder": &scriptedClient{}})
	for _, r := range []*Router{routed, split} {
		if err := r.Configure(dualConfig()); err != nil {
			t.Fatalf("configure: %v", err)
		}
	}

	want, err := routed.Route(context.Background(), user("hi"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	plan, err := split.GetMainIntent(context.Background(), user("hi"))
	if err != nil {
		t.Fatalf("main intent: %v", err)
	}
	if plan.Text != "Hello there!" {
		t.Fatalf("expected follow-up text in plan, got %q", plan.Text)
	}
	got, err := split.ExecuteWithIntent(context.Background(), plan, user("hi"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if want.FinalResponse != "Hello there!" || got.FinalResponse != want.FinalResponse {
		t.Errorf("expected %q from both paths, got route %q split %q", "Hello there!", want.FinalResponse, got.FinalResponse)
	}
	if got.Mode != want.Mode || len(got.Phases) != len(want.Phases) {
		t.Errorf("expected same shape, got route %s/%d split %s/%d", want.Mode, len(want.Phases), got.Mode, len(got.Phases))
	}
}

func TestSplitMatchesRouteInSingleMode(t *testing.T) {
	main := &scriptedClient{replies: []reply{text("Single answer.")}}
	r, _, _ := newTestRouter(t, fakeFactory{"m": main})
	if err := r.Configure(RoutingConfig{MainModelID: "m"}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	plan, err := r.GetMainIntent(context.Background(), user("hello"))
	if err != nil {
		t.Fatalf("main intent: %v", err)
	}
	if plan.Mode != ModeSingle || plan.NeedsExecution() || main.calls() != 0 {
		t.Fatalf("expected single mode plan without a model call, got %s after %d calls", plan.Mode, main.calls())
	}

	got, err := r.ExecuteWithIntent(context.Background(), plan, user("hello"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want, err := r.Route(context.Background(), user("hello"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.Mode != ModeSingle || got.FinalResponse != "Single answer." {
		t.Errorf("expected single mode answer, got %s %q", got.Mode, got.FinalResponse)
	}
	if got.FinalResponse != want.FinalResponse || len(got.Phases) != len(want.Phases) {
		t.Errorf("expected split result to match route, got %+v and %+v", got, want)
	}
	for _, req := range main.reqs {
		if req.Messages[0].Role == llm.RoleSystem {
			t.Error("expected no planning prompt in single mode")
		}
	}

	if _, err := r.ExecuteWithIntent(context.Background(), nil, user("hello"), nil); !errors.Is(err, ErrNoPlan) {
		t.Errorf("expected ErrNoPlan, got %v", err)
	}
}

func TestTrialExecutors(t *testing.T) {
	planner := &scriptedClient{replies: []reply{text(`{"action":"call_tool","tool":"read_file","parameters":{"path":"x"}}`)}}
	good := &scriptedClient{replies: []reply{{resp: &llm.Response{ToolCalls: []llm.ToolCall{{ID: "1", Name: "read_file", Arguments: `{"path":"x"}`}}}}}}
	bad := &scriptedClient{replies: []reply{{err: errors.New("timeout")}}}
	r, store, _ := newTestRouter(t, fakeFactory{"planner": planner, "coder": good, "bad": bad})
	if err := r.Configure(dualConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	plan, trials, err := r.TrialExecutors(context.Background(), user("read x"), []string{"coder", "bad", "missing"}, nil)
	if err != nil {
		t.Fatalf("trial: %v", err)
	}
	if planner.calls() != 1 {
		t.Errorf("expected one planning call, got %d", planner.calls())
	}
	if plan.Intent.Tool != "read_file" {
		t.Errorf("expected read_file intent, got %+v", plan.Intent)
	}
	if len(trials) != 3 {
		t.Fatalf("expected 3 trials, got %d", len(trials))
	}
	if trials[0].Err != nil || len(trials[0].Result.ToolCalls) != 1 {
		t.Errorf("expected coder to succeed, got %+v", trials[0])
	}
	if trials[1].Err == nil || trials[1].ExecutorModelID != "bad" {
		t.Errorf("expected bad executor error, got %+v", trials[1])
	}
	if trials[2].Err == nil {
		t.Error("expected missing client error")
	}
	if _, ok := store.GetProfile("bad"); !ok {
		t.Error("expected trial executor profile ensured")
	}
	if cfg, _ := r.Config(); cfg.ExecutorModelID != "coder" {
		t.Errorf("expected configured executor unchanged, got %s", cfg.ExecutorModelID)
	}
}

func TestResolveEffectiveConfig(t *testing.T) {
	store := capability.NewStore(nil, nil, nil)
	blocked(t, store, "small", "big", "rag")

	cfg := RoutingConfig{MainModelID: "small", ProviderSettings: map[string]string{"base_url": "http://a"}}
	eff, sub := ResolveEffectiveConfig(cfg, "rag", store)
	if sub == nil || eff.MainModelID != "big" {
		t.Fatalf("expected substitution to big, got %+v %+v", eff, sub)
	}
	eff.ProviderSettings["base_url"] = "http://b"
	if cfg.MainModelID != "small" || cfg.ProviderSettings["base_url"] != "http://a" {
		t.Errorf("expected input config untouched, got %+v", cfg)
	}

	for _, capName := range []string{"", "read_file"} {
		if _, sub := ResolveEffectiveConfig(cfg, capName, store); sub != nil {
			t.Errorf("expected no substitution for %q, got %+v", capName, sub)
		}
	}
}

func TestInferCapability(t *testing.T) {
	tests := map[string]string{
		"search the docs for retries": "rag",
		"read main.go":                "read_file",
		"Show me the config":          "read_file",
		"create a README":             "write_file",
		"run npm test":                "shell_exec",
		"look it up on the web":       "browser",
		"first lint, then build":      "multi_step",
		"search and run":              "rag",
		"threaded comments":           "",
		"hi":                          "",
	}
	for msg, want := range tests {
		if got := InferCapability(msg); got != want {
			t.Errorf("%q: expected %q, got %q", msg, want, got)
		}
	}
}

func TestPlanningTimeout(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{10 * time.Second, 10 * time.Second},
		{DefaultTimeout, MaxPlanningTimeout},
	}
	for _, tt := range tests {
		if got := (RoutingConfig{Timeout: tt.timeout}).PlanningTimeout(); got != tt.want {
			t.Errorf("timeout %v: expected %v, got %v", tt.timeout, tt.want, got)
		}
	}
}

func TestWithSystemPrompt(t *testing.T) {
	got := withSystemPrompt("P", []llm.Message{
		{Role: llm.RoleSystem, Content: "extra"},
		{Role: llm.RoleUser, Content: "u"},
	})
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "P\n\nextra"},
		{Role: llm.RoleUser, Content: "u"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}
