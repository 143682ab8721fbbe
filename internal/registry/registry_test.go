package registry

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/store"
	"github.com/mtzanidakis/modelswarm/internal/swarm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Resolve(value string) (string, error) {
	name, ok := strings.CutPrefix(value, "secret:")
	if !ok {
		return value, nil
	}
	v, ok := f[name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func testModels() map[string]config.ModelDefinition {
	return map[string]config.ModelDefinition{
		"qwen-coder": {
			Name:         "qwen2.5-coder-7b-instruct",
			Provider:     "lmstudio",
			BaseURL:      "http://localhost:1234/v1",
			Role:         "executor",
			EnabledTools: []string{"read_file", "shell_exec"},
			RateLimitRPM: 30,
		},
		"gpt-4o": {
			Provider:   "openai",
			APIKey:     "secret:openai",
			Role:       "main",
			Prosthetic: "Always answer with a single JSON object.",
		},
		"llama": {
			Provider: "ollama",
			Fallback: "gpt-4o",
			APIKey:   "secret:missing",
		},
	}
}

func testTools() map[string]config.ToolDefinition {
	return map[string]config.ToolDefinition{
		"read_file":  {Description: "Read a file", Capability: "read_file", Parameters: map[string]any{"type": "object"}},
		"shell_exec": {Description: "Run a command", Capability: "shell_exec"},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *capability.Store, *tools.Registry) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profiles := capability.NewStore(s, s, logger)
	if err := profiles.Load(); err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	toolReg := tools.NewRegistry(logger)

	reg := New(Deps{
		Profiles: profiles,
		Tools:    toolReg,
		Pool:     llm.NewPool(nil, nil),
		Secrets:  fakeSecrets{"openai": "sk-test"},
		Logger:   logger,
	}, testModels(), testTools())
	return reg, profiles, toolReg
}

func TestSync(t *testing.T) {
	reg, profiles, toolReg := newTestRegistry(t)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	all := profiles.Profiles()
	if len(all) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(all))
	}

	coder, ok := profiles.GetProfile("qwen-coder")
	if !ok {
		t.Fatal("expected qwen-coder profile")
	}
	if !coder.Placeholder || coder.OverallScore != capability.PlaceholderScore {
		t.Errorf("expected placeholder profile, got %+v", coder)
	}
	if coder.DisplayName != "qwen2.5-coder-7b-instruct" || coder.Provider != "lmstudio" {
		t.Errorf("expected configured metadata, got %+v", coder)
	}
	if diff := cmp.Diff([]string{"read_file", "shell_exec"}, coder.EnabledTools); diff != "" {
		t.Errorf("enabled tools mismatch (-want +got):\n%s", diff)
	}

	llama, _ := profiles.GetProfile("llama")
	if llama.FallbackModelID != "gpt-4o" {
		t.Errorf("expected fallback gpt-4o, got %q", llama.FallbackModelID)
	}

	if got := profiles.Prosthetic("gpt-4o"); got != "Always answer with a single JSON object." {
		t.Errorf("expected prosthetic stored, got %q", got)
	}

	if len(toolReg.Definitions()) != 2 {
		t.Errorf("expected 2 tools registered, got %d", len(toolReg.Definitions()))
	}
	if d, _ := toolReg.Definition("shell_exec"); d.Capability != "shell_exec" {
		t.Errorf("expected tool capability, got %+v", d)
	}
}

func TestSyncKeepsScores(t *testing.T) {
	reg, profiles, _ := newTestRegistry(t)
	if _, err := profiles.UpdateCapabilityMap("qwen-coder", []capability.ProbeResult{{Capability: "shell_exec", NativeScore: 90}}); err != nil {
		t.Fatalf("update capability map: %v", err)
	}
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	p, _ := profiles.GetProfile("qwen-coder")
	if p.Capabilities["shell_exec"].NativeScore != 90 {
		t.Errorf("expected probe score kept, got %+v", p.Capabilities)
	}
	if diff := cmp.Diff([]string{"shell_exec"}, p.NativeStrengths); diff != "" {
		t.Errorf("native strengths mismatch (-want +got):\n%s", diff)
	}
}

func TestEndpoints(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	eps := reg.endpoints(testModels())

	want := llm.Endpoint{
		Name:         "qwen2.5-coder-7b-instruct",
		Provider:     "lmstudio",
		BaseURL:      "http://localhost:1234/v1",
		RateLimitRPM: 30,
	}
	if diff := cmp.Diff(want, eps["qwen-coder"]); diff != "" {
		t.Errorf("endpoint mismatch (-want +got):\n%s", diff)
	}
	if eps["gpt-4o"].APIKey != "sk-test" || eps["gpt-4o"].Name != "gpt-4o" {
		t.Errorf("expected resolved key and id as name, got %+v", eps["gpt-4o"])
	}
	if eps["llama"].APIKey != "" {
		t.Errorf("expected unresolvable key dropped, got %q", eps["llama"].APIKey)
	}
}

func TestRoster(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	want := swarm.Roster{
		Models: []string{"gpt-4o", "llama", "qwen-coder"},
		Roles:  map[string]swarm.Role{"gpt-4o": swarm.RoleMain, "qwen-coder": swarm.RoleExecutor},
	}
	got := reg.Roster()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("roster mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("expected valid roster, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	reg, profiles, toolReg := newTestRegistry(t)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	models := testModels()
	coder := models["qwen-coder"]
	coder.EnabledTools = []string{"read_file"}
	models["qwen-coder"] = coder
	models["mistral"] = config.ModelDefinition{Provider: "vllm", Role: "specialist"}

	if err := reg.Update(models, map[string]config.ToolDefinition{"read_file": {Capability: "read_file"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, ok := profiles.GetProfile("mistral"); !ok {
		t.Error("expected profile for added model")
	}
	p, _ := profiles.GetProfile("qwen-coder")
	if diff := cmp.Diff([]string{"read_file"}, p.EnabledTools); diff != "" {
		t.Errorf("enabled tools mismatch (-want +got):\n%s", diff)
	}
	if len(toolReg.Definitions()) != 1 {
		t.Errorf("expected tool catalog replaced, got %d", len(toolReg.Definitions()))
	}
	if diff := cmp.Diff([]string{"gpt-4o", "llama", "mistral", "qwen-coder"}, reg.ModelIDs()); diff != "" {
		t.Errorf("model ids mismatch (-want +got):\n%s", diff)
	}
	if def, ok := reg.Definition("mistral"); !ok || def.Provider != "vllm" {
		t.Errorf("expected mistral definition, got %+v", def)
	}
}
