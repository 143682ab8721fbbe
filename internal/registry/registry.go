// Package registry turns the configured model fleet and tool catalog into
// live state: capability profiles, client endpoints, the swarm roster and
// the tool registry.
package registry

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/swarm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
)

// SecretResolver expands secret:<name> references. *secrets.Resolver
// satisfies it.
type SecretResolver interface {
	Resolve(value string) (string, error)
}

type Deps struct {
	Profiles *capability.Store
	Tools    *tools.Registry
	Pool     *llm.Pool
	Secrets  SecretResolver
	Logger   *slog.Logger
}

type Registry struct {
	profiles *capability.Store
	tools    *tools.Registry
	pool     *llm.Pool
	secrets  SecretResolver
	logger   *slog.Logger

	mu     sync.RWMutex
	models map[string]config.ModelDefinition
	defs   map[string]config.ToolDefinition
}

func New(deps Deps, models map[string]config.ModelDefinition, toolDefs map[string]config.ToolDefinition) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		profiles: deps.Profiles,
		tools:    deps.Tools,
		pool:     deps.Pool,
		secrets:  deps.Secrets,
		logger:   logger,
		models:   maps.Clone(models),
		defs:     maps.Clone(toolDefs),
	}
}

// Update swaps in new definitions and syncs them.
func (r *Registry) Update(models map[string]config.ModelDefinition, toolDefs map[string]config.ToolDefinition) error {
	r.mu.Lock()
	r.models = maps.Clone(models)
	r.defs = maps.Clone(toolDefs)
	r.mu.Unlock()
	return r.Sync()
}

// Sync pushes the current definitions into the tool registry, the capability
// store and the client pool. Scores already in stored profiles are kept;
// configured metadata (display name, fallback, enabled tools, prosthetic)
// overrides what was stored.
func (r *Registry) Sync() error {
	r.mu.RLock()
	models := maps.Clone(r.models)
	defs := maps.Clone(r.defs)
	r.mu.RUnlock()

	if r.tools != nil {
		if err := r.tools.SetDefinitions(toolDefinitions(defs)); err != nil {
			return fmt.Errorf("sync tools: %w", err)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(models)) {
		if err := r.syncProfile(id, models[id]); err != nil {
			return err
		}
	}

	if r.pool != nil {
		r.pool.SetEndpoints(r.endpoints(models))
	}

	r.logger.Info("registry synced", "models", len(models), "tools", len(defs))
	return nil
}

func (r *Registry) syncProfile(id string, def config.ModelDefinition) error {
	if r.profiles == nil {
		return nil
	}
	p, created, err := r.profiles.EnsureProfile(id, def.Provider)
	if err != nil {
		return fmt.Errorf("ensure profile %s: %w", id, err)
	}
	if created {
		r.logger.Info("created placeholder profile", "model", id)
	}

	updated := p.Clone()
	updated.Provider = def.Provider
	updated.DisplayName = def.Name
	updated.FallbackModelID = def.Fallback
	if def.EnabledTools != nil {
		updated.EnabledTools = slices.Clone(def.EnabledTools)
	}
	if profileChanged(p, updated) {
		if err := r.profiles.SaveProfile(updated); err != nil {
			return fmt.Errorf("save profile %s: %w", id, err)
		}
	}

	if def.Prosthetic != "" && r.profiles.Prosthetic(id) != def.Prosthetic {
		if err := r.profiles.SetProsthetic(id, def.Prosthetic); err != nil {
			return fmt.Errorf("save prosthetic %s: %w", id, err)
		}
	}
	return nil
}

func profileChanged(a, b capability.Profile) bool {
	return a.Provider != b.Provider ||
		a.DisplayName != b.DisplayName ||
		a.FallbackModelID != b.FallbackModelID ||
		!slices.Equal(a.EnabledTools, b.EnabledTools)
}

func (r *Registry) endpoints(models map[string]config.ModelDefinition) map[string]llm.Endpoint {
	out := make(map[string]llm.Endpoint, len(models))
	for id, def := range models {
		key := def.APIKey
		if r.secrets != nil && key != "" {
			resolved, err := r.secrets.Resolve(key)
			if err != nil {
				r.logger.Warn("failed to resolve model api key", "model", id, "error", err)
				resolved = ""
			}
			key = resolved
		}
		name := def.Name
		if name == "" {
			name = id
		}
		out[id] = llm.Endpoint{
			Name:         name,
			Provider:     def.Provider,
			BaseURL:      def.BaseURL,
			APIKey:       key,
			MaxTokens:    def.MaxTokens,
			RateLimitRPM: def.RateLimitRPM,
		}
	}
	return out
}

func toolDefinitions(defs map[string]config.ToolDefinition) []tools.Definition {
	out := make([]tools.Definition, 0, len(defs))
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		d := defs[name]
		out = append(out, tools.Definition{
			Name:        name,
			Description: d.Description,
			Capability:  d.Capability,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// Roster builds the swarm roster from the configured models, ordered by id.
func (r *Registry) Roster() swarm.Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roster := swarm.Roster{Roles: make(map[string]swarm.Role)}
	for _, id := range slices.Sorted(maps.Keys(r.models)) {
		roster.Models = append(roster.Models, id)
		if role := r.models[id].Role; role != "" {
			roster.Roles[id] = swarm.Role(role)
		}
	}
	return roster
}

func (r *Registry) Definition(modelID string) (config.ModelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.models[modelID]
	return def, ok
}

func (r *Registry) ModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.models))
}
