package router

import (
	"fmt"
	"maps"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/config"
)

const (
	DefaultTimeout     = 120 * time.Second
	MaxPlanningTimeout = 30 * time.Second
)

// RoutingConfig selects the models of the dual-model protocol. Values are
// immutable once passed to Configure; the router keeps its own copy.
type RoutingConfig struct {
	MainModelID      string            `json:"main_model_id"`
	ExecutorModelID  string            `json:"executor_model_id,omitempty"`
	EnableDualModel  bool              `json:"enable_dual_model"`
	Timeout          time.Duration     `json:"timeout"`
	Provider         string            `json:"provider,omitempty"`
	ProviderSettings map[string]string `json:"-"`
}

func (c RoutingConfig) Clone() RoutingConfig {
	c.ProviderSettings = maps.Clone(c.ProviderSettings)
	return c
}

// Dual reports whether the config asks for the dual-model protocol.
func (c RoutingConfig) Dual() bool {
	return c.EnableDualModel && c.ExecutorModelID != ""
}

// PlanningTimeout bounds main-model planning calls.
func (c RoutingConfig) PlanningTimeout() time.Duration {
	return min(c.Timeout, MaxPlanningTimeout)
}

// FromConfig maps the routing section of the config file. Secret references
// in provider settings must be resolved by the caller.
func FromConfig(rc config.RoutingConfig) RoutingConfig {
	return RoutingConfig{
		MainModelID:      rc.MainModel,
		ExecutorModelID:  rc.ExecutorModel,
		EnableDualModel:  rc.EnableDualModel,
		Timeout:          rc.Timeout,
		Provider:         rc.Provider,
		ProviderSettings: maps.Clone(rc.ProviderSettings),
	}
}

// Substitution records a main model replaced because it is blocked on the
// capability a request needs.
type Substitution struct {
	Capability      string `json:"capability"`
	OriginalModelID string `json:"original_model_id"`
	FallbackModelID string `json:"fallback_model_id"`
}

func (s Substitution) phase() RoutingPhase {
	return RoutingPhase{
		Phase:            PhasePlanning,
		SystemPromptUsed: "[capability-fallback]",
		ModelID:          s.FallbackModelID,
		Reasoning:        fmt.Sprintf("%s blocked for %s; substituted %s", s.Capability, s.OriginalModelID, s.FallbackModelID),
	}
}

// FallbackResolver answers capability gating questions. *capability.Store
// satisfies it.
type FallbackResolver interface {
	IsCapabilityBlocked(modelID, capability string) bool
	GetFallbackModel(modelID, capability string) (string, bool)
}

// ResolveEffectiveConfig returns the config to route with for a request
// needing capability. When the main model is blocked on it and a fallback
// exists, the returned copy names the fallback as main and the substitution
// is reported. cfg itself is never modified.
func ResolveEffectiveConfig(cfg RoutingConfig, capability string, profiles FallbackResolver) (RoutingConfig, *Substitution) {
	eff := cfg.Clone()
	if capability == "" || profiles == nil || cfg.MainModelID == "" {
		return eff, nil
	}
	if !profiles.IsCapabilityBlocked(cfg.MainModelID, capability) {
		return eff, nil
	}
	fallback, ok := profiles.GetFallbackModel(cfg.MainModelID, capability)
	if !ok || fallback == cfg.MainModelID {
		return eff, nil
	}
	eff.MainModelID = fallback
	return eff, &Substitution{
		Capability:      capability,
		OriginalModelID: cfg.MainModelID,
		FallbackModelID: fallback,
	}
}
