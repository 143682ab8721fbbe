// Package capability holds per-model capability profiles and answers the two
// questions routing asks of them: is a capability blocked for a model, and
// which other model should take over when it is.
package capability

import (
	"maps"
	"slices"
	"time"
)

const (
	// StrengthThreshold is the score at or above which a capability counts
	// as a native strength (or a learned one, for trained scores).
	StrengthThreshold = 70

	// PlaceholderScore is the overall score given to synthesized profiles.
	PlaceholderScore = 50
)

// Status is the measured state of one capability for one model.
type Status struct {
	NativeScore  int   `json:"native_score"`
	TrainedScore *int  `json:"trained_score,omitempty"`
	Trainable    *bool `json:"trainable,omitempty"`
}

// Blocked reports whether the capability is known to be untrainable.
func (s Status) Blocked() bool {
	return s.Trainable != nil && !*s.Trainable
}

func (s Status) clone() Status {
	out := Status{NativeScore: s.NativeScore}
	if s.TrainedScore != nil {
		v := *s.TrainedScore
		out.TrainedScore = &v
	}
	if s.Trainable != nil {
		v := *s.Trainable
		out.Trainable = &v
	}
	return out
}

type Profile struct {
	ModelID      string            `json:"model_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	OverallScore int               `json:"overall_score"`
	Capabilities map[string]Status `json:"capabilities,omitempty"`

	// Derived from Capabilities by Recompute.
	NativeStrengths     []string `json:"native_strengths,omitempty"`
	LearnedCapabilities []string `json:"learned_capabilities,omitempty"`
	BlockedCapabilities []string `json:"blocked_capabilities,omitempty"`

	FallbackModelID string    `json:"fallback_model_id,omitempty"`
	EnabledTools    []string  `json:"enabled_tools,omitempty"`
	Placeholder     bool      `json:"placeholder,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewPlaceholder returns the profile synthesized for a model that has never
// been probed.
func NewPlaceholder(modelID, provider string) Profile {
	return Profile{
		ModelID:      modelID,
		DisplayName:  modelID,
		Provider:     provider,
		OverallScore: PlaceholderScore,
		Capabilities: map[string]Status{},
		Placeholder:  true,
	}
}

// Recompute rebuilds the derived capability sets from Capabilities. Sets are
// sorted so profiles compare and serialize deterministically.
func (p *Profile) Recompute() {
	p.NativeStrengths = nil
	p.LearnedCapabilities = nil
	p.BlockedCapabilities = nil

	for _, name := range slices.Sorted(maps.Keys(p.Capabilities)) {
		st := p.Capabilities[name]
		switch {
		case st.NativeScore >= StrengthThreshold:
			p.NativeStrengths = append(p.NativeStrengths, name)
		case st.TrainedScore != nil && *st.TrainedScore >= StrengthThreshold:
			p.LearnedCapabilities = append(p.LearnedCapabilities, name)
		}
		if st.Blocked() {
			p.BlockedCapabilities = append(p.BlockedCapabilities, name)
		}
	}
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	out := p
	if p.Capabilities != nil {
		out.Capabilities = make(map[string]Status, len(p.Capabilities))
		for k, v := range p.Capabilities {
			out.Capabilities[k] = v.clone()
		}
	}
	out.NativeStrengths = slices.Clone(p.NativeStrengths)
	out.LearnedCapabilities = slices.Clone(p.LearnedCapabilities)
	out.BlockedCapabilities = slices.Clone(p.BlockedCapabilities)
	out.EnabledTools = slices.Clone(p.EnabledTools)
	return out
}

// IsBlocked checks the derived blocked set first and then the granular
// status, so a profile whose sets are stale still answers correctly.
func (p Profile) IsBlocked(capability string) bool {
	if slices.Contains(p.BlockedCapabilities, capability) {
		return true
	}
	st, ok := p.Capabilities[capability]
	return ok && st.Blocked()
}

// Annotation returns "native" or "learned" for capabilities the model is
// strong at, and "" otherwise.
func (p Profile) Annotation(capability string) string {
	switch {
	case slices.Contains(p.NativeStrengths, capability):
		return "native"
	case slices.Contains(p.LearnedCapabilities, capability):
		return "learned"
	}
	return ""
}
