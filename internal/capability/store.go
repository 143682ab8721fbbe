package capability

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Persister loads and writes profiles. The sqlite store implements it.
type Persister interface {
	LoadProfiles() ([]Profile, error)
	SaveProfile(p Profile) error
}

// ProstheticSource loads and writes prosthetic prompt fragments: short
// guidance text appended to a model's prompts to compensate for weak
// capabilities.
type ProstheticSource interface {
	LoadProsthetics() (map[string]string, error)
	SaveProsthetic(modelID, text string) error
}

// ProbeResult is one capability measurement produced by the probe engine.
type ProbeResult struct {
	Capability   string
	NativeScore  int
	TrainedScore *int
	Trainable    *bool
}

// Store is the in-memory view of all profiles. Reads return deep copies so
// callers can never mutate shared state.
type Store struct {
	// writeMu serializes writers across read, merge, persist and publish so
	// concurrent updates to one profile are never lost. mu only guards the
	// maps and is never held while calling a backend.
	writeMu sync.Mutex

	mu          sync.RWMutex
	profiles    map[string]Profile
	prosthetics map[string]string

	persist    Persister
	prosthetic ProstheticSource
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore returns an empty store. Either backend may be nil, in which case
// the corresponding data lives only in memory.
func NewStore(persist Persister, prosthetic ProstheticSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		profiles:    make(map[string]Profile),
		prosthetics: make(map[string]string),
		persist:     persist,
		prosthetic:  prosthetic,
		logger:      logger,
		now:         time.Now,
	}
}

// Load replaces the in-memory state with what the backends hold.
func (s *Store) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	profiles := make(map[string]Profile)
	if s.persist != nil {
		list, err := s.persist.LoadProfiles()
		if err != nil {
			return fmt.Errorf("load profiles: %w", err)
		}
		for _, p := range list {
			p.Recompute()
			profiles[p.ModelID] = p
		}
	}

	prosthetics := make(map[string]string)
	if s.prosthetic != nil {
		m, err := s.prosthetic.LoadProsthetics()
		if err != nil {
			return fmt.Errorf("load prosthetics: %w", err)
		}
		maps.Copy(prosthetics, m)
	}

	s.mu.Lock()
	s.profiles = profiles
	s.prosthetics = prosthetics
	s.mu.Unlock()

	s.logger.Info("capability profiles loaded", "profiles", len(profiles), "prosthetics", len(prosthetics))
	return nil
}

// GetProfile returns a copy of the profile for modelID.
func (s *Store) GetProfile(modelID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[modelID]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

// Profiles returns copies of all profiles ordered by model id.
func (s *Store) Profiles() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, id := range slices.Sorted(maps.Keys(s.profiles)) {
		out = append(out, s.profiles[id].Clone())
	}
	return out
}

// SaveProfile recomputes the derived sets of p and stores it.
func (s *Store) SaveProfile(p Profile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.saveLocked(p)
	return err
}

// saveLocked persists p and publishes it in memory. The caller holds writeMu.
func (s *Store) saveLocked(p Profile) (Profile, error) {
	if p.ModelID == "" {
		return Profile{}, fmt.Errorf("save profile: empty model id")
	}
	p = p.Clone()
	if p.Capabilities == nil {
		p.Capabilities = map[string]Status{}
	}
	p.Recompute()
	p.UpdatedAt = s.now()

	if s.persist != nil {
		if err := s.persist.SaveProfile(p); err != nil {
			return Profile{}, fmt.Errorf("persist profile %s: %w", p.ModelID, err)
		}
	}

	s.mu.Lock()
	s.profiles[p.ModelID] = p
	s.mu.Unlock()
	return p.Clone(), nil
}

// EnsureProfile returns the stored profile for modelID, creating and saving
// a placeholder when none exists. created reports which happened.
func (s *Store) EnsureProfile(modelID, provider string) (p Profile, created bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if existing, ok := s.GetProfile(modelID); ok {
		return existing, false, nil
	}
	p, err = s.saveLocked(NewPlaceholder(modelID, provider))
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

// UpdateCapabilityMap merges probe results into the profile for modelID,
// creating one when the model is unknown, and returns the updated profile.
func (s *Store) UpdateCapabilityMap(modelID string, results []ProbeResult) (Profile, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, ok := s.GetProfile(modelID)
	if !ok {
		p = NewPlaceholder(modelID, "")
	}
	if p.Capabilities == nil {
		p.Capabilities = map[string]Status{}
	}
	for _, r := range results {
		if r.Capability == "" {
			continue
		}
		st := p.Capabilities[r.Capability]
		st.NativeScore = r.NativeScore
		if r.TrainedScore != nil {
			st.TrainedScore = r.TrainedScore
		}
		if r.Trainable != nil {
			st.Trainable = r.Trainable
		}
		p.Capabilities[r.Capability] = st.clone()
	}
	if len(results) > 0 {
		p.Placeholder = false
	}

	return s.saveLocked(p)
}

// IsCapabilityBlocked reports whether capability is blocked for modelID.
// Unknown models and unknown capabilities are never blocked.
func (s *Store) IsCapabilityBlocked(modelID, capability string) bool {
	if capability == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[modelID]
	return ok && p.IsBlocked(capability)
}

// GetFallbackModel picks the model that should handle capability in place of
// modelID: the profile's explicit fallback when set, otherwise the first
// other model (by id) with capability among its native strengths. It never
// returns modelID itself.
func (s *Store) GetFallbackModel(modelID, capability string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.profiles[modelID]; ok && p.FallbackModelID != "" && p.FallbackModelID != modelID {
		return p.FallbackModelID, true
	}

	for _, id := range slices.Sorted(maps.Keys(s.profiles)) {
		if id == modelID {
			continue
		}
		if slices.Contains(s.profiles[id].NativeStrengths, capability) {
			return id, true
		}
	}
	return "", false
}

// Prosthetic returns the prompt fragment stored for modelID, if any.
func (s *Store) Prosthetic(modelID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prosthetics[modelID]
}

// SetProsthetic stores text as the prompt fragment for modelID. Empty text
// clears it.
func (s *Store) SetProsthetic(modelID, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.prosthetic != nil {
		if err := s.prosthetic.SaveProsthetic(modelID, text); err != nil {
			return fmt.Errorf("persist prosthetic %s: %w", modelID, err)
		}
	}
	s.mu.Lock()
	if text == "" {
		delete(s.prosthetics, modelID)
	} else {
		s.prosthetics[modelID] = text
	}
	s.mu.Unlock()
	return nil
}
