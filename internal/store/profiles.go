package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/modelswarm/internal/capability"
)

const profileColumns = `model_id, display_name, provider, overall_score, capabilities, fallback_model_id, enabled_tools, placeholder, updated_at`

// SaveProfile upserts a capability profile. Derived capability sets are not
// stored; they are recomputed when profiles are loaded.
func (s *Store) SaveProfile(p capability.Profile) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	tools, err := json.Marshal(p.EnabledTools)
	if err != nil {
		return fmt.Errorf("encode enabled tools: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO model_profiles (model_id, display_name, provider, overall_score, capabilities, fallback_model_id, enabled_tools, placeholder, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(model_id) DO UPDATE SET
			display_name = excluded.display_name,
			provider = excluded.provider,
			overall_score = excluded.overall_score,
			capabilities = excluded.capabilities,
			fallback_model_id = excluded.fallback_model_id,
			enabled_tools = excluded.enabled_tools,
			placeholder = excluded.placeholder,
			updated_at = CURRENT_TIMESTAMP`,
		p.ModelID, p.DisplayName, p.Provider, p.OverallScore, string(caps),
		p.FallbackModelID, string(tools), boolToInt(p.Placeholder))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(modelID string) (*capability.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM model_profiles WHERE model_id = ?`, modelID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// LoadProfiles returns every stored profile ordered by model id.
func (s *Store) LoadProfiles() ([]capability.Profile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM model_profiles ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []capability.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// DeleteProfilesNotIn removes profiles for models that are no longer
// configured.
func (s *Store) DeleteProfilesNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM model_profiles`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.Exec(`DELETE FROM model_profiles WHERE model_id NOT IN (`+placeholders+`)`, args...)
	return err
}

func scanProfile(sc scanner) (*capability.Profile, error) {
	p := &capability.Profile{}
	var displayName, provider, fallback, tools sql.NullString
	var caps string
	var placeholder int
	err := sc.Scan(&p.ModelID, &displayName, &provider, &p.OverallScore, &caps,
		&fallback, &tools, &placeholder, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DisplayName = displayName.String
	p.Provider = provider.String
	p.FallbackModelID = fallback.String
	p.Placeholder = placeholder == 1

	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", p.ModelID, err)
	}
	if p.Capabilities == nil {
		p.Capabilities = map[string]capability.Status{}
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &p.EnabledTools); err != nil {
			return nil, fmt.Errorf("decode enabled tools for %s: %w", p.ModelID, err)
		}
	}
	p.Recompute()
	return p, nil
}

// LoadProsthetics returns every stored prosthetic keyed by model id.
func (s *Store) LoadProsthetics() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT model_id, content FROM prosthetics`)
	if err != nil {
		return nil, fmt.Errorf("list prosthetics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan prosthetic: %w", err)
		}
		out[id] = content
	}
	return out, rows.Err()
}

// SaveProsthetic upserts the prosthetic for modelID; empty content deletes it.
func (s *Store) SaveProsthetic(modelID, content string) error {
	if content == "" {
		if _, err := s.db.Exec(`DELETE FROM prosthetics WHERE model_id = ?`, modelID); err != nil {
			return fmt.Errorf("delete prosthetic: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO prosthetics (model_id, content) VALUES (?, ?)
		ON CONFLICT(model_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		modelID, content)
	if err != nil {
		return fmt.Errorf("save prosthetic: %w", err)
	}
	return nil
}
