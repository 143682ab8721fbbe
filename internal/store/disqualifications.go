package store

import (
	"fmt"
	"time"
)

type Disqualification struct {
	SessionID  string    `json:"session_id"`
	ModelID    string    `json:"model_id"`
	Capability string    `json:"capability"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordDisqualification stores a disqualification for a swarm session. The
// first reason recorded for a (session, model, capability) triple is kept.
func (s *Store) RecordDisqualification(sessionID, modelID, capability, reason string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO disqualifications (session_id, model_id, capability, reason)
		VALUES (?, ?, ?, ?)`,
		sessionID, modelID, capability, reason)
	if err != nil {
		return fmt.Errorf("record disqualification: %w", err)
	}
	return nil
}

// ListDisqualifications returns the disqualifications of a session in the
// order they were recorded.
func (s *Store) ListDisqualifications(sessionID string) ([]Disqualification, error) {
	rows, err := s.db.Query(`
		SELECT session_id, model_id, capability, reason, created_at
		FROM disqualifications
		WHERE session_id = ?
		ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list disqualifications: %w", err)
	}
	defer rows.Close()

	var out []Disqualification
	for rows.Next() {
		var d Disqualification
		if err := rows.Scan(&d.SessionID, &d.ModelID, &d.Capability, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan disqualification: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
