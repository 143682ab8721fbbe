package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Failure struct {
	ID        int64     `json:"id"`
	ModelID   string    `json:"model_id,omitempty"`
	Category  string    `json:"category"`
	Tool      string    `json:"tool,omitempty"`
	Error     string    `json:"error"`
	Query     string    `json:"query,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveFailure(f *Failure) error {
	result, err := s.db.Exec(`
		INSERT INTO failures (model_id, category, tool, error, query, session_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ModelID, f.Category, f.Tool, f.Error, f.Query, f.SessionID)
	if err != nil {
		return fmt.Errorf("save failure: %w", err)
	}
	f.ID, _ = result.LastInsertId()
	return nil
}

// ListFailures returns up to limit failures, newest first. An empty category
// matches all categories.
func (s *Store) ListFailures(category string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, model_id, category, tool, error, query, session_id, created_at
		FROM failures
		WHERE ? = '' OR category = ?
		ORDER BY id DESC
		LIMIT ?`, category, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		var modelID, tool, query, sessionID sql.NullString
		if err := rows.Scan(&f.ID, &modelID, &f.Category, &tool, &f.Error, &query, &sessionID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.ModelID = modelID.String
		f.Tool = tool.String
		f.Query = query.String
		f.SessionID = sessionID.String
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
