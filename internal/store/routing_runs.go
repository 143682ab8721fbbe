package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RoutingRun is the audit row written for one routed request.
type RoutingRun struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id,omitempty"`
	Mode              string          `json:"mode"`
	MainModel         string          `json:"main_model"`
	ExecutorModel     string          `json:"executor_model,omitempty"`
	Capability        string          `json:"capability,omitempty"`
	Query             string          `json:"query,omitempty"`
	Phases            json.RawMessage `json:"phases"`
	ToolCalls         json.RawMessage `json:"tool_calls,omitempty"`
	FinalResponse     string          `json:"final_response,omitempty"`
	Error             string          `json:"error,omitempty"`
	MainLatencyMS     int64           `json:"main_latency_ms"`
	ExecutorLatencyMS int64           `json:"executor_latency_ms"`
	TotalLatencyMS    int64           `json:"total_latency_ms"`
	CreatedAt         time.Time       `json:"created_at"`
}

const routingRunColumns = `id, session_id, mode, main_model, executor_model, capability, query, phases, tool_calls, final_response, error, main_latency_ms, executor_latency_ms, total_latency_ms, created_at`

func (s *Store) SaveRoutingRun(r *RoutingRun) error {
	phases := r.Phases
	if len(phases) == 0 {
		phases = json.RawMessage("[]")
	}
	var toolCalls any
	if len(r.ToolCalls) > 0 {
		toolCalls = string(r.ToolCalls)
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_runs (id, session_id, mode, main_model, executor_model, capability, query, phases, tool_calls, final_response, error, main_latency_ms, executor_latency_ms, total_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Mode, r.MainModel, r.ExecutorModel, r.Capability, r.Query,
		string(phases), toolCalls, r.FinalResponse, r.Error,
		r.MainLatencyMS, r.ExecutorLatencyMS, r.TotalLatencyMS)
	if err != nil {
		return fmt.Errorf("save routing run: %w", err)
	}
	return nil
}

func (s *Store) GetRoutingRun(id string) (*RoutingRun, error) {
	row := s.db.QueryRow(`SELECT `+routingRunColumns+` FROM routing_runs WHERE id = ?`, id)
	r, err := scanRoutingRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routing run: %w", err)
	}
	return r, nil
}

// GetRecentRoutingRuns returns up to limit runs, newest first.
func (s *Store) GetRecentRoutingRuns(limit int) ([]RoutingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+routingRunColumns+`
		FROM routing_runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent routing runs: %w", err)
	}
	defer rows.Close()

	var runs []RoutingRun
	for rows.Next() {
		r, err := scanRoutingRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routing run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type ModelRoutingStats struct {
	ModelID      string
	Runs         int
	Errors       int
	AvgLatencyMS int64
}

// GetModelRoutingStats aggregates runs per main model.
func (s *Store) GetModelRoutingStats() (map[string]ModelRoutingStats, error) {
	rows, err := s.db.Query(`
		SELECT main_model, COUNT(*), SUM(CASE WHEN error IS NOT NULL AND error != '' THEN 1 ELSE 0 END), CAST(AVG(total_latency_ms) AS INTEGER)
		FROM routing_runs
		GROUP BY main_model`)
	if err != nil {
		return nil, fmt.Errorf("get model routing stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]ModelRoutingStats)
	for rows.Next() {
		var ms ModelRoutingStats
		if err := rows.Scan(&ms.ModelID, &ms.Runs, &ms.Errors, &ms.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("scan routing stats: %w", err)
		}
		stats[ms.ModelID] = ms
	}
	return stats, rows.Err()
}

func scanRoutingRun(sc scanner) (*RoutingRun, error) {
	r := &RoutingRun{}
	var sessionID, executor, capability, query, toolCalls, final, errText sql.NullString
	var phases string
	err := sc.Scan(&r.ID, &sessionID, &r.Mode, &r.MainModel, &executor, &capability, &query,
		&phases, &toolCalls, &final, &errText,
		&r.MainLatencyMS, &r.ExecutorLatencyMS, &r.TotalLatencyMS, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.ExecutorModel = executor.String
	r.Capability = capability.String
	r.Query = query.String
	r.Phases = json.RawMessage(phases)
	if toolCalls.Valid {
		r.ToolCalls = json.RawMessage(toolCalls.String)
	}
	r.FinalResponse = final.String
	r.Error = errText.String
	return r, nil
}
