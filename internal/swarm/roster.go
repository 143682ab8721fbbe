// Package swarm dispatches tasks to the best qualified model of the active
// roster and tracks per-session disqualifications.
package swarm

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

type Role string

const (
	RoleMain       Role = "main"
	RoleExecutor   Role = "executor"
	RoleSpecialist Role = "specialist"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMain, RoleExecutor, RoleSpecialist:
		return true
	}
	return false
}

// Task types understood by RouteTask. Other values use the default order.
const (
	TaskReasoning = "reasoning"
	TaskPlanning  = "planning"
	TaskCoding    = "coding"
	TaskToolUse   = "tool_use"
	TaskRAG       = "rag"
)

// Roster is the set of models in a swarm and their roles. Models without a
// role only take part in default routing.
type Roster struct {
	Models []string        `json:"models"`
	Roles  map[string]Role `json:"roles,omitempty"`
}

// Validate rejects empty ids, duplicate models, unknown roles and roles
// assigned to models outside the roster.
func (r Roster) Validate() error {
	seen := make(map[string]bool, len(r.Models))
	for _, id := range r.Models {
		if id == "" {
			return errors.New("roster contains an empty model id")
		}
		if seen[id] {
			return fmt.Errorf("model %q listed twice", id)
		}
		seen[id] = true
	}
	for _, id := range slices.Sorted(maps.Keys(r.Roles)) {
		if !seen[id] {
			return fmt.Errorf("role assigned to model %q which is not in the roster", id)
		}
		if !r.Roles[id].Valid() {
			return fmt.Errorf("model %q has unknown role %q", id, r.Roles[id])
		}
	}
	return nil
}

// MainModel is the first model with the main role, else the first model.
func (r Roster) MainModel() string {
	for _, id := range r.Models {
		if r.Roles[id] == RoleMain {
			return id
		}
	}
	if len(r.Models) > 0 {
		return r.Models[0]
	}
	return ""
}

// withRole lists roster models holding role, in roster order.
func (r Roster) withRole(role Role) []string {
	var out []string
	for _, id := range r.Models {
		if r.Roles[id] == role {
			out = append(out, id)
		}
	}
	return out
}

func (r Roster) clone() Roster {
	return Roster{Models: slices.Clone(r.Models), Roles: maps.Clone(r.Roles)}
}

// normalized drops empty and duplicate ids, keeping first occurrences.
func (r Roster) normalized() Roster {
	out := Roster{Roles: make(map[string]Role, len(r.Roles))}
	seen := make(map[string]bool, len(r.Models))
	for _, id := range r.Models {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out.Models = append(out.Models, id)
		if role, ok := r.Roles[id]; ok {
			out.Roles[id] = role
		}
	}
	return out
}

// Disqualification removes a model from one capability for the rest of a
// swarm session.
type Disqualification struct {
	ModelID    string    `json:"model_id"`
	Capability string    `json:"capability"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Event is published when swarm state changes.
type Event struct {
	Type             string            `json:"type"`
	SessionID        string            `json:"session_id"`
	Disqualification *Disqualification `json:"disqualification,omitempty"`
	Models           []string          `json:"models,omitempty"`
	Timestamp        string            `json:"timestamp"`
}
