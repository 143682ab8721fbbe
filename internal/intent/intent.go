// Package intent defines the canonical Intent a model's raw output is reduced
// to, and the normalizer that produces it from the many textual tool-call
// conventions local and cloud models emit.
package intent

import (
	"errors"
	"fmt"
)

const SchemaVersion = "1.0"

type Action string

const (
	ActionCallTool         Action = "call_tool"
	ActionRespond          Action = "respond"
	ActionAskClarification Action = "ask_clarification"
	ActionMultiStep        Action = "multi_step"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCallTool, ActionRespond, ActionAskClarification, ActionMultiStep:
		return true
	}
	return false
}

type Intent struct {
	SchemaVersion string         `json:"schemaVersion"`
	Action        Action         `json:"action"`
	Tool          string         `json:"tool,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Steps         []Step         `json:"steps,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
}

type Step struct {
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Description string         `json:"description,omitempty"`
}

type Metadata struct {
	Reasoning string `json:"reasoning,omitempty"`
	Response  string `json:"response,omitempty"`
	Question  string `json:"question,omitempty"`
}

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingTool   = errors.New("call_tool intent requires a tool")
	ErrNoSteps       = errors.New("multi_step intent requires steps")
)

// Validate checks the structural invariants of an intent.
func (in Intent) Validate() error {
	if !in.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
	switch in.Action {
	case ActionCallTool:
		if in.Tool == "" {
			return ErrMissingTool
		}
	case ActionMultiStep:
		if len(in.Steps) == 0 {
			return ErrNoSteps
		}
		for i, s := range in.Steps {
			if s.Tool == "" {
				return fmt.Errorf("step %d: %w", i, ErrMissingTool)
			}
		}
	}
	return nil
}

// ResponseText returns the user-facing text carried by a respond or
// ask_clarification intent.
func (in Intent) ResponseText() string {
	if in.Metadata == nil {
		return ""
	}
	if in.Action == ActionAskClarification && in.Metadata.Question != "" {
		return in.Metadata.Question
	}
	if in.Metadata.Response != "" {
		return in.Metadata.Response
	}
	return in.Metadata.Question
}

// Reasoning returns the model's stated reasoning, if any.
func (in Intent) Reasoning() string {
	if in.Metadata == nil {
		return ""
	}
	return in.Metadata.Reasoning
}

// IsDirect reports whether the intent is answered without tool execution.
func (in Intent) IsDirect() bool {
	return in.Action == ActionRespond || in.Action == ActionAskClarification
}

func callTool(tool string, params map[string]any) Intent {
	return Intent{
		SchemaVersion: SchemaVersion,
		Action:        ActionCallTool,
		Tool:          tool,
		Parameters:    params,
	}
}

func respond(text string) Intent {
	if text == "" {
		return Intent{
			SchemaVersion: SchemaVersion,
			Action:        ActionRespond,
			Metadata:      &Metadata{Reasoning: "could not parse intent"},
		}
	}
	return Intent{
		SchemaVersion: SchemaVersion,
		Action:        ActionRespond,
		Metadata:      &Metadata{Response: text},
	}
}
