package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrNoHandler   = errors.New("no executor for tool")
)

// Definition describes a tool to models and to the capability gate.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry is the tool catalog. It validates arguments against each tool's
// JSON schema and executes calls through a local handler when one is
// registered, or through the fallback executor otherwise.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	handlers map[string]Handler
	fallback Executor
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]entry),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// SetDefinitions replaces the catalog. Handlers are kept.
func (r *Registry) SetDefinitions(defs []Definition) error {
	entries := make(map[string]entry, len(defs))
	for _, def := range defs {
		e, err := compileEntry(def)
		if err != nil {
			return err
		}
		entries[def.Name] = e
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Register adds or replaces one definition with an optional local handler.
func (r *Registry) Register(def Definition, h Handler) error {
	e, err := compileEntry(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = e
	if h != nil {
		r.handlers[def.Name] = h
	}
	return nil
}

// SetFallback routes calls to tools without a local handler to exec.
func (r *Registry) SetFallback(exec Executor) {
	r.mu.Lock()
	r.fallback = exec
	r.mu.Unlock()
}

func compileEntry(def Definition) (entry, error) {
	if def.Name == "" {
		return entry{}, errors.New("tool name is required")
	}
	e := entry{def: def}
	if len(def.Parameters) == 0 {
		return e, nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return entry{}, fmt.Errorf("tool %s: marshal schema: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return entry{}, fmt.Errorf("tool %s: decode schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := def.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return entry{}, fmt.Errorf("tool %s: add schema: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return entry{}, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}
	e.schema = schema
	return e, nil
}

func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Definitions returns the catalog sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.entries))
	for _, name := range slices.Sorted(maps.Keys(r.entries)) {
		out = append(out, r.entries[name].def)
	}
	return out
}

// ToolDefinitions returns model-facing schemas for names, in the given
// order, skipping unknown names. A nil slice selects the whole catalog.
func (r *Registry) ToolDefinitions(names []string) []llm.ToolDefinition {
	if names == nil {
		defs := r.Definitions()
		out := make([]llm.ToolDefinition, 0, len(defs))
		for _, d := range defs {
			out = append(out, toLLM(d))
		}
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if e, ok := r.entries[name]; ok {
			out = append(out, toLLM(e.def))
		}
	}
	return out
}

func toLLM(d Definition) llm.ToolDefinition {
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) Result {
	if err := ctx.Err(); err != nil {
		return Failed(call, err)
	}
	args, err := DecodeArguments(call.Arguments)
	if err != nil {
		return Failed(call, err)
	}
	if err := r.Validate(call.Name, args); err != nil {
		return Failed(call, err)
	}

	r.mu.RLock()
	h := r.handlers[call.Name]
	fallback := r.fallback
	r.mu.RUnlock()

	switch {
	case h != nil:
		return r.runHandler(ctx, call, h, args)
	case fallback != nil:
		return fallback.Execute(ctx, call)
	default:
		return Failed(call, fmt.Errorf("%w: %s", ErrNoHandler, call.Name))
	}
}

func (r *Registry) runHandler(ctx context.Context, call llm.ToolCall, h Handler, args map[string]any) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", p)
			res = Failed(call, fmt.Errorf("tool %s panicked: %v", call.Name, p))
		}
	}()
	out, err := h(ctx, args)
	if err != nil {
		return Failed(call, err)
	}
	return Succeeded(call, out)
}
