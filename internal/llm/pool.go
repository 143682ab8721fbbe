package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Endpoint is everything needed to reach one model.
type Endpoint struct {
	// Name is the provider-side model name; it defaults to the model id.
	Name         string
	Provider     string
	BaseURL      string
	APIKey       string
	MaxTokens    int
	RateLimitRPM int
}

// Pool builds and caches clients for the fleet. Models with a configured
// endpoint use it; other models are reached through the provider and settings
// supplied by the caller (the routing config).
type Pool struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	clients   map[string]Client
	tracer    trace.Tracer
	build     func(Endpoint) (Client, error)
}

// NewPool returns a pool that traces completions with tracer (nil disables
// tracing).
func NewPool(endpoints map[string]Endpoint, tracer trace.Tracer) *Pool {
	p := &Pool{
		clients: make(map[string]Client),
		tracer:  tracer,
		build:   buildClient,
	}
	p.SetEndpoints(endpoints)
	return p
}

// SetEndpoints replaces the configured endpoints and drops cached clients.
func (p *Pool) SetEndpoints(endpoints map[string]Endpoint) {
	eps := make(map[string]Endpoint, len(endpoints))
	for id, ep := range endpoints {
		eps[id] = ep
	}
	p.mu.Lock()
	p.endpoints = eps
	p.clients = make(map[string]Client)
	p.mu.Unlock()
}

func (p *Pool) Client(modelID, provider string, settings map[string]string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.endpoints[modelID]
	if !ok {
		ep = Endpoint{
			Provider: provider,
			BaseURL:  settings["base_url"],
			APIKey:   settings["api_key"],
		}
	}
	if ep.Name == "" {
		ep.Name = modelID
	}

	key := modelID + "\x00" + ep.Provider + "\x00" + ep.BaseURL + "\x00" + ep.APIKey
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	c, err := p.build(ep)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", modelID, err)
	}
	c = WithRateLimit(c, ep.RateLimitRPM)
	c = WithTracing(c, p.tracer, modelID)
	p.clients[key] = c

	slog.Debug("model client created", "model", modelID, "provider", ep.Provider, "base_url", ep.BaseURL)
	return c, nil
}

func buildClient(ep Endpoint) (Client, error) {
	switch ep.Provider {
	case "", "openai", "lmstudio", "ollama", "vllm":
		return NewOpenAIEndpoint(ep.BaseURL, ep.APIKey, ep.Name, ep.MaxTokens)
	case "openrouter":
		baseURL := ep.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIEndpoint(baseURL, ep.APIKey, ep.Name, ep.MaxTokens)
	case "anthropic":
		return NewAnthropicEndpoint(ep.BaseURL, ep.APIKey, ep.Name, ep.MaxTokens)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, ep.Provider)
	}
}
