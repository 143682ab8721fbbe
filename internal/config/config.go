package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Models  map[string]ModelDefinition `yaml:"models"`
	Tools   map[string]ToolDefinition  `yaml:"tools"`
	Routing RoutingConfig              `yaml:"routing"`
	Swarm   SwarmConfig                `yaml:"swarm"`
	Loop    LoopConfig                 `yaml:"loop"`
	Store   StoreConfig                `yaml:"store"`
	NATS    NATSConfig                 `yaml:"nats"`
	Vault   VaultConfig                `yaml:"vault"`
	Logging LoggingConfig              `yaml:"logging"`
	Tracing TracingConfig              `yaml:"tracing"`
}

// ModelDefinition describes one model endpoint of the fleet.
type ModelDefinition struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	Role         string   `yaml:"role"`
	Fallback     string   `yaml:"fallback"`
	EnabledTools []string `yaml:"enabled_tools"`
	Prosthetic   string   `yaml:"prosthetic"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`
	MaxTokens    int      `yaml:"max_tokens"`
}

// ToolDefinition describes a tool the fleet may call. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Description string         `yaml:"description"`
	Capability  string         `yaml:"capability"`
	Parameters  map[string]any `yaml:"parameters"`
}

type RoutingConfig struct {
	MainModel        string            `yaml:"main_model"`
	ExecutorModel    string            `yaml:"executor_model"`
	EnableDualModel  bool              `yaml:"enable_dual_model"`
	Timeout          time.Duration     `yaml:"timeout"`
	Provider         string            `yaml:"provider"`
	ProviderSettings map[string]string `yaml:"provider_settings"`
}

type SwarmConfig struct {
	// ResetSchedule is a cron expression or a schedule JSON document
	// (see internal/scheduler). Empty disables scheduled resets.
	ResetSchedule string `yaml:"reset_schedule"`
}

type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

func defaults() Config {
	return Config{
		Routing: RoutingConfig{
			EnableDualModel: true,
			Timeout:         120 * time.Second,
			Provider:        "openai",
		},
		Loop: LoopConfig{
			MaxIterations: 10,
		},
		Store: StoreConfig{
			Path: "data/modelswarm.db",
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "modelswarm",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("MODELSWARM_CONFIG"); p != "" {
		return p
	}
	return "config/modelswarm.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MODELSWARM_MAIN_MODEL"); v != "" {
		cfg.Routing.MainModel = v
	}
	if v := os.Getenv("MODELSWARM_EXECUTOR_MODEL"); v != "" {
		cfg.Routing.ExecutorModel = v
	}
	if v := os.Getenv("MODELSWARM_DUAL_MODEL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Routing.EnableDualModel = b
		}
	}
	if v := os.Getenv("MODELSWARM_ROUTING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.Timeout = d
		}
	}
	if v := os.Getenv("MODELSWARM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loop.MaxIterations = n
		}
	}
	if v := os.Getenv("MODELSWARM_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("MODELSWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MODELSWARM_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("MODELSWARM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MODELSWARM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Provider keys fill in models that do not carry their own.
	keys := map[string]string{
		"openai":     os.Getenv("OPENAI_API_KEY"),
		"anthropic":  os.Getenv("ANTHROPIC_API_KEY"),
		"openrouter": os.Getenv("OPENROUTER_API_KEY"),
	}
	for id, m := range cfg.Models {
		if m.APIKey == "" && keys[m.Provider] != "" {
			m.APIKey = keys[m.Provider]
			cfg.Models[id] = m
		}
	}
}

func (c *Config) validate() error {
	for id, m := range c.Models {
		switch m.Role {
		case "", "main", "executor", "specialist":
		default:
			return fmt.Errorf("model %s: unknown role %q", id, m.Role)
		}
		if m.Fallback != "" {
			if _, ok := c.Models[m.Fallback]; !ok {
				return fmt.Errorf("model %s: fallback %q is not a configured model", id, m.Fallback)
			}
		}
		for _, tool := range m.EnabledTools {
			if _, ok := c.Tools[tool]; !ok {
				return fmt.Errorf("model %s: enabled tool %q is not configured", id, tool)
			}
		}
	}
	if c.Routing.Timeout < 0 {
		return fmt.Errorf("routing.timeout must not be negative")
	}
	return nil
}

// ModelName returns the provider-side model name for id, which defaults to
// the id itself.
func (c *Config) ModelName(id string) string {
	if m, ok := c.Models[id]; ok && m.Name != "" {
		return m.Name
	}
	return id
}
