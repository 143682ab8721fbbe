package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/failurelog"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/loop"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/mtzanidakis/modelswarm/internal/registry"
	"github.com/mtzanidakis/modelswarm/internal/router"
	"github.com/mtzanidakis/modelswarm/internal/secrets"
	"github.com/mtzanidakis/modelswarm/internal/store"
	"github.com/mtzanidakis/modelswarm/internal/swarm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
	"github.com/mtzanidakis/modelswarm/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const toolTimeout = 60 * time.Second

// app is the wired core shared by serve and the one-shot commands.
type app struct {
	db       *store.Store
	secrets  *secrets.Resolver
	profiles *capability.Store
	tools    *tools.Registry
	pool     *llm.Pool
	registry *registry.Registry
	router   *router.Router
	swarm    *swarm.Router
	runner   *loop.Runner
	failures *failurelog.Async

	mu  sync.RWMutex
	cfg *config.Config
}

// newApp opens the store and wires every component. client is nil when the
// process runs without NATS; remote tools and event publishing are then
// unavailable.
func newApp(cfg *config.Config, client *natsbus.Client) (*app, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	a := &app{db: db, cfg: cfg}

	if cfg.Vault.Passphrase != "" {
		v, err := secrets.NewVault(cfg.Vault.Passphrase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		a.secrets = secrets.NewResolver(v, db)
	} else {
		slog.Warn("vault passphrase not set, secret references will not resolve")
	}

	sinks := []failurelog.Sink{
		failurelog.SlogSink{Logger: slog.Default()},
		failurelog.StoreSink{Store: db},
	}
	if client != nil {
		sinks = append(sinks, failurelog.NATSSink{Client: client})
	}
	a.failures = failurelog.NewAsync(0, slog.Default(), sinks...)

	a.profiles = capability.NewStore(db, db, slog.Default())
	if err := a.profiles.Load(); err != nil {
		a.Close()
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		tracer = otel.Tracer(cfg.Tracing.ServiceName)
	}
	a.pool = llm.NewPool(nil, tracer)

	a.tools = tools.NewRegistry(slog.Default())
	if client != nil {
		a.tools.SetFallback(tools.NewRemoteExecutor(client, toolTimeout))
	}

	deps := registry.Deps{
		Profiles: a.profiles,
		Tools:    a.tools,
		Pool:     a.pool,
		Logger:   slog.Default(),
	}
	if a.secrets != nil {
		deps.Secrets = a.secrets
	}
	a.registry = registry.New(deps, cfg.Models, cfg.Tools)
	if err := a.registry.Sync(); err != nil {
		a.Close()
		return nil, fmt.Errorf("sync registry: %w", err)
	}

	swarmOpts := swarm.Options{Recorder: db, Logger: slog.Default()}
	if client != nil {
		swarmOpts.Publisher = client
	}
	a.swarm = swarm.New(swarmOpts)
	a.swarm.Initialize(a.registry.Roster())

	a.router = router.New(router.Deps{
		Profiles: a.profiles,
		Clients:  a.pool,
		Tools:    a.tools,
		Failures: a.failures,
		Logger:   slog.Default(),
	})
	if cfg.Routing.MainModel != "" {
		if err := a.configureRouting(cfg.Routing); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		slog.Warn("routing.main_model not set, routing disabled until configured")
	}

	var sink tracing.Sink = tracing.LogSink{Logger: slog.Default()}
	if tracer != nil {
		sink = tracing.Multi{sink, tracing.NewOTelSink(context.Background(), tracer)}
	}
	a.runner = loop.New(loop.Deps{
		Executor: a.tools,
		Failures: a.failures,
		Sink:     sink,
		Logger:   slog.Default(),
	})

	return a, nil
}

// configureRouting resolves secret references in provider settings and
// reconfigures the router.
func (a *app) configureRouting(rc config.RoutingConfig) error {
	cfg := router.FromConfig(rc)
	if a.secrets != nil {
		cfg.ProviderSettings = a.secrets.ResolveSettings(cfg.ProviderSettings)
	}
	if err := a.router.Configure(cfg); err != nil {
		return fmt.Errorf("configure routing: %w", err)
	}
	return nil
}

func (a *app) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// apply re-applies the reloadable parts of next. swarmChanged tells the
// caller to reschedule swarm resets.
func (a *app) apply(next *config.Config) (swarmChanged bool, err error) {
	diff := config.Diff(a.config(), next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		return false, nil
	}

	var errs []error
	if len(diff.ModelsAdded) > 0 || len(diff.ModelsRemoved) > 0 || len(diff.ModelsChanged) > 0 || diff.ToolsChanged {
		slog.Info("fleet changed",
			"added", diff.ModelsAdded,
			"removed", diff.ModelsRemoved,
			"changed", diff.ModelsChanged,
			"tools", diff.ToolsChanged)
		if err := a.registry.Update(next.Models, next.Tools); err != nil {
			errs = append(errs, err)
		} else {
			a.swarm.Initialize(a.registry.Roster())
		}
	}
	if diff.RoutingChanged && diff.NewRouting.MainModel != "" {
		if err := a.configureRouting(diff.NewRouting); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	return diff.SwarmChanged, errors.Join(errs...)
}

func (a *app) maxIterations() int {
	return a.config().Loop.MaxIterations
}

func (a *app) Close() {
	if a.failures != nil {
		a.failures.Close()
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}
