package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/mtzanidakis/modelswarm/internal/scheduler"
	"github.com/spf13/cobra"
)

const (
	routeServeTimeout = 10 * time.Minute
	swarmServeTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing service on the embedded NATS bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
	return cmd
}

func runServe(parent context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.NATS.Enabled {
		return errors.New("serve requires nats.enabled")
	}

	slog.Info("starting modelswarm", "version", version)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	a, err := newApp(cfg, client)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := newService(a, client)
	subjects := []struct {
		subject string
		timeout time.Duration
		handler natsbus.HandlerFunc
	}{
		{natsbus.TopicRouteRequest, routeServeTimeout, svc.handleRoute},
		{natsbus.TopicSwarmRoute, swarmServeTimeout, svc.handleSwarmRoute},
		{natsbus.TopicSwarmDisqualify, swarmServeTimeout, svc.handleDisqualify},
	}
	for _, s := range subjects {
		if _, err := client.Serve(ctx, s.subject, s.timeout, s.handler); err != nil {
			return fmt.Errorf("serve %s: %w", s.subject, err)
		}
		slog.Info("serving", "subject", s.subject)
	}

	sched := scheduler.New(scheduler.Options{
		Name: "swarm-reset",
		Job: func(context.Context) error {
			a.swarm.Reset()
			return nil
		},
		Logger: slog.Default(),
	})
	if err := sched.UpdateSchedule(cfg.Swarm.ResetSchedule); err != nil {
		return fmt.Errorf("swarm.reset_schedule: %w", err)
	}
	go sched.Start(ctx)

	if watch {
		reload := func() {
			next, err := config.Load()
			if err != nil {
				slog.Error("config reload failed", "error", err)
				return
			}
			swarmChanged, err := a.apply(next)
			if err != nil {
				slog.Error("config reload incomplete", "error", err)
			}
			if swarmChanged {
				if err := sched.UpdateSchedule(next.Swarm.ResetSchedule); err != nil {
					slog.Error("invalid swarm.reset_schedule, keeping previous", "error", err)
				}
			}
			slog.Info("config reloaded")
		}
		go func() {
			if err := watchConfig(ctx, config.Path(), reload); err != nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}
