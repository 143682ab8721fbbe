package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var (
		system        string
		server        string
		runLoop       bool
		maxIterations int
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "route <prompt>",
		Short: "Route one prompt and print the routing result as JSON",
		Long: `Route one prompt through the configured dual-model protocol.

Without --server the fleet is loaded in-process from the config file. With
--server the request is sent to a running "modelswarm serve" over NATS, which
can also drive the returned tool calls through the agentic loop.

Examples:
  modelswarm route "run npm test"
  modelswarm route --server nats://localhost:4222 --run-loop "fix the failing test"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgs []llm.Message
			if system != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: strings.Join(args, " ")})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if server != "" {
				return routeRemote(ctx, cmd.OutOrStdout(), server, routeRequest{
					Messages:      msgs,
					RunLoop:       runLoop,
					MaxIterations: maxIterations,
				})
			}
			if runLoop {
				return fmt.Errorf("--run-loop needs --server: tools execute on NATS workers")
			}
			return routeLocal(ctx, cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt prepended to the conversation")
	cmd.Flags().StringVar(&server, "server", "", "NATS URL of a running modelswarm serve")
	cmd.Flags().BoolVar(&runLoop, "run-loop", false, "Execute returned tool calls (requires --server)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Agentic loop iteration bound (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall deadline")
	return cmd
}

func routeLocal(ctx context.Context, w io.Writer, msgs []llm.Message) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, routeErr := a.router.Route(ctx, msgs, nil)
	if res != nil {
		if err := printJSON(w, res); err != nil {
			return err
		}
	}
	return routeErr
}

func routeRemote(ctx context.Context, w io.Writer, url string, req routeRequest) error {
	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply routeReply
	if err := client.RequestJSON(ctx, natsbus.TopicRouteRequest, req, &reply); err != nil {
		return err
	}
	return printJSON(w, reply)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
