package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/spf13/cobra"
)

func newSwarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Inspect and steer the swarm router",
	}
	cmd.AddCommand(newSwarmRouteCmd(), newSwarmRosterCmd(), newSwarmDisqualifyCmd())
	return cmd
}

func newSwarmRouteCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "route <task-type>",
		Short: "Print the model the swarm picks for a task type",
		Long: `Print the model the swarm picks for a task type
(reasoning, planning, coding, tool_use, rag or any other name).

With --server the live session of a running "modelswarm serve" is asked, so
its disqualifications apply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				client, err := natsbus.NewClientFromURL(server)
				if err != nil {
					return err
				}
				defer client.Close()

				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				var reply swarmRouteReply
				if err := client.RequestJSON(ctx, natsbus.TopicSwarmRoute, swarmRouteRequest{TaskType: args[0]}, &reply); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.ModelID)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			modelID, err := a.swarm.RouteTaskOrErr(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), modelID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "NATS URL of a running modelswarm serve")
	return cmd
}

func newSwarmRosterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "List the fleet with roles and capability profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			roster := a.swarm.Roster()
			mainID := roster.MainModel()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tROLE\tSCORE\tSTRENGTHS\tBLOCKED\tFALLBACK")
			for _, id := range roster.Models {
				role := string(roster.Roles[id])
				if id == mainID {
					role += "*"
				}
				p, _ := a.profiles.GetProfile(id)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", id, role, p.OverallScore,
					strings.Join(p.NativeStrengths, ","),
					strings.Join(p.BlockedCapabilities, ","),
					p.FallbackModelID)
			}
			return w.Flush()
		},
	}
}

func newSwarmDisqualifyCmd() *cobra.Command {
	var (
		server string
		reason string
	)
	cmd := &cobra.Command{
		Use:   "disqualify <model> <capability>",
		Short: "Disqualify a model for a capability in the live session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := natsbus.NewClientFromURL(server)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			var reply map[string]string
			req := disqualifyRequest{ModelID: args[0], Capability: args[1], Reason: reason}
			if err := client.RequestJSON(ctx, natsbus.TopicSwarmDisqualify, req, &reply); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s disqualified for %s (session %s)\n", args[0], args[1], reply["session_id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "nats://localhost:4222", "NATS URL of a running modelswarm serve")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the disqualification")
	return cmd
}
