package main

import (
	"context"
	"fmt"
	"io"

	"github.com/mtzanidakis/modelswarm/internal/natsbus"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		server    string
		swarmOnly bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream events published by a running modelswarm serve",
		Long: `Print every event published on the bus as "<subject> <json>" lines:
routing runs, per-model events, swarm resets, disqualifications and
failures. Stops on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := natsbus.NewClientFromURL(server)
			if err != nil {
				return err
			}
			defer client.Close()

			topic := natsbus.TopicEventsAll
			if swarmOnly {
				topic = natsbus.TopicEventsSwarm
			}
			return streamEvents(cmd.Context(), client, topic, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "nats://localhost:4222", "NATS URL of a running modelswarm serve")
	cmd.Flags().BoolVar(&swarmOnly, "swarm", false, "Only show swarm events")
	return cmd
}

// streamEvents writes messages on topic to out until ctx ends or a write
// fails.
func streamEvents(ctx context.Context, client *natsbus.Client, topic string, out io.Writer) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Subscribe(topic, func(msg *nats.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if _, err := fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data); err != nil {
				return err
			}
		}
	}
}
