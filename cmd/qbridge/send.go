package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"qbridge/internal/transport"
	"qbridge/internal/worker"
)

func newPushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push QUEUE PAYLOAD...",
		Short: "Append payloads to a list and print its new length",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads := make([][]byte, 0, len(args)-1)
			for _, a := range args[1:] {
				payloads = append(payloads, []byte(a))
			}
			return opts.withConn(cmd, func(ctx context.Context, conn transport.Conn) error {
				n, err := conn.Push(ctx, args[0], payloads...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newPublishCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish CHANNEL PAYLOAD",
		Short: "Publish a payload and print how many subscribers got it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConn(cmd, func(ctx context.Context, conn transport.Conn) error {
				n, err := conn.Publish(ctx, args[0], []byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

// withConn connects through the supervisor, so the usual retry budget and
// backoff apply, runs fn once and disconnects.
func (o *rootOptions) withConn(cmd *cobra.Command, fn func(ctx context.Context, conn transport.Conn) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	sup := worker.NewSupervisor(o.deps(cmd, cfg))
	defer sup.Shutdown()

	if err := sup.Connect(ctx); err != nil {
		return err
	}
	conn, err := sup.Conn()
	if err != nil {
		return err
	}
	return fn(ctx, conn)
}
