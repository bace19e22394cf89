package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xragent/internal/exthost"
	"github.com/antonkrylov/xragent/internal/ptyhost"
)

// newExtHostCmd is the process the agent launches per extension host
// connection. It ignores its arguments; the transport comes from the
// environment.
func newExtHostCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:                "exthost",
		Short:              "Run the built-in extension host (launched by the agent)",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := root.logger().With("component", "exthost", "pid", os.Getpid())
			opts, err := exthost.OptionsFromEnv(os.Getenv)
			if err != nil {
				return err
			}
			opts.Logger = logger
			h, err := exthost.New(opts)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			h.Run(ctx)
			return nil
		},
	}
}

func newPtyHostCmd(root *rootOptions) *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:    "ptyhost",
		Short:  "Run the pty host (launched by the agent)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return ptyhost.Run(ctx, ptyhost.HostOptions{
				SocketPath: socket,
				Logger:     root.logger().With("component", "ptyhost", "pid", os.Getpid()),
				Parent:     os.Stdin,
			})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket to serve the pty host on")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}
