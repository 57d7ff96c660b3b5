package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/mcp"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the vault index over the Model Context Protocol",
		Long: `Runs an MCP server with search, get_note, multi_get, and status tools.
Stdout carries the protocol framing, so all logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Protocol transport (stdio)")
	return cmd
}

func runServe(ctx context.Context, flags *rootFlags, transport string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags, true)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := mcp.NewServer(a.engine, a.meta, a.cache, a.logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx, transport)
}
