package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve agent tools over MCP on stdio",
		Long: `Serve the agent tool surface over the Model Context Protocol on stdio.
Agents use it to claim tasks, complete or fail them, search and store
memories, propose artifacts and read phase status.

Register it with an MCP client, for example:
  claude mcp add phased -- phased mcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, needs{memory: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			cfg := mcp.DefaultConfig()
			cfg.Version = version
			cfg.Logger = a.logger.Underlying()

			srv, err := mcp.NewServer(cfg, a.queue, a.memory, a.driver, a.scrubber)
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			// stdout carries the protocol.
			fmt.Fprintf(os.Stderr, "phased MCP server ready (%d phases, store %s)\n", len(a.def.Order), a.store.Path())
			return srv.Run(ctx)
		},
	}
}
