// Package main implements the phased CLI: it starts runs, reports namespace
// status, resolves approvals and hosts the daemon and MCP surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides ~/.config/phased/config.yaml.
	configPath string
	namespace  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "phased",
		Short: "Phase-gated task orchestration for agent teams",
		Long: `phased drives a goal through an ordered sequence of phases. Agents claim
tasks from a durable queue, propose artifacts through the state scribe and
wait at approval gates before the next phase begins.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/phased/config.yaml)")
	root.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace (default derived from the working directory)")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newServeCmd(),
		newMCPCmd(),
		newGCCmd(),
		newMigrateCmd(),
	)
	return root
}
