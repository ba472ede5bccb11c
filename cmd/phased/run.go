package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a run toward a goal",
		Long: `Start a run: record entry into the first phase (or --phase) and hand the
goal to that phase's orchestrator. Agents pick the task up from the queue
once "phased serve" is running.

Examples:
  # Start from the first phase
  phased run "add rate limiting to the public API"

  # Resume a namespace from a later phase
  phased run --phase implementation -n billing "finish the invoice exporter"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := resolveNamespace()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, needs{events: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			res, err := a.driver.Run(ctx, strings.Join(args, " "), ns, orchestrator.Phase(phase))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s in phase %s (task %s)\n", res.Namespace, res.Phase, res.TaskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase to start in (default: first phase)")
	return cmd
}
