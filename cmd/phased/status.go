package main

import (
	"encoding/json"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/monitor"
)

func newStatusCmd() *cobra.Command {
	var (
		watch    bool
		asJSON   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [namespace]",
		Short: "Show the phase state of a namespace",
		Long: `Show the current phase, the next decision, task counts, pending approvals
and recent failures for a namespace.

Examples:
  # One-shot report for the current directory's namespace
  phased status

  # Live dashboard
  phased status billing --watch --interval 2s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				namespace = args[0]
			}
			ns, err := resolveNamespace()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, needs{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			order := a.driver.Definition().Order
			if watch {
				model := monitor.NewModel(a.driver, ns, order, interval)
				_, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout())).Run()
				return err
			}

			report, err := a.driver.Status(ctx, ns)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), monitor.Render(report, order, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh in an interactive dashboard")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval for --watch")
	cmd.MarkFlagsMutuallyExclusive("watch", "json")
	return cmd
}
