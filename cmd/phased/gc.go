package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/memory"
)

func newGCCmd() *cobra.Command {
	var (
		retention  time.Duration
		ttl        time.Duration
		minQuality float64
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge old terminal tasks and prune stale memories",
		Long: `Delete completed and failed tasks older than the retention window and
prune memories past their TTL or below the quality floor. Defaults come
from the queue and memory config sections.

Examples:
  # Current namespace, configured windows
  phased gc

  # Every namespace, keep one week of tasks
  phased gc --all --retention 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var ns string
			if !all {
				var err error
				if ns, err = resolveNamespace(); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, needs{memory: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if !cmd.Flags().Changed("retention") {
				retention = a.cfg.Queue.Retention.Duration()
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.Memory.TTL.Duration()
			}
			if !cmd.Flags().Changed("min-quality") {
				minQuality = a.cfg.Memory.PruneQuality
			}

			// Task retention is global; the queue does not partition purges.
			purged, err := a.queue.Purge(ctx, retention)
			if err != nil {
				return fmt.Errorf("purge tasks: %w", err)
			}
			pruned, err := a.memory.Prune(ctx, memory.PrunePolicy{
				Namespace:  ns,
				TTL:        ttl,
				MinQuality: minQuality,
			})
			if err != nil {
				return fmt.Errorf("prune memories: %w", err)
			}

			a.logger.Underlying().Info("gc complete",
				zap.String("namespace", ns),
				zap.Int64("tasks", purged),
				zap.Int64("memories", pruned.Memories),
				zap.Int64("snapshots", pruned.Snapshots))
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d tasks, pruned %d memories and %d snapshots\n",
				purged, pruned.Memories, pruned.Snapshots)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "age after which terminal tasks are deleted")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "age after which memories are pruned (0 keeps all)")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "prune memories below this quality")
	cmd.Flags().BoolVar(&all, "all", false, "prune memories in every namespace")
	return cmd
}
