package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phased/internal/http"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

func newServeCmd() *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: HTTP API, phase driver, workers and state scribe",
		Long: `Run the long-lived daemon. It serves the HTTP API, ticks every active
namespace, reclaims stale tasks, retries retryable failures, applies artifact
proposals through the state scribe and runs agent workers.

Examples:
  # Everything in one process
  phased serve

  # Driver and API only; agents attach over MCP
  phased serve --no-workers`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run in-process agent workers")
	return cmd
}

func serve(ctx context.Context, withWorkers bool) error {
	a, err := newApp(ctx, needs{memory: true, workers: withWorkers, events: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	logger := a.logger.Underlying()
	srv, err := http.NewServer(a.driver, a.scrubber, logger, &http.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("starting phased",
		zap.String("version", version),
		zap.String("store", a.store.Path()),
		zap.Strings("phases", phaseNames(a)),
		zap.Bool("workers", withWorkers),
		zap.Bool("nats", a.cfg.NATS.Enabled))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.driver.Loop(gctx, a.cfg.Queue.PollInterval.Duration())
	})
	g.Go(func() error {
		return scribe.NewWorker(a.scribe, a.queue, logger, a.cfg.Queue.PollInterval.Duration()).Run(gctx)
	})
	if withWorkers {
		g.Go(func() error {
			return a.workers.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("phased stopped", zap.Error(err))
	return err
}

func phaseNames(a *app) []string {
	names := make([]string, len(a.def.Order))
	for i, p := range a.def.Order {
		names[i] = string(p)
	}
	return names
}
