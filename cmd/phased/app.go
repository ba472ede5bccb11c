package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/completion"
	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/embeddings"
	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/memory"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/scribe"
	"github.com/fyrsmithlabs/phased/internal/secrets"
	"github.com/fyrsmithlabs/phased/internal/store"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
	"github.com/fyrsmithlabs/phased/internal/vectorstore"
	"github.com/fyrsmithlabs/phased/internal/worker"
)

// completionMaxTokens bounds a single agent completion.
const completionMaxTokens = 8192

// needs selects the optional parts of the app a command uses. The store,
// queue, approval gate, scribe and driver are always built.
type needs struct {
	memory  bool
	workers bool
	events  bool
}

// app holds the wired dependencies for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *store.Store
	queue     *queue.Queue
	approvals *approval.Gate
	scribe    *scribe.Scribe
	artifacts scribe.Reader
	def       orchestrator.Definition
	driver    *orchestrator.Driver
	scrubber  secrets.Scrubber
	publisher events.Publisher

	// Set when needs.memory.
	embedder embeddings.Provider
	index    vectorstore.Store
	memory   *memory.Service

	// Set when needs.workers.
	registry *orchestrator.Registry
	workers  *worker.Runtime

	closers []func(context.Context) error
}

// newApp loads configuration and wires the components selected by n.
func newApp(ctx context.Context, n needs) (_ *app, err error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, publisher: events.NopPublisher{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	// stdout carries command output and the MCP stdio protocol.
	logCfg.Output.Stderr = true
	a.logger, err = logging.NewLogger(logCfg, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		_ = a.logger.Sync()
		return nil
	})
	zl := a.logger.Underlying()

	var allow []string
	if wd, err := os.Getwd(); err == nil {
		allow, err = secrets.LoadAllowList(filepath.Join(projectRoot(wd), ".gitleaks.toml"), cfg.Memory.ScrubAllowList)
		if err != nil {
			return nil, err
		}
	}
	a.scrubber, err = secrets.New(&secrets.Config{
		Enabled:         !cfg.Memory.DisableScrub,
		Engine:          cfg.Memory.ScrubEngine,
		Rules:           secrets.DefaultRules(),
		RedactionString: secrets.DefaultConfig().RedactionString,
		AllowList:       allow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scrubber: %w", err)
	}

	a.store, err = store.Open(ctx, store.Config{
		Path:         cfg.Store.Path,
		BusyTimeout:  cfg.Store.BusyTimeout.Duration(),
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, zl)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	db := a.store.DB()

	a.queue = queue.New(db,
		queue.WithLogger(zl),
		queue.WithTracer(a.telemetry.Tracer("phased/queue")),
		queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts),
	)
	a.approvals = approval.New(db, zl)
	a.scribe = scribe.New(db, zl)
	a.artifacts = scribe.NewReader(db)

	a.def, err = orchestrator.FromConfig(cfg.Phases)
	if err != nil {
		return nil, fmt.Errorf("invalid phase definition: %w", err)
	}

	if n.events && cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, zl)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	}

	if n.memory {
		if err := a.initMemory(ctx); err != nil {
			return nil, err
		}
	}

	opts := []orchestrator.DriverOption{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithPublisher(a.publisher),
	}
	if a.memory != nil {
		opts = append(opts, orchestrator.WithRecorder(a.memory))
	}
	a.driver = orchestrator.NewDriver(
		orchestrator.NewMachine(a.def, a.artifacts, a.approvals),
		a.queue, a.approvals, a.artifacts,
		orchestrator.NewTransitions(db),
		driverConfig(cfg.Queue),
		opts...,
	)

	if n.workers {
		if err := a.initWorkers(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) initMemory(ctx context.Context) error {
	zl := a.logger.Underlying()

	embedder, err := embeddings.New(a.cfg.Embeddings, a.cfg.VectorStore.VectorSize, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize embeddings: %w", err)
	}
	a.embedder = embedder
	a.closers = append(a.closers, func(context.Context) error { return embedder.Close() })

	index, err := vectorstore.New(ctx, a.cfg.VectorStore, a.cfg.Qdrant, embedder, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	a.index = index
	a.closers = append(a.closers, func(context.Context) error { return index.Close() })

	a.memory, err = memory.NewService(a.store.DB(), index,
		memory.WithScrubber(a.scrubber),
		memory.WithOutcomes(a.queue),
		memory.WithLogger(zl),
		memory.WithMeter(a.telemetry.Meter("phased/memory")),
		memory.WithConfig(memory.Config{
			SearchLimit:     a.cfg.Memory.SearchLimit,
			InsightLimit:    a.cfg.Memory.InsightLimit,
			RecencyHalfLife: a.cfg.Memory.RecencyHalfLife.Duration(),
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize memory: %w", err)
	}
	return nil
}

func (a *app) initWorkers() error {
	provider, err := completion.New(a.cfg.Completion, a.logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize completion provider: %w", err)
	}

	a.registry = orchestrator.NewRegistry()
	if err := a.registry.RegisterAll(a.def, worker.NewCompletionHandler(provider, completionMaxTokens)); err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithScrubber(a.scrubber),
		worker.WithPublisher(a.publisher),
		worker.WithLogger(a.logger),
		worker.WithTracer(a.telemetry.Tracer("phased/worker")),
	}
	if a.memory != nil {
		opts = append(opts, worker.WithMemory(a.memory))
	}
	a.workers = worker.New(a.queue, a.registry, worker.ConfigFrom(a.cfg.Worker), opts...)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func driverConfig(q config.QueueConfig) orchestrator.DriverConfig {
	return orchestrator.DriverConfig{
		Lease: q.LeaseTimeout.Duration(),
		Retry: queue.RetryPolicy{
			BaseDelay: q.RetryBaseDelay.Duration(),
			MaxDelay:  q.RetryMaxDelay.Duration(),
			Jitter:    true,
		},
		MaxContinuations: q.MaxContinuations,
		Retention:        q.Retention.Duration(),
	}
}
