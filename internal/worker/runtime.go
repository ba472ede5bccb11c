package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phased/internal/completion"
	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/memory"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/scribe"
	"github.com/fyrsmithlabs/phased/internal/secrets"
)

const failedAttemptQuality = 0.5

// TaskQueue is the part of the queue the runtime drives.
type TaskQueue interface {
	scribe.TaskQueue
	scribe.Enqueuer
	Delegate(ctx context.Context, d queue.Delegation) (string, error)
}

// Memory is the part of the memory subsystem the runtime uses.
type Memory interface {
	EnhanceAgentWithMemory(ctx context.Context, agent, phase, taskContext, namespace string) memory.Enhancement
	SaveSnapshot(ctx context.Context, snap memory.Snapshot) (string, error)
	Store(ctx context.Context, req memory.StoreRequest) (string, error)
}

// Config holds runtime settings.
type Config struct {
	// Concurrency is the number of claim loops per agent.
	Concurrency  int
	Timeout      time.Duration
	PollInterval time.Duration
	// Agents restricts the runtime to these agents. Empty serves every
	// registered agent.
	Agents []string
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 1, Timeout: 10 * time.Minute, PollInterval: time.Second}
}

// ConfigFrom converts the application worker settings.
func ConfigFrom(c config.WorkerConfig) Config {
	return Config{
		Concurrency:  c.Concurrency,
		Timeout:      c.Timeout.Duration(),
		PollInterval: c.PollInterval.Duration(),
		Agents:       c.Agents,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// Report is the result document stored on a completed task.
type Report struct {
	Summary    string   `json:"summary"`
	Quality    float64  `json:"quality"`
	Proposals  []string `json:"proposals,omitempty"`
	Delegated  []string `json:"delegated,omitempty"`
	Rejected   []string `json:"rejected,omitempty"`
	MemoryUsed []string `json:"memory_used,omitempty"`
}

// Runtime claims and executes tasks for registered agents.
type Runtime struct {
	queue     TaskQueue
	registry  *orchestrator.Registry
	memory    Memory
	scrubber  secrets.Scrubber
	publisher events.Publisher
	logger    *logging.Logger
	tracer    trace.Tracer
	cfg       Config
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMemory enables memory context and outcome recording.
func WithMemory(m Memory) Option {
	return func(r *Runtime) { r.memory = m }
}

// WithScrubber sets the scrubber applied to failure messages.
func WithScrubber(s secrets.Scrubber) Option {
	return func(r *Runtime) {
		if s != nil {
			r.scrubber = s
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runtime) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New creates a runtime.
func New(q TaskQueue, reg *orchestrator.Registry, cfg Config, opts ...Option) *Runtime {
	cfg.applyDefaults()
	r := &Runtime{
		queue:     q,
		registry:  reg,
		scrubber:  secrets.NoopScrubber{},
		publisher: events.NopPublisher{},
		logger:    logging.Nop(),
		tracer:    otel.Tracer("phased.worker"),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("worker")
	return r
}

// Agents returns the agents this runtime serves.
func (r *Runtime) Agents() []string {
	if len(r.cfg.Agents) > 0 {
		return r.cfg.Agents
	}
	return r.registry.Agents()
}

// Run starts Concurrency claim loops per agent and blocks until ctx is
// canceled or a loop fails.
func (r *Runtime) Run(ctx context.Context) error {
	agents := r.Agents()
	if len(agents) == 0 {
		return errors.New("worker: no agents to serve")
	}
	for _, a := range agents {
		if _, _, _, err := r.registry.Resolve(a); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}

	r.logger.Info(ctx, "worker runtime started",
		zap.Strings("agents", agents),
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.Duration("timeout", r.cfg.Timeout))

	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		for range r.cfg.Concurrency {
			g.Go(func() error { return r.loop(ctx, agent) })
		}
	}
	return g.Wait()
}

func (r *Runtime) loop(ctx context.Context, agent string) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx, agent); err != nil && ctx.Err() == nil {
			r.logger.Warn(ctx, "worker drain failed", zap.String("agent", agent), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes every currently claimable task for agent and returns the
// number of tasks processed.
func (r *Runtime) Drain(ctx context.Context, agent string) (int, error) {
	namespaces, err := r.queue.PendingNamespaces(ctx, agent)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, ns := range namespaces {
		for {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			task, err := r.queue.ClaimNext(ctx, ns, agent)
			if err != nil {
				return processed, err
			}
			if task == nil {
				break
			}
			if err := r.Process(ctx, task); err != nil {
				r.logger.Error(ctx, "report task outcome", zap.String("task_id", task.ID), zap.Error(err))
			}
			processed++
		}
	}
	return processed, nil
}

// Process executes one claimed task and reports its outcome to the queue.
// The returned error is non-nil only when the outcome could not be
// recorded.
func (r *Runtime) Process(ctx context.Context, task *queue.Task) error {
	ctx = logging.WithNamespace(ctx, task.Namespace)
	ctx = logging.WithAgent(ctx, task.ToAgent)
	ctx = logging.WithTaskID(ctx, task.ID)
	if task.Phase != "" {
		ctx = logging.WithPhase(ctx, task.Phase)
	}
	ctx, span := r.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("agent", task.ToAgent),
		attribute.String("task_type", task.TaskType),
	))
	defer span.End()

	h, phase, role, err := r.registry.Resolve(task.ToAgent)
	if err != nil {
		return r.fail(ctx, span, task, "", err)
	}
	msg, err := queue.DecodeDelegation(task.Payload)
	if err != nil {
		return r.fail(ctx, span, task, "", err)
	}

	req := orchestrator.Request{Task: task, Message: msg, Phase: phase, Role: role}
	var used []string
	if r.memory != nil {
		enh := r.memory.EnhanceAgentWithMemory(ctx, task.ToAgent, string(phase), msg.Description, task.Namespace)
		req.MemoryContext = enh.Prompt()
		req.Boost = enh.Boost
		used = enh.MemoryIDs()
		if _, err := r.memory.SaveSnapshot(ctx, memory.Snapshot{
			Namespace: task.Namespace,
			TaskID:    task.ID,
			Agent:     task.ToAgent,
			Phase:     string(phase),
			Boost:     enh.Boost,
			MemoryIDs: used,
			Summary:   msg.Description,
		}); err != nil {
			r.logger.Warn(ctx, "save context snapshot", zap.Error(err))
		}
	}

	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	res, err := h.Handle(hctx, req)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	HandleDuration.WithLabelValues(task.ToAgent).Observe(time.Since(start).Seconds())

	switch {
	case err == nil && res == nil:
		err = errors.New("handler returned no result")
	case err != nil && timedOut:
		TasksProcessed.WithLabelValues(task.ToAgent, outcomeTimeout).Inc()
		err = queue.Retryable(fmt.Errorf("timeout after %s", r.cfg.Timeout))
	case err != nil && ctx.Err() != nil:
		err = queue.Retryable(fmt.Errorf("worker stopped: %w", err))
	case err != nil && completion.IsRetryable(err):
		err = queue.Retryable(err)
	}
	if err != nil {
		return r.fail(ctx, span, task, msg.Description, err)
	}
	return r.complete(ctx, task, msg, phase, res, used)
}

func (r *Runtime) complete(ctx context.Context, task *queue.Task, msg *queue.DelegationMessage,
	phase orchestrator.Phase, res *orchestrator.Result, used []string) error {
	agent := task.ToAgent
	report := Report{Summary: res.Summary, Quality: res.Quality, MemoryUsed: used}
	if report.Quality <= 0 || report.Quality > 1 {
		report.Quality = DefaultQuality
	}

	for _, p := range res.Proposals {
		p.Namespace = task.Namespace
		if p.Phase == "" {
			p.Phase = string(phase)
		}
		id, err := scribe.Propose(ctx, r.queue, agent, p)
		if scribe.IsInvalid(err) {
			r.logger.Warn(ctx, "proposal rejected", zap.String("file_path", p.FilePath), zap.Error(err))
			report.Rejected = append(report.Rejected, p.FilePath)
			continue
		}
		if err != nil {
			return r.fail(ctx, trace.SpanFromContext(ctx), task, msg.Description, queue.Retryable(err))
		}
		report.Proposals = append(report.Proposals, id)
	}

	for i, sub := range res.Delegations {
		if _, ok := r.registry.Lookup(phase, sub.Role); !ok || strings.TrimSpace(sub.Message.Description) == "" {
			r.logger.Warn(ctx, "delegation rejected", zap.String("role", string(sub.Role)))
			report.Rejected = append(report.Rejected, orchestrator.AgentName(phase, sub.Role))
			continue
		}
		m := sub.Message
		m.Phase = string(phase)
		id, err := r.queue.Delegate(ctx, queue.Delegation{
			Namespace: task.Namespace,
			From:      agent,
			To:        orchestrator.AgentName(phase, sub.Role),
			TaskType:  queue.TypePhaseWork,
			Ref:       fmt.Sprintf("sub:%s:%d", task.ID, i),
			Message:   m,
		})
		if err != nil {
			return r.fail(ctx, trace.SpanFromContext(ctx), task, msg.Description, queue.Retryable(err))
		}
		report.Delegated = append(report.Delegated, id)
	}

	if err := r.queue.Complete(context.WithoutCancel(ctx), task.ID, report); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	TasksProcessed.WithLabelValues(agent, outcomeCompleted).Inc()
	r.logger.Info(ctx, "task completed",
		zap.Int("proposals", len(report.Proposals)),
		zap.Int("delegated", len(report.Delegated)),
		zap.Float64("quality", report.Quality))

	r.remember(ctx, memory.StoreRequest{
		Namespace:    task.Namespace,
		Content:      fmt.Sprintf("%s: %s\n%s", agent, msg.Description, report.Summary),
		MemoryType:   memory.TypeSuccessfulSolution,
		QualityScore: report.Quality,
		Tags:         []string{agent, string(phase)},
		Agent:        agent,
		Phase:        string(phase),
	})
	return nil
}

// reportedError carries a scrubbed message while keeping the cause for
// retry classification.
type reportedError struct {
	msg   string
	cause error
}

func (e *reportedError) Error() string { return e.msg }
func (e *reportedError) Unwrap() error { return e.cause }

func (r *Runtime) fail(ctx context.Context, span trace.Span, task *queue.Task, description string, cause error) error {
	msg := r.scrubber.Scrub(cause.Error()).Scrubbed
	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)

	// Report even when the runtime is shutting down so the task does not
	// wait for the lease to expire.
	ctx = context.WithoutCancel(ctx)
	if err := r.queue.Fail(ctx, task.ID, &reportedError{msg: msg, cause: cause}); err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	TasksProcessed.WithLabelValues(task.ToAgent, outcomeFailed).Inc()
	r.logger.Warn(ctx, "task failed", zap.String("error", msg), zap.Bool("retryable", queue.IsRetryable(cause)))

	if err := r.publisher.Publish(ctx, events.Event{
		Kind:      events.KindTaskFailed,
		Namespace: task.Namespace,
		Phase:     task.Phase,
		TaskID:    task.ID,
		Detail:    msg,
		At:        time.Now().UTC(),
	}); err != nil {
		r.logger.Warn(ctx, "publish event", zap.Error(err))
	}

	if description == "" {
		return nil
	}
	r.remember(ctx, memory.StoreRequest{
		Namespace:    task.Namespace,
		Content:      fmt.Sprintf("%s failed: %s\nerror: %s", task.ToAgent, description, msg),
		MemoryType:   memory.TypeFailedAttempt,
		QualityScore: failedAttemptQuality,
		Tags:         []string{task.ToAgent, task.Phase},
		Agent:        task.ToAgent,
		Phase:        task.Phase,
	})
	return nil
}

func (r *Runtime) remember(ctx context.Context, req memory.StoreRequest) {
	if r.memory == nil {
		return
	}
	if _, err := r.memory.Store(ctx, req); err != nil {
		r.logger.Warn(ctx, "record task memory", zap.String("memory_type", req.MemoryType), zap.Error(err))
	}
}
