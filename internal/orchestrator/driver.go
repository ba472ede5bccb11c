package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

// OperatorAgent is the from_agent of tasks seeded by Run.
const OperatorAgent = "operator"

var (
	phaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "orchestrator",
			Name:      "phase_transitions_total",
			Help:      "Phase entries by phase",
		},
		[]string{"phase"},
	)

	blockedNamespaces = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "phased",
			Subsystem: "orchestrator",
			Name:      "blocked_on_approval",
			Help:      "1 while a namespace waits on a pending approval",
		},
		[]string{"namespace"},
	)

	stalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "orchestrator",
			Name:      "stalled_total",
			Help:      "Ticks that found a phase out of continuation budget",
		},
		[]string{"phase"},
	)
)

// Refs used to deduplicate delegation across ticks.
func phaseRef(p Phase) string       { return "phase:" + string(p) }
func continueRef(p Phase) string    { return "continue:" + string(p) }
func remediateRef(id string) string { return "remediate:" + id }

// DriverConfig tunes the driver.
type DriverConfig struct {
	Lease            time.Duration
	Retry            queue.RetryPolicy
	MaxContinuations int
	Retention        time.Duration
}

// DefaultDriverConfig returns the built-in driver settings.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Lease:            30 * time.Minute,
		Retry:            queue.DefaultRetryPolicy(),
		MaxContinuations: 3,
		Retention:        30 * 24 * time.Hour,
	}
}

// Driver applies state machine decisions: it records transitions,
// delegates phase work, opens approvals and reports blocked phases.
type Driver struct {
	machine     *Machine
	queue       *queue.Queue
	approvals   *approval.Gate
	artifacts   scribe.Reader
	transitions *Transitions
	publisher   events.Publisher
	recorder    MemoryRecorder
	logger      *logging.Logger
	cfg         DriverConfig

	mu        sync.Mutex
	signaled  map[string]string // namespace -> last blocked/stalled signal key
	lastPurge time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) DriverOption {
	return func(d *Driver) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithRecorder sets where phase learnings are stored.
func WithRecorder(r MemoryRecorder) DriverOption {
	return func(d *Driver) { d.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDriver creates a driver.
func NewDriver(m *Machine, q *queue.Queue, approvals *approval.Gate, artifacts scribe.Reader,
	transitions *Transitions, cfg DriverConfig, opts ...DriverOption) *Driver {
	def := DefaultDriverConfig()
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.MaxContinuations <= 0 {
		cfg.MaxContinuations = def.MaxContinuations
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	d := &Driver{
		machine:     m,
		queue:       q,
		approvals:   approvals,
		artifacts:   artifacts,
		transitions: transitions,
		publisher:   events.NopPublisher{},
		logger:      logging.Nop(),
		cfg:         cfg,
		signaled:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("driver")
	return d
}

// RunResult describes a started run.
type RunResult struct {
	Namespace string `json:"namespace"`
	Phase     Phase  `json:"phase"`
	TaskID    string `json:"task_id"`
}

// Run starts a namespace: it records entry into phase (the first phase when
// empty) and seeds the goal task to that phase's orchestrator.
func (d *Driver) Run(ctx context.Context, goal, namespace string, phase Phase) (*RunResult, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: goal required", queue.ErrInvalidTask)
	}
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace required", queue.ErrInvalidTask)
	}
	def := d.machine.Definition()
	if phase == "" {
		phase = def.Order[0]
	}
	if !def.Has(phase) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}

	current, err := d.transitions.Current(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if current != PhaseInitialization {
		return nil, fmt.Errorf("%w: %s is in %s", ErrAlreadyStarted, namespace, current)
	}

	entered, err := d.transitions.Enter(ctx, namespace, phase, PhaseInitialization, goal)
	if err != nil {
		return nil, err
	}
	if !entered {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyStarted, namespace)
	}
	d.onEntered(ctx, namespace, phase, PhaseInitialization)

	id, err := d.queue.Delegate(ctx, queue.Delegation{
		Namespace: namespace,
		From:      OperatorAgent,
		To:        AgentName(phase, RoleOrchestrator),
		TaskType:  queue.TypeGoal,
		Ref:       phaseRef(phase),
		Message: queue.DelegationMessage{
			Description:          goal,
			Context:              map[string]any{"goal": goal},
			Requirements:         d.requirements(phase),
			AIVerifiableOutcomes: d.outcomes(phase),
			Phase:                string(phase),
			Priority:             10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("seed goal task: %w", err)
	}

	ctx = logging.WithNamespace(ctx, namespace)
	d.logger.Info(ctx, "run started", zap.String("phase", string(phase)), zap.String("task_id", id))
	return &RunResult{Namespace: namespace, Phase: phase, TaskID: id}, nil
}

// Tick evaluates one namespace and applies the resulting decision.
func (d *Driver) Tick(ctx context.Context, namespace string) (Decision, error) {
	ctx = logging.WithNamespace(ctx, namespace)

	current, err := d.transitions.Current(ctx, namespace)
	if err != nil {
		return Decision{}, err
	}
	dec, err := d.machine.NextPhase(ctx, namespace, current)
	if err != nil {
		return Decision{}, err
	}
	ctx = logging.WithPhase(ctx, string(dec.From))

	if dec.Action != ActionAwaitApproval {
		blockedNamespaces.WithLabelValues(namespace).Set(0)
	}

	switch dec.Action {
	case ActionEnter:
		err = d.enter(ctx, namespace, dec)
	case ActionComplete:
		err = d.complete(ctx, namespace, dec)
	case ActionContinue:
		err = d.continuePhase(ctx, namespace, dec)
	case ActionRequestApproval:
		err = d.requestApproval(ctx, namespace, dec.From)
	case ActionAwaitApproval:
		d.blocked(ctx, namespace, dec)
	case ActionRemediate:
		err = d.remediate(ctx, namespace, dec)
	}
	return dec, err
}

// purgeInterval spaces out retention purges run by Housekeep.
const purgeInterval = time.Hour

// Housekeep reclaims stale tasks, schedules retries and, at most once per
// purgeInterval, purges terminal tasks older than the retention window.
func (d *Driver) Housekeep(ctx context.Context) error {
	reclaimed, err := d.queue.ReclaimStale(ctx, d.cfg.Lease)
	if err != nil {
		return err
	}
	for _, id := range reclaimed {
		task, err := d.queue.Get(ctx, id)
		if err != nil {
			continue
		}
		d.publish(ctx, events.Event{
			Kind: events.KindTaskReclaimed, Namespace: task.Namespace, Phase: task.Phase, TaskID: id,
			Detail: queue.ErrLeaseExpired.Error(),
		})
	}
	if _, err := d.queue.RetryFailed(ctx, d.cfg.Retry); err != nil {
		return err
	}

	d.mu.Lock()
	due := time.Since(d.lastPurge) >= purgeInterval
	if due {
		d.lastPurge = time.Now()
	}
	d.mu.Unlock()
	if !due {
		return nil
	}
	_, err = d.queue.Purge(ctx, d.cfg.Retention)
	return err
}

// Loop runs Housekeep and ticks every active namespace each interval until
// ctx is canceled.
func (d *Driver) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) pass(ctx context.Context) {
	if err := d.Housekeep(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn(ctx, "housekeeping failed", zap.Error(err))
	}
	namespaces, err := d.transitions.Active(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn(ctx, "list active namespaces failed", zap.Error(err))
		}
		return
	}
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.Tick(ctx, ns); err != nil {
			d.logger.Error(logging.WithNamespace(ctx, ns), "tick failed", zap.Error(err))
		}
	}
}

func (d *Driver) enter(ctx context.Context, namespace string, dec Decision) error {
	entered, err := d.transitions.Enter(ctx, namespace, dec.To, dec.From, "")
	if err != nil {
		return err
	}
	if entered {
		d.onEntered(ctx, namespace, dec.To, dec.From)
		if dec.From != PhaseInitialization {
			d.recordLearning(ctx, namespace, Learning{
				Content:    fmt.Sprintf("Phase %s completed and advanced to %s.", dec.From, dec.To),
				MemoryType: "quality_insight",
				Quality:    0.7,
				Phase:      dec.From,
				Tags:       []string{"phase-complete", string(dec.From)},
			})
		}
	}
	return d.delegatePhaseWork(ctx, namespace, dec.To)
}

func (d *Driver) complete(ctx context.Context, namespace string, dec Decision) error {
	if dec.From == PhaseComplete {
		return nil
	}
	entered, err := d.transitions.Enter(ctx, namespace, PhaseComplete, dec.From, "")
	if err != nil {
		return err
	}
	if entered {
		phaseTransitions.WithLabelValues(string(PhaseComplete)).Inc()
		d.logger.Info(ctx, "run complete", zap.String("last_phase", string(dec.From)))
		d.publish(ctx, events.Event{Kind: events.KindRunComplete, Namespace: namespace, Phase: string(dec.From)})
	}
	return nil
}

func (d *Driver) onEntered(ctx context.Context, namespace string, to, from Phase) {
	phaseTransitions.WithLabelValues(string(to)).Inc()
	d.logger.Info(ctx, "phase entered", zap.String("phase", string(to)), zap.String("from", string(from)))
	d.publish(ctx, events.Event{
		Kind: events.KindPhaseEntered, Namespace: namespace, Phase: string(to), Detail: "from " + string(from),
	})
}

// delegatePhaseWork hands the phase to its orchestrator once.
func (d *Driver) delegatePhaseWork(ctx context.Context, namespace string, p Phase) error {
	n, err := d.queue.CountByRef(ctx, namespace, phaseRef(p))
	if err != nil || n > 0 {
		return err
	}

	goal, err := d.transitions.Goal(ctx, namespace)
	if err != nil {
		return err
	}
	_, err = d.queue.Delegate(ctx, queue.Delegation{
		Namespace: namespace,
		From:      AgentName(p, RoleOrchestrator),
		To:        AgentName(p, RoleOrchestrator),
		TaskType:  queue.TypePhaseWork,
		Ref:       phaseRef(p),
		Message: queue.DelegationMessage{
			Description:          fmt.Sprintf("Carry out the %s phase for: %s", p, goal),
			Context:              map[string]any{"goal": goal},
			Requirements:         d.requirements(p),
			AIVerifiableOutcomes: d.outcomes(p),
			Phase:                string(p),
			Priority:             5,
		},
	})
	return err
}

// continuePhase delegates corrective work for missing artifacts when the
// phase has no work in flight, up to MaxContinuations times.
func (d *Driver) continuePhase(ctx context.Context, namespace string, dec Decision) error {
	p := dec.From
	if err := d.delegatePhaseWork(ctx, namespace, p); err != nil {
		return err
	}
	active, err := d.queue.ActiveByPhase(ctx, namespace, string(p))
	if err != nil || active > 0 {
		return err
	}

	n, err := d.queue.CountByRef(ctx, namespace, continueRef(p))
	if err != nil {
		return err
	}
	if n >= d.cfg.MaxContinuations {
		d.stalled(ctx, namespace, dec)
		return nil
	}

	missing := violationsOfType(dec.Violations, ViolationMissingArtifact)
	reqs := make([]string, 0, len(missing))
	for _, v := range missing {
		reqs = append(reqs, v.Description)
	}
	_, err = d.queue.Delegate(ctx, queue.Delegation{
		Namespace: namespace,
		From:      AgentName(p, RoleOrchestrator),
		To:        AgentName(p, RoleOrchestrator),
		TaskType:  queue.TypeContinue,
		Ref:       continueRef(p),
		Message: queue.DelegationMessage{
			Description:          fmt.Sprintf("Phase %s is incomplete: %s", p, describeViolations(missing)),
			Context:              map[string]any{"continuation": n + 1},
			Requirements:         reqs,
			AIVerifiableOutcomes: d.outcomes(p),
			Phase:                string(p),
			Priority:             5,
		},
	})
	if err == nil {
		d.logger.Info(ctx, "continuation delegated", zap.Int("continuation", n+1))
	}
	return err
}

// requestApproval opens an approval once the phase's work has drained.
func (d *Driver) requestApproval(ctx context.Context, namespace string, p Phase) error {
	active, err := d.queue.ActiveByPhase(ctx, namespace, string(p))
	if err != nil || active > 0 {
		return err
	}
	rec, err := d.openApproval(ctx, namespace, p, fmt.Sprintf("Phase %s produced its required artifacts.", p))
	if err != nil {
		return err
	}
	d.publish(ctx, events.Event{
		Kind: events.KindApprovalRequested, Namespace: namespace, Phase: string(p), ApprovalID: rec.ID,
	})
	return nil
}

func (d *Driver) openApproval(ctx context.Context, namespace string, p Phase, summary string) (*approval.Record, error) {
	artifacts := make(map[string]string)
	for _, prefix := range d.machine.Definition().RequiredArtifacts[p] {
		list, err := d.artifacts.ListByPrefix(ctx, namespace, prefix)
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			artifacts[a.FilePath] = fmt.Sprintf("v%d %s", a.Version, a.BriefDescription)
		}
	}
	return d.approvals.Create(ctx, approval.CreateRequest{
		Namespace:       namespace,
		Phase:           string(p),
		RequestingAgent: AgentName(p, RoleOrchestrator),
		Artifacts:       artifacts,
		Summary:         summary,
	})
}

// blocked emits the blocked-on-approval signal. The event is published
// once per approval; the log line and gauge are refreshed every tick.
func (d *Driver) blocked(ctx context.Context, namespace string, dec Decision) {
	blockedNamespaces.WithLabelValues(namespace).Set(1)
	d.logger.Debug(ctx, "blocked on approval", zap.String("approval_id", dec.ApprovalID))
	if !d.firstSignal(namespace, "blocked:"+dec.ApprovalID) {
		return
	}
	d.logger.Info(ctx, "phase blocked on approval", zap.String("approval_id", dec.ApprovalID))
	d.publish(ctx, events.Event{
		Kind: events.KindBlocked, Namespace: namespace, Phase: string(dec.From), ApprovalID: dec.ApprovalID,
	})
}

func (d *Driver) stalled(ctx context.Context, namespace string, dec Decision) {
	stalledTotal.WithLabelValues(string(dec.From)).Inc()
	if !d.firstSignal(namespace, "stalled:"+string(dec.From)) {
		return
	}
	d.logger.Warn(ctx, "phase stalled: continuation budget exhausted",
		zap.Int("max_continuations", d.cfg.MaxContinuations),
		zap.String("violations", describeViolations(dec.Violations)))
	d.publish(ctx, events.Event{
		Kind: events.KindStalled, Namespace: namespace, Phase: string(dec.From),
		Detail: describeViolations(dec.Violations),
	})
}

// remediate routes a rejected approval back into work for the same phase.
// Once the remediation task completes and nothing else is in flight, a
// fresh approval is opened.
func (d *Driver) remediate(ctx context.Context, namespace string, dec Decision) error {
	p := dec.From
	rec, err := d.approvals.Get(ctx, dec.ApprovalID)
	if err != nil {
		return err
	}

	ref := remediateRef(rec.ID)
	latest, err := d.queue.LatestByRef(ctx, namespace, ref)
	if err != nil {
		return err
	}
	active, err := d.queue.ActiveByPhase(ctx, namespace, string(p))
	if err != nil {
		return err
	}

	switch {
	case latest == nil:
		d.recordLearning(ctx, namespace, Learning{
			Content:    fmt.Sprintf("Approval for phase %s was rejected: %s", p, noteOr(rec.Note, "no reason given")),
			MemoryType: "failed_attempt",
			Quality:    0.6,
			Phase:      p,
			Tags:       []string{"approval-rejected", string(p)},
		})
		return d.delegateRemediation(ctx, namespace, p, rec)

	case active > 0:
		return nil

	case latest.Status == queue.StatusCompleted:
		fresh, err := d.openApproval(ctx, namespace, p,
			fmt.Sprintf("Remediation of rejected approval %s completed.", rec.ID))
		if err != nil {
			return err
		}
		d.logger.Info(ctx, "approval reopened after remediation",
			zap.String("rejected_id", rec.ID), zap.String("approval_id", fresh.ID))
		d.publish(ctx, events.Event{
			Kind: events.KindApprovalRequested, Namespace: namespace, Phase: string(p), ApprovalID: fresh.ID,
			Detail: "remediation of " + rec.ID,
		})
		return nil

	case latest.Status == queue.StatusFailed:
		n, err := d.queue.CountByRef(ctx, namespace, ref)
		if err != nil {
			return err
		}
		if n > d.cfg.MaxContinuations {
			d.stalled(ctx, namespace, dec)
			return nil
		}
		return d.delegateRemediation(ctx, namespace, p, rec)
	}
	return nil
}

func (d *Driver) delegateRemediation(ctx context.Context, namespace string, p Phase, rec *approval.Record) error {
	paths := make([]string, 0, len(rec.Artifacts))
	for path := range rec.Artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	id, err := d.queue.Delegate(ctx, queue.Delegation{
		Namespace: namespace,
		From:      AgentName(p, RoleOrchestrator),
		To:        AgentName(p, RoleOrchestrator),
		TaskType:  queue.TypeRemediate,
		Ref:       remediateRef(rec.ID),
		Message: queue.DelegationMessage{
			Description: fmt.Sprintf("Address the review feedback on phase %s: %s", p, noteOr(rec.Note, "approval rejected")),
			Context: map[string]any{
				"approval_id": rec.ID,
				"resolver":    rec.Resolver,
				"artifacts":   paths,
			},
			Requirements:         []string{noteOr(rec.Note, "revise the rejected artifacts")},
			AIVerifiableOutcomes: d.outcomes(p),
			Phase:                string(p),
			Priority:             8,
		},
	})
	if err == nil {
		d.logger.Info(ctx, "remediation delegated", zap.String("approval_id", rec.ID), zap.String("task_id", id))
	}
	return err
}

func (d *Driver) requirements(p Phase) []string {
	prefixes := d.machine.Definition().RequiredArtifacts[p]
	out := make([]string, 0, len(prefixes)+1)
	for _, prefix := range prefixes {
		out = append(out, "record at least one artifact under "+prefix+" via the state scribe")
	}
	if d.machine.Definition().ApprovalRequired[p] {
		out = append(out, "phase output is reviewed before the next phase starts")
	}
	return out
}

func (d *Driver) outcomes(p Phase) []string {
	prefixes := d.machine.Definition().RequiredArtifacts[p]
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		out = append(out, "project artifact registry contains a path starting with "+prefix)
	}
	return out
}

func (d *Driver) firstSignal(namespace, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signaled[namespace] == key {
		return false
	}
	d.signaled[namespace] = key
	return true
}

func (d *Driver) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := d.publisher.Publish(ctx, e); err != nil {
		d.logger.Warn(ctx, "publish event failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (d *Driver) recordLearning(ctx context.Context, namespace string, l Learning) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordLearning(ctx, namespace, l); err != nil {
		d.logger.Warn(ctx, "record learning failed", zap.Error(err))
	}
}

func noteOr(note, fallback string) string {
	if strings.TrimSpace(note) == "" {
		return fallback
	}
	return note
}
