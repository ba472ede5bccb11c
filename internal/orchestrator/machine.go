package orchestrator

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "phased",
		Subsystem: "orchestrator",
		Name:      "decisions_total",
		Help:      "NextPhase decisions by action",
	},
	[]string{"action"},
)

// ApprovalReader is the read side of the approval gate.
type ApprovalReader interface {
	Latest(ctx context.Context, namespace, phase string) (*approval.Record, error)
}

// Machine evaluates phase decisions. It only reads state.
type Machine struct {
	def       Definition
	gates     []PhaseGate
	artifacts scribe.Reader
	approvals ApprovalReader
	tracer    trace.Tracer
}

// NewMachine creates a state machine with the artifact and approval gates.
func NewMachine(def Definition, artifacts scribe.Reader, approvals ApprovalReader) *Machine {
	return &Machine{
		def:       def,
		gates:     []PhaseGate{NewArtifactGate(def), NewApprovalGate(def)},
		artifacts: artifacts,
		approvals: approvals,
		tracer:    otel.Tracer("phased.orchestrator"),
	}
}

// RegisterGate adds a gate evaluated for every phase.
func (m *Machine) RegisterGate(gate PhaseGate) {
	m.gates = append(m.gates, gate)
}

// Definition returns the phase definition.
func (m *Machine) Definition() Definition {
	return m.def
}

// NextPhase reads the artifact registry and latest approval for namespace
// and returns the decision for current. Calling it repeatedly without
// intervening writes returns the same decision.
func (m *Machine) NextPhase(ctx context.Context, namespace string, current Phase) (Decision, error) {
	ctx, span := m.tracer.Start(ctx, "orchestrator.NextPhase",
		trace.WithAttributes(
			attribute.String("namespace", namespace),
			attribute.String("phase", string(current)),
		))
	defer span.End()

	if current == "" {
		current = PhaseInitialization
	}
	if current != PhaseInitialization && current != PhaseComplete && !m.def.Has(current) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownPhase, current)
	}

	var (
		snap       *Snapshot
		violations []Violation
	)
	if m.def.Has(current) {
		var err error
		snap, err = m.snapshot(ctx, namespace, current)
		if err != nil {
			span.RecordError(err)
			return Decision{}, err
		}
		violations, err = m.check(ctx, snap)
		if err != nil {
			span.RecordError(err)
			return Decision{}, err
		}
	}

	var latest *approval.Record
	if snap != nil {
		latest = snap.Approval
	}
	d, err := DecidePhase(m.def, current, violations, latest)
	if err != nil {
		return Decision{}, err
	}

	decisionsTotal.WithLabelValues(string(d.Action)).Inc()
	span.SetAttributes(attribute.String("action", string(d.Action)), attribute.String("to", string(d.To)))
	return d, nil
}

func (m *Machine) snapshot(ctx context.Context, namespace string, p Phase) (*Snapshot, error) {
	artifacts, err := m.artifacts.List(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	snap := &Snapshot{Namespace: namespace, Phase: p, Artifacts: artifacts}
	if m.def.ApprovalRequired[p] {
		snap.Approval, err = m.approvals.Latest(ctx, namespace, string(p))
		if err != nil {
			return nil, fmt.Errorf("latest approval: %w", err)
		}
	}
	return snap, nil
}

func (m *Machine) check(ctx context.Context, snap *Snapshot) ([]Violation, error) {
	var all []Violation
	for _, gate := range m.gates {
		v, err := gate.Check(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		all = append(all, v...)
	}
	return all, nil
}

// DecidePhase is the transition function. It depends only on its
// arguments.
//
//   - no phase started: enter the first phase
//   - latest approval rejected: remediate the current phase
//   - required artifacts missing: continue the current phase
//   - gated and no approval yet: request approval
//   - approval pending: wait, the phase is blocked
//   - otherwise: enter the next phase, or complete after the last
func DecidePhase(def Definition, current Phase, violations []Violation, latest *approval.Record) (Decision, error) {
	if len(def.Order) == 0 {
		return Decision{}, fmt.Errorf("%w: no phases", ErrInvalidDefinition)
	}
	if current == "" {
		current = PhaseInitialization
	}

	switch current {
	case PhaseInitialization:
		return Decision{From: current, To: def.Order[0], Action: ActionEnter}, nil
	case PhaseComplete:
		return Decision{From: current, To: current, Action: ActionComplete}, nil
	}

	stay := Decision{From: current, To: current, Violations: violations}
	if latest != nil {
		stay.ApprovalID = latest.ID
	}

	switch {
	case len(violationsOfType(violations, ViolationApprovalRejected)) > 0:
		stay.Action = ActionRemediate
		return stay, nil
	case len(violationsOfType(violations, ViolationMissingArtifact)) > 0:
		stay.Action = ActionContinue
		return stay, nil
	case len(violationsOfType(violations, ViolationApprovalMissing)) > 0:
		stay.Action = ActionRequestApproval
		return stay, nil
	case len(violationsOfType(violations, ViolationApprovalPending)) > 0:
		stay.Action = ActionAwaitApproval
		return stay, nil
	}

	// Any other blocking violation from a registered gate keeps the phase
	// open for continuation work.
	for _, v := range violations {
		if v.Severity == SeverityError {
			stay.Action = ActionContinue
			return stay, nil
		}
	}

	next, err := def.Next(current)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{From: current, To: next, Action: ActionEnter, Violations: violations}
	if next == PhaseComplete {
		d.Action = ActionComplete
	}
	return d, nil
}
