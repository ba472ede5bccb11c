package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/queue"
)

// StatusReport is the operator view of one namespace.
type StatusReport struct {
	Namespace        string               `json:"namespace"`
	Goal             string               `json:"goal,omitempty"`
	Phase            Phase                `json:"phase"`
	Decision         Decision             `json:"decision"`
	Blocked          bool                 `json:"blocked"`
	Stalled          bool                 `json:"stalled"`
	Tasks            map[queue.Status]int `json:"tasks"`
	PendingApprovals []*approval.Record   `json:"pending_approvals"`
	RecentFailures   []*queue.Task        `json:"recent_failures"`
	Artifacts        int                  `json:"artifacts"`
	History          []Transition         `json:"history"`
}

// Status reads the task, approval and artifact tables for namespace. It
// does not change state.
func (d *Driver) Status(ctx context.Context, namespace string) (*StatusReport, error) {
	current, err := d.transitions.Current(ctx, namespace)
	if err != nil {
		return nil, err
	}
	dec, err := d.machine.NextPhase(ctx, namespace, current)
	if err != nil {
		return nil, err
	}

	r := &StatusReport{
		Namespace: namespace,
		Phase:     current,
		Decision:  dec,
		Blocked:   dec.Action.Blocked(),
	}
	if r.Goal, err = d.transitions.Goal(ctx, namespace); err != nil {
		return nil, err
	}
	if r.History, err = d.transitions.History(ctx, namespace); err != nil {
		return nil, err
	}
	if r.Tasks, err = d.queue.Counts(ctx, namespace); err != nil {
		return nil, err
	}
	if r.PendingApprovals, err = d.approvals.ListPending(ctx, namespace); err != nil {
		return nil, err
	}
	if r.RecentFailures, err = d.queue.List(ctx, queue.Filter{
		Namespace: namespace, Status: queue.StatusFailed, Limit: 5,
	}); err != nil {
		return nil, err
	}
	artifacts, err := d.artifacts.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	r.Artifacts = len(artifacts)

	if dec.Action == ActionContinue {
		active, err := d.queue.ActiveByPhase(ctx, namespace, string(current))
		if err != nil {
			return nil, err
		}
		n, err := d.queue.CountByRef(ctx, namespace, continueRef(current))
		if err != nil {
			return nil, err
		}
		r.Stalled = active == 0 && n >= d.cfg.MaxContinuations
	}
	return r, nil
}

// Definition returns the phase definition the driver runs.
func (d *Driver) Definition() Definition {
	return d.machine.Definition()
}
