package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

// ResolveApproval records an operator decision and immediately ticks the
// owning namespace so an approved phase advances without waiting for the
// next loop pass. A failed tick is logged; the decision itself stands.
func (d *Driver) ResolveApproval(ctx context.Context, id string, status approval.Status, resolver, note string) (*approval.Record, error) {
	rec, err := d.approvals.Resolve(ctx, id, status, resolver, note)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithPhase(logging.WithNamespace(ctx, rec.Namespace), rec.Phase)
	d.logger.Info(ctx, "approval resolved",
		zap.String("approval_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("resolver", resolver))
	d.publish(ctx, events.Event{
		Kind: events.KindApprovalResolved, Namespace: rec.Namespace, Phase: rec.Phase, ApprovalID: rec.ID,
		Detail: string(rec.Status),
	})

	if _, err := d.Tick(ctx, rec.Namespace); err != nil {
		d.logger.Warn(ctx, "tick after approval failed", zap.Error(err))
	}
	return rec, nil
}

// PendingApprovals lists unresolved approvals for namespace.
func (d *Driver) PendingApprovals(ctx context.Context, namespace string) ([]*approval.Record, error) {
	return d.approvals.ListPending(ctx, namespace)
}
