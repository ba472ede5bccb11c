package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Prune deletes memory rows older than policy.TTL or scoring below
// policy.MinQuality, and snapshots older than policy.TTL. Embeddings stay
// in the index; Search drops hits whose row is gone.
func (s *Service) Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error) {
	var res PruneResult
	if policy.TTL <= 0 && policy.MinQuality <= 0 {
		return res, nil
	}
	cutoff := s.now().Add(-policy.TTL).UTC().UnixNano()

	var (
		conds []string
		args  []any
	)
	if policy.TTL > 0 {
		conds = append(conds, "created_at < ?")
		args = append(args, cutoff)
	}
	if policy.MinQuality > 0 {
		conds = append(conds, "quality_score < ?")
		args = append(args, policy.MinQuality)
	}
	q := `DELETE FROM memory_records WHERE (` + strings.Join(conds, " OR ") + `)`
	if policy.Namespace != "" {
		q += ` AND namespace = ?`
		args = append(args, policy.Namespace)
	}
	r, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return res, fmt.Errorf("prune memories: %w", err)
	}
	res.Memories, _ = r.RowsAffected()

	if policy.TTL > 0 {
		q, args := `DELETE FROM context_snapshots WHERE created_at < ?`, []any{cutoff}
		if policy.Namespace != "" {
			q += ` AND namespace = ?`
			args = append(args, policy.Namespace)
		}
		r, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return res, fmt.Errorf("prune snapshots: %w", err)
		}
		res.Snapshots, _ = r.RowsAffected()
	}

	s.metrics.recordPruned(ctx, res.Memories)
	s.logger.Info("memory pruned",
		zap.String("namespace", policy.Namespace),
		zap.Duration("ttl", policy.TTL),
		zap.Float64("min_quality", policy.MinQuality),
		zap.Int64("memories", res.Memories),
		zap.Int64("snapshots", res.Snapshots))
	return res, nil
}
