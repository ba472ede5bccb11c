package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/store"
)

// ReclaimStale fails every in_progress task whose claim is older than lease.
// Reclaimed tasks are marked retryable so RetryFailed can pick them up.
// It returns the ids that were reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, lease time.Duration) ([]string, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive, got %s", lease)
	}
	ctx, span := q.tracer.Start(ctx, "queue.ReclaimStale")
	defer span.End()

	now := q.stamp()
	cutoff := now - lease.Nanoseconds()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'failed', error = ?, retryable = 1, completed_at = ?, updated_at = ?
		WHERE status = 'in_progress' AND started_at < ?
		RETURNING id, to_agent`,
		ErrLeaseExpired.Error(), now, now, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, agent string
		if err := rows.Scan(&id, &agent); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		TasksFinished.WithLabelValues(agent, string(StatusFailed)).Inc()
		q.logger.Warn("reclaimed stale task",
			zap.String("task_id", id),
			zap.String("agent", agent),
			zap.Duration("lease", lease))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	TasksReclaimed.Add(float64(len(ids)))
	span.SetAttributes(attribute.Int("reclaimed", len(ids)))
	return ids, nil
}

// RetryFailed re-enqueues retryable failed tasks that still have attempts
// left. Each retry is a new pending task linked by retry_of, scheduled after
// the policy's backoff. The failed original stays failed and is flagged
// retried so it is never picked twice. It returns the new task ids.
func (q *Queue) RetryFailed(ctx context.Context, policy RetryPolicy) ([]string, error) {
	ctx, span := q.tracer.Start(ctx, "queue.RetryFailed")
	defer span.End()

	limit := policy.Limit
	if limit <= 0 {
		limit = DefaultRetryPolicy().Limit
	}

	var created []string
	err := store.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE status = 'failed' AND retryable = 1 AND retried = 0 AND attempt < max_attempts
			ORDER BY completed_at ASC, seq ASC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("select retryable tasks: %w", err)
		}
		var candidates []*Task
		for rows.Next() {
			t, err := scanTask(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan task: %w", err)
			}
			candidates = append(candidates, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := q.now().UTC()
		for _, t := range candidates {
			res, err := tx.ExecContext(ctx, `UPDATE tasks SET retried = 1, updated_at = ?
				WHERE id = ? AND retried = 0`, now.UnixNano(), t.ID)
			if err != nil {
				return fmt.Errorf("mark retried: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			next := t.Attempt + 1
			id := uuid.NewString()
			notBefore := now.Add(policy.Backoff(next)).UnixNano()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, namespace, from_agent, to_agent, task_type, phase, ref, payload,
					status, priority, attempt, max_attempts, retry_of, not_before, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
				id, t.Namespace, t.FromAgent, t.ToAgent, t.TaskType, t.Phase, t.Ref, string(t.Payload),
				t.Priority, next, t.MaxAttempts, t.ID, notBefore, now.UnixNano(), now.UnixNano())
			if err != nil {
				return fmt.Errorf("insert retry: %w", err)
			}
			created = append(created, id)
			q.logger.Info("task retried",
				zap.String("task_id", id),
				zap.String("retry_of", t.ID),
				zap.Int("attempt", next),
				zap.Time("not_before", store.Time(notBefore)))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	TasksRetried.Add(float64(len(created)))
	span.SetAttributes(attribute.Int("retried", len(created)))
	return created, nil
}

// Purge deletes terminal tasks that finished before now-olderThan and
// returns the number removed. Pending and in_progress tasks are never
// touched.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	cutoff := q.stamp() - olderThan.Nanoseconds()

	res, err := q.db.ExecContext(ctx, `DELETE FROM tasks
		WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged terminal tasks", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}
