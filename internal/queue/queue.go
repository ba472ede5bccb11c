package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/store"
)

const busyRetries = 5

const taskColumns = `id, namespace, from_agent, to_agent, task_type, phase, ref, payload, result,
	status, priority, attempt, max_attempts, retry_of, retryable, retried, error,
	not_before, created_at, updated_at, started_at, completed_at`

// Queue is the task queue over the shared SQLite handle.
type Queue struct {
	db                 *sql.DB
	logger             *zap.Logger
	tracer             trace.Tracer
	now                func() time.Time
	defaultMaxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDefaultMaxAttempts sets max_attempts for requests that leave it zero.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.defaultMaxAttempts = n
		}
	}
}

// New creates a Queue.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:                 db,
		logger:             zap.NewNop(),
		tracer:             otel.Tracer("phased.queue"),
		now:                time.Now,
		defaultMaxAttempts: 1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) stamp() int64 {
	return q.now().UTC().UnixNano()
}

// Enqueue creates a pending task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	var notBefore int64
	if !req.NotBefore.IsZero() {
		notBefore = req.NotBefore.UTC().UnixNano()
	}
	now := q.stamp()

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, namespace, from_agent, to_agent, task_type, phase, ref, payload,
			status, priority, attempt, max_attempts, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, 1, ?, ?, ?, ?)`,
		id, req.Namespace, req.FromAgent, req.ToAgent, req.TaskType, req.Phase, req.Ref, string(payload),
		req.Priority, maxAttempts, notBefore, now, now)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	TasksEnqueued.WithLabelValues(req.ToAgent, req.TaskType).Inc()
	q.logger.Debug("task enqueued",
		zap.String("task_id", id),
		zap.String("namespace", req.Namespace),
		zap.String("from", req.FromAgent),
		zap.String("to", req.ToAgent),
		zap.String("task_type", req.TaskType),
		zap.Int("priority", req.Priority))
	return id, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

// ClaimNext atomically moves the highest-priority, oldest pending task for
// agent in namespace to in_progress and returns it. It returns nil, nil when
// nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context, namespace, agent string) (*Task, error) {
	ctx, span := q.tracer.Start(ctx, "queue.ClaimNext",
		trace.WithAttributes(
			attribute.String("namespace", namespace),
			attribute.String("agent", agent),
		))
	defer span.End()

	start := time.Now()
	defer func() { ClaimDuration.Observe(time.Since(start).Seconds()) }()

	var (
		task *Task
		err  error
	)
	err = store.RetryOnBusy(ctx, busyRetries, func() error {
		task, err = q.claim(ctx, namespace, agent)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("claimed", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, fmt.Errorf("claim task: %w", err)
	}

	span.SetAttributes(attribute.Bool("claimed", true), attribute.String("task_id", task.ID))
	TasksClaimed.WithLabelValues(agent).Inc()
	q.logger.Debug("task claimed",
		zap.String("task_id", task.ID),
		zap.String("namespace", namespace),
		zap.String("agent", agent))
	return task, nil
}

func (q *Queue) claim(ctx context.Context, namespace, agent string) (*Task, error) {
	now := q.stamp()
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', started_at = ?, updated_at = ?
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE to_agent = ? AND namespace = ? AND status = 'pending' AND not_before <= ?
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+taskColumns,
		now, now, agent, namespace, now)
	return scanTask(row.Scan)
}

// Complete records a successful result for a claimed task.
func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	ctx, span := q.tracer.Start(ctx, "queue.Complete", trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	encoded, err := encodePayload(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	now := q.stamp()
	var agent string
	err = q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'completed', result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'
		RETURNING to_agent`,
		string(encoded), now, now, id).Scan(&agent)
	if errors.Is(err, sql.ErrNoRows) {
		err = q.transitionError(ctx, id)
		span.RecordError(err)
		return err
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("complete task: %w", err)
	}

	TasksFinished.WithLabelValues(agent, string(StatusCompleted)).Inc()
	q.logger.Debug("task completed", zap.String("task_id", id), zap.String("agent", agent))
	return nil
}

// Fail records a failure for a claimed task. The task is marked retryable
// when IsRetryable(cause) holds.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	ctx, span := q.tracer.Start(ctx, "queue.Fail", trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	now := q.stamp()
	var agent string
	err := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'failed', error = ?, retryable = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'
		RETURNING to_agent`,
		msg, IsRetryable(cause), now, now, id).Scan(&agent)
	if errors.Is(err, sql.ErrNoRows) {
		err = q.transitionError(ctx, id)
		span.RecordError(err)
		return err
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("fail task: %w", err)
	}

	TasksFinished.WithLabelValues(agent, string(StatusFailed)).Inc()
	q.logger.Info("task failed", zap.String("task_id", id), zap.String("agent", agent), zap.String("error", msg))
	return nil
}

// transitionError explains why a CAS from in_progress matched no row.
func (q *Queue) transitionError(ctx context.Context, id string) error {
	var status Status
	err := q.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	case err != nil:
		return fmt.Errorf("read task status: %w", err)
	case status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, status)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotClaimed, id, status)
	}
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// List returns tasks in a namespace, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Task, error) {
	if f.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace required", ErrInvalidTask)
	}

	var (
		where = []string{"namespace = ?"}
		args  = []any{f.Namespace}
	)
	if f.Agent != "" {
		where = append(where, "to_agent = ?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, f.Phase)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Counts returns the number of tasks per status in a namespace. Every
// status is present in the map.
func (q *Queue) Counts(ctx context.Context, namespace string) (map[Status]int, error) {
	counts := make(map[Status]int, 4)
	for _, s := range AllStatuses() {
		counts[s] = 0
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE namespace = ? GROUP BY status`, namespace)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// LatestByRef returns the most recently created task carrying ref, or nil.
func (q *Queue) LatestByRef(ctx context.Context, namespace, ref string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE namespace = ? AND ref = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, namespace, ref)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest task by ref: %w", err)
	}
	return task, nil
}

// CountByRef returns how many tasks carry ref.
func (q *Queue) CountByRef(ctx context.Context, namespace, ref string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE namespace = ? AND ref = ?`,
		namespace, ref).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks by ref: %w", err)
	}
	return n, nil
}

// ActiveByPhase counts pending and in_progress tasks tagged with phase.
func (q *Queue) ActiveByPhase(ctx context.Context, namespace, phase string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
		WHERE namespace = ? AND phase = ? AND status IN ('pending', 'in_progress')`,
		namespace, phase).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// PendingNamespaces lists namespaces with claimable work for agent.
func (q *Queue) PendingNamespaces(ctx context.Context, agent string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM tasks
		WHERE to_agent = ? AND status = 'pending' AND not_before <= ? ORDER BY namespace`, agent, q.stamp())
	if err != nil {
		return nil, fmt.Errorf("pending namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// PhaseOutcomes returns the most recent terminal outcomes for a phase.
func (q *Queue) PhaseOutcomes(ctx context.Context, namespace, phase string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `SELECT id, status, completed_at FROM tasks
		WHERE namespace = ? AND phase = ? AND status IN ('completed', 'failed') AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT ?`, namespace, phase, limit)
	if err != nil {
		return nil, fmt.Errorf("phase outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o      Outcome
			status Status
			at     int64
		)
		if err := rows.Scan(&o.TaskID, &status, &at); err != nil {
			return nil, err
		}
		o.Succeeded = status == StatusCompleted
		o.At = store.Time(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t                  Task
		payload            string
		result, errMsg     sql.NullString
		notBefore, created int64
		updated            int64
		started, completed sql.NullInt64
		retryable, retried bool
	)
	if err := scan(
		&t.ID, &t.Namespace, &t.FromAgent, &t.ToAgent, &t.TaskType, &t.Phase, &t.Ref, &payload, &result,
		&t.Status, &t.Priority, &t.Attempt, &t.MaxAttempts, &t.RetryOf, &retryable, &retried, &errMsg,
		&notBefore, &created, &updated, &started, &completed,
	); err != nil {
		return nil, err
	}

	t.Payload = json.RawMessage(payload)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	t.Retryable = retryable
	t.Retried = retried
	if notBefore > 0 {
		t.NotBefore = store.Time(notBefore)
	}
	t.CreatedAt = store.Time(created)
	t.UpdatedAt = store.Time(updated)
	t.StartedAt = store.NullTime(started)
	t.CompletedAt = store.NullTime(completed)
	return &t, nil
}
