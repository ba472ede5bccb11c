package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/store"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s.DB(), opts...)
}

func enqueue(t *testing.T, q *Queue, req EnqueueRequest) string {
	t.Helper()
	if req.Namespace == "" {
		req.Namespace = "demo"
	}
	if req.FromAgent == "" {
		req.FromAgent = "orchestrator"
	}
	if req.ToAgent == "" {
		req.ToAgent = "worker"
	}
	if req.TaskType == "" {
		req.TaskType = TypePhaseWork
	}
	id, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return id
}

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEnqueue_Validation(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{Namespace: "demo"})
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.Contains(t, err.Error(), "to_agent required")

	_, err = q.Enqueue(context.Background(), EnqueueRequest{
		Namespace: "demo", FromAgent: "a", ToAgent: "b", TaskType: "x",
		Payload: json.RawMessage(`{not json`),
	})
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestEnqueue_PayloadForms(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1 := enqueue(t, q, EnqueueRequest{Payload: map[string]string{"goal": "ship"}})
	id2 := enqueue(t, q, EnqueueRequest{Payload: []byte(`{"k":1}`)})
	id3 := enqueue(t, q, EnqueueRequest{})

	t1, err := q.Get(ctx, id1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"goal":"ship"}`, string(t1.Payload))
	assert.Equal(t, StatusPending, t1.Status)
	assert.Equal(t, 1, t1.Attempt)
	assert.Nil(t, t1.StartedAt)

	t2, err := q.Get(ctx, id2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(t2.Payload))

	t3, err := q.Get(ctx, id3)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(t3.Payload))
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.ClaimNext(context.Background(), "demo", "worker")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimNext_PriorityThenFIFO(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now))
	ctx := context.Background()

	low := enqueue(t, q, EnqueueRequest{Priority: 0})
	highOld := enqueue(t, q, EnqueueRequest{Priority: 5})
	highNew := enqueue(t, q, EnqueueRequest{Priority: 5})
	enqueue(t, q, EnqueueRequest{ToAgent: "someone-else", Priority: 9})
	enqueue(t, q, EnqueueRequest{Namespace: "other", Priority: 9})

	var order []string
	for {
		task, err := q.ClaimNext(ctx, "demo", "worker")
		require.NoError(t, err)
		if task == nil {
			break
		}
		assert.Equal(t, StatusInProgress, task.Status)
		require.NotNil(t, task.StartedAt)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{highOld, highNew, low}, order)
}

func TestClaimNext_RespectsNotBefore(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now))
	ctx := context.Background()

	enqueue(t, q, EnqueueRequest{NotBefore: clock.Now().Add(time.Minute)})

	task, err := q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	assert.Nil(t, task, "task scheduled in the future must not be claimable")

	clock.Advance(2 * time.Minute)
	task, err = q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	assert.NotNil(t, task)
}

func TestClaimNext_ConcurrentClaimersGetOneTask(t *testing.T) {
	q := newTestQueue(t)
	id := enqueue(t, q, EnqueueRequest{})

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			task, err := q.ClaimNext(context.Background(), "demo", "worker")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if task != nil {
				claimed = append(claimed, task.ID)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, []string{id}, claimed)
}

func TestComplete_TerminalGuard(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{})

	err := q.Complete(ctx, id, nil)
	require.ErrorIs(t, err, ErrNotClaimed)

	_, err = q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, map[string]any{"files": 2}))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.JSONEq(t, `{"files":2}`, string(task.Result))
	require.NotNil(t, task.CompletedAt)

	err = q.Complete(ctx, id, nil)
	require.ErrorIs(t, err, ErrTerminal)
	err = q.Fail(ctx, id, errors.New("late"))
	require.ErrorIs(t, err, ErrTerminal)

	err = q.Complete(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFail_RecordsRetryable(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	permanent := enqueue(t, q, EnqueueRequest{Priority: 1})
	transient := enqueue(t, q, EnqueueRequest{})

	_, err := q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, permanent, errors.New("bad input")))
	require.NoError(t, q.Fail(ctx, transient, Retryable(errors.New("rate limited"))))

	p, err := q.Get(ctx, permanent)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "bad input", p.Error)
	assert.False(t, p.Retryable)

	tr, err := q.Get(ctx, transient)
	require.NoError(t, err)
	assert.True(t, tr.Retryable)
}

func TestReclaimStale(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now))
	ctx := context.Background()

	stale := enqueue(t, q, EnqueueRequest{Priority: 1})
	_, err := q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	fresh := enqueue(t, q, EnqueueRequest{})
	_, err = q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)

	ids, err := q.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, ids)

	task, err := q.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, ErrLeaseExpired.Error(), task.Error)
	assert.True(t, task.Retryable)

	task, err = q.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, task.Status)

	_, err = q.ReclaimStale(ctx, 0)
	assert.Error(t, err)
}

func TestRetryFailed(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now), WithDefaultMaxAttempts(2))
	ctx := context.Background()
	policy := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour}

	id := enqueue(t, q, EnqueueRequest{Ref: "phase:specification", Payload: map[string]int{"n": 1}})
	noRetry := enqueue(t, q, EnqueueRequest{MaxAttempts: 1})

	for range 2 {
		_, err := q.ClaimNext(ctx, "demo", "worker")
		require.NoError(t, err)
	}
	require.NoError(t, q.Fail(ctx, id, Retryable(errors.New("timeout"))))
	require.NoError(t, q.Fail(ctx, noRetry, Retryable(errors.New("timeout"))))

	created, err := q.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Len(t, created, 1)

	retry, err := q.Get(ctx, created[0])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retry.Status)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, id, retry.RetryOf)
	assert.Equal(t, "phase:specification", retry.Ref)
	assert.JSONEq(t, `{"n":1}`, string(retry.Payload))
	assert.True(t, retry.NotBefore.After(retry.CreatedAt), "retry must be delayed by backoff")

	orig, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, orig.Status, "original stays failed")
	assert.True(t, orig.Retried)

	again, err := q.RetryFailed(ctx, policy)
	require.NoError(t, err)
	assert.Empty(t, again, "a failed task is retried at most once")

	// Not claimable before backoff elapses.
	task, err := q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	assert.Nil(t, task)

	clock.Advance(2 * time.Minute)
	task, err = q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, created[0], task.ID)

	// Attempts exhausted after the second failure.
	require.NoError(t, q.Fail(ctx, task.ID, Retryable(errors.New("timeout"))))
	exhausted, err := q.RetryFailed(ctx, policy)
	require.NoError(t, err)
	assert.Empty(t, exhausted)
}

func TestPurge(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now))
	ctx := context.Background()

	done := enqueue(t, q, EnqueueRequest{Priority: 1})
	_, err := q.ClaimNext(ctx, "demo", "worker")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done, nil))
	pending := enqueue(t, q, EnqueueRequest{})

	clock.Advance(48 * time.Hour)
	n, err := q.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.Get(ctx, done)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = q.Get(ctx, pending)
	require.NoError(t, err)
}

func TestListCountsAndRefs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, EnqueueRequest{Phase: "architecture", Ref: "phase:architecture"})
	enqueue(t, q, EnqueueRequest{Phase: "architecture", Ref: "phase:architecture"})
	enqueue(t, q, EnqueueRequest{Phase: "specification", ToAgent: "spec"})

	tasks, err := q.List(ctx, Filter{Namespace: "demo", Phase: "architecture"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = q.List(ctx, Filter{})
	require.ErrorIs(t, err, ErrInvalidTask)

	counts, err := q.Counts(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusPending])
	assert.Equal(t, 0, counts[StatusFailed])

	n, err := q.CountByRef(ctx, "demo", "phase:architecture")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	latest, err := q.LatestByRef(ctx, "demo", "phase:architecture")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, tasks[0].ID, latest.ID)

	none, err := q.LatestByRef(ctx, "demo", "phase:nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	ns, err := q.PendingNamespaces(ctx, "spec")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, ns)
}

func TestPhaseOutcomes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ok := enqueue(t, q, EnqueueRequest{Phase: "implementation", Priority: 1})
	bad := enqueue(t, q, EnqueueRequest{Phase: "implementation"})
	for range 2 {
		_, err := q.ClaimNext(ctx, "demo", "worker")
		require.NoError(t, err)
	}
	require.NoError(t, q.Complete(ctx, ok, nil))
	require.NoError(t, q.Fail(ctx, bad, errors.New("tests failed")))

	outcomes, err := q.PhaseOutcomes(ctx, "demo", "implementation", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byID := map[string]bool{}
	for _, o := range outcomes {
		byID[o.TaskID] = o.Succeeded
	}
	assert.True(t, byID[ok])
	assert.False(t, byID[bad])
}

func TestComplete_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE tasks").WillReturnError(errors.New("disk I/O error"))

	q := New(db)
	err = q.Complete(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete task")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelegate_RoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Delegate(ctx, Delegation{
		Namespace: "demo",
		From:      "architecture.orchestrator",
		To:        "architecture.specialist",
		TaskType:  TypePhaseWork,
		Ref:       "phase:architecture",
		Message: DelegationMessage{
			Description:          "Design the module boundaries",
			Requirements:         []string{"one diagram per service"},
			AIVerifiableOutcomes: []string{"docs/architecture/overview.md exists"},
			Phase:                "architecture",
			Priority:             3,
		},
	})
	require.NoError(t, err)

	task, err := q.ClaimNext(ctx, "demo", "architecture.specialist")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "architecture", task.Phase)

	msg, err := DecodeDelegation(task.Payload)
	require.NoError(t, err)
	assert.Equal(t, id, msg.TaskID)
	assert.Equal(t, "Design the module boundaries", msg.Description)
	assert.Equal(t, []string{"docs/architecture/overview.md exists"}, msg.AIVerifiableOutcomes)
}
