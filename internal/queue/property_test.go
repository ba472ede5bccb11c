package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// Property: whatever sequence of claim/complete/fail calls is made, each
// task's status only moves forward and a terminal task never changes.
func TestProperty_StatusOnlyMovesForward(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		ns := fmt.Sprintf("prop-%d", iteration)

		n := rapid.IntRange(1, 5).Draw(rt, "tasks")
		ids := make([]string, n)
		for i := range ids {
			id, err := q.Enqueue(ctx, EnqueueRequest{
				Namespace: ns, FromAgent: "o", ToAgent: "w", TaskType: TypePhaseWork,
				Priority: rapid.IntRange(0, 3).Draw(rt, "priority"),
			})
			if err != nil {
				rt.Fatalf("enqueue: %v", err)
			}
			ids[i] = id
		}

		last := make(map[string]Status, n)
		for _, id := range ids {
			last[id] = StatusPending
		}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for range steps {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				if _, err := q.ClaimNext(ctx, ns, "w"); err != nil {
					rt.Fatalf("claim: %v", err)
				}
			case 1:
				id := rapid.SampledFrom(ids).Draw(rt, "id")
				err := q.Complete(ctx, id, nil)
				if err != nil && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotClaimed) {
					rt.Fatalf("complete: %v", err)
				}
			case 2:
				id := rapid.SampledFrom(ids).Draw(rt, "id")
				err := q.Fail(ctx, id, errors.New("boom"))
				if err != nil && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotClaimed) {
					rt.Fatalf("fail: %v", err)
				}
			}

			for _, id := range ids {
				task, err := q.Get(ctx, id)
				if err != nil {
					rt.Fatalf("get: %v", err)
				}
				prev := last[id]
				if task.Status != prev && !prev.CanTransition(task.Status) {
					rt.Fatalf("task %s moved %s -> %s", id, prev, task.Status)
				}
				last[id] = task.Status
			}
		}
	})
}

func TestProperty_BackoffBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "base"))
		maxDelay := base * time.Duration(rapid.Int64Range(1, 64).Draw(rt, "factor"))
		next := rapid.IntRange(0, 80).Draw(rt, "next")

		plain := RetryPolicy{BaseDelay: base, MaxDelay: maxDelay}
		d := plain.Backoff(next)
		if d < base || d > maxDelay {
			rt.Fatalf("backoff %s outside [%s, %s]", d, base, maxDelay)
		}
		if next < 80 && plain.Backoff(next+1) < d {
			rt.Fatalf("backoff decreased at attempt %d", next+1)
		}

		jittered := plain
		jittered.Jitter = true
		j := jittered.Backoff(next)
		if j < d/2 || j > d {
			rt.Fatalf("jittered backoff %s outside [%s, %s]", j, d/2, d)
		}
	})
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusInProgress))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransition(StatusFailed))
	assert.False(t, StatusCompleted.CanTransition(StatusPending))
	assert.False(t, StatusFailed.CanTransition(StatusInProgress))
	assert.True(t, StatusFailed.Terminal())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("x")))
	assert.True(t, IsRetryable(Retryable(errors.New("x"))))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", Retryable(errors.New("x")))))
	assert.True(t, IsRetryable(ErrLeaseExpired))
	assert.Nil(t, Retryable(nil))
}
