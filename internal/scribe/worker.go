package scribe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/queue"
)

// TaskQueue is the part of the queue the worker drives.
type TaskQueue interface {
	PendingNamespaces(ctx context.Context, agent string) ([]string, error)
	ClaimNext(ctx context.Context, namespace, agent string) (*queue.Task, error)
	Complete(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id string, cause error) error
}

// Worker drains artifact.record tasks addressed to the scribe.
type Worker struct {
	scribe   *Scribe
	queue    TaskQueue
	logger   *zap.Logger
	interval time.Duration
}

// NewWorker creates a scribe worker polling every interval.
func NewWorker(s *Scribe, q TaskQueue, logger *zap.Logger, interval time.Duration) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{scribe: s, queue: q, logger: logger.Named("scribe"), interval: interval}
}

// Run processes proposals until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("scribe drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain applies every currently claimable proposal and returns how many
// tasks were processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	namespaces, err := w.queue.PendingNamespaces(ctx, Agent)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, ns := range namespaces {
		for {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			task, err := w.queue.ClaimNext(ctx, ns, Agent)
			if err != nil {
				return processed, err
			}
			if task == nil {
				break
			}
			w.handle(ctx, task)
			processed++
		}
	}
	return processed, nil
}

func (w *Worker) handle(ctx context.Context, task *queue.Task) {
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("namespace", task.Namespace))

	if task.TaskType != queue.TypeArtifact {
		w.fail(ctx, log, task, ErrInvalidRecord)
		return
	}
	p, err := DecodeProposal(task.Payload)
	if err != nil {
		w.fail(ctx, log, task, err)
		return
	}
	// A proposal can only touch its own namespace.
	p.Namespace = task.Namespace

	a, err := w.scribe.apply(ctx, p)
	if err != nil {
		if !IsInvalid(err) {
			err = queue.Retryable(err)
		}
		w.fail(ctx, log, task, err)
		return
	}

	var result any = map[string]any{"op": OpDelete, "file_path": p.FilePath}
	if a != nil {
		result = a
	}
	if err := w.queue.Complete(ctx, task.ID, result); err != nil {
		log.Error("complete scribe task", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, task *queue.Task, cause error) {
	log.Warn("proposal rejected", zap.String("from", task.FromAgent), zap.Error(cause))
	if err := w.queue.Fail(ctx, task.ID, cause); err != nil {
		log.Error("fail scribe task", zap.Error(err))
	}
}
