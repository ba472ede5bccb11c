package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses returns the statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s -> next is a legal forward move.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Task is a unit of delegated work.
type Task struct {
	ID          string          `json:"task_id"`
	Namespace   string          `json:"namespace"`
	FromAgent   string          `json:"from_agent"`
	ToAgent     string          `json:"to_agent"`
	TaskType    string          `json:"task_type"`
	Phase       string          `json:"phase,omitempty"`
	Ref         string          `json:"ref,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RetryOf     string          `json:"retry_of,omitempty"`
	Retryable   bool            `json:"retryable"`
	Retried     bool            `json:"retried"`
	Error       string          `json:"error,omitempty"`
	NotBefore   time.Time       `json:"not_before"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueRequest describes a task to create. Payload may be a
// json.RawMessage, a []byte holding JSON, or any JSON-marshalable value.
type EnqueueRequest struct {
	ID          string
	Namespace   string
	FromAgent   string
	ToAgent     string
	TaskType    string
	Phase       string
	Ref         string
	Payload     any
	Priority    int
	MaxAttempts int
	NotBefore   time.Time
}

func (r EnqueueRequest) validate() error {
	var errs []error
	if r.Namespace == "" {
		errs = append(errs, errors.New("namespace required"))
	}
	if r.FromAgent == "" {
		errs = append(errs, errors.New("from_agent required"))
	}
	if r.ToAgent == "" {
		errs = append(errs, errors.New("to_agent required"))
	}
	if r.TaskType == "" {
		errs = append(errs, errors.New("task_type required"))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 0, got %d", r.MaxAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTask, errors.Join(errs...))
	}
	return nil
}

// Filter narrows List results. Namespace is required.
type Filter struct {
	Namespace string
	Agent     string
	Status    Status
	Phase     string
	Limit     int
}

// Outcome is a terminal result used for success-rate calculations.
type Outcome struct {
	TaskID    string
	Succeeded bool
	At        time.Time
}

// Sentinel errors.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTerminal     = errors.New("task already in terminal status")
	ErrNotClaimed   = errors.New("task has not been claimed")
	ErrInvalidTask  = errors.New("invalid task")
	ErrLeaseExpired = errors.New("lease expired")
)

// retryableError marks a failure cause as eligible for RetryFailed.
type retryableError struct{ err error }

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }

// Retryable wraps err so that Fail records the task as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) declares itself
// retryable via a Retryable() bool method. Lease expiry is always retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLeaseExpired) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
