// Package approval implements the approval gate: a checkpoint record that a
// gated phase must have approved before the state machine advances past it.
//
// A record moves pending -> approved or pending -> rejected exactly once.
// Rejection is never a silent skip; the orchestrator turns it into
// remediation work for the same phase.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/store"
)

// Status is the resolution state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	return s == StatusApproved || s == StatusRejected
}

// Record is a persisted approval request.
type Record struct {
	ID              string            `json:"id"`
	Namespace       string            `json:"namespace"`
	Phase           string            `json:"phase"`
	RequestingAgent string            `json:"requesting_agent"`
	Artifacts       map[string]string `json:"artifacts"`
	Summary         string            `json:"summary"`
	Status          Status            `json:"status"`
	Resolver        string            `json:"resolver,omitempty"`
	Note            string            `json:"note,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
}

// CreateRequest describes a new approval. Artifacts maps file path to a
// short description of what is being approved.
type CreateRequest struct {
	Namespace       string
	Phase           string
	RequestingAgent string
	Artifacts       map[string]string
	Summary         string
}

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrInvalidStatus   = errors.New("invalid approval status")
	ErrInvalidRequest  = errors.New("invalid approval request")
)

var approvalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "phased",
		Subsystem: "approval",
		Name:      "records_total",
		Help:      "Approval records by status transition",
	},
	[]string{"phase", "status"},
)

const columns = `id, namespace, phase, requesting_agent, artifacts, summary, status, resolver, note, created_at, resolved_at`

// Gate stores and resolves approval records.
type Gate struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Gate.
func New(db *sql.DB, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{db: db, logger: logger, now: time.Now}
}

// WithClock returns a copy of g using now as its time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	c := *g
	c.now = now
	return &c
}

// Create inserts a pending approval.
func (g *Gate) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if req.Namespace == "" || req.Phase == "" || req.RequestingAgent == "" {
		return nil, fmt.Errorf("%w: namespace, phase and requesting agent are required", ErrInvalidRequest)
	}
	artifacts := req.Artifacts
	if artifacts == nil {
		artifacts = map[string]string{}
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("encode artifacts: %w", err)
	}

	rec := &Record{
		ID:              uuid.NewString(),
		Namespace:       req.Namespace,
		Phase:           req.Phase,
		RequestingAgent: req.RequestingAgent,
		Artifacts:       artifacts,
		Summary:         req.Summary,
		Status:          StatusPending,
		CreatedAt:       g.now().UTC(),
	}
	_, err = g.db.ExecContext(ctx, `INSERT INTO approvals
		(id, namespace, phase, requesting_agent, artifacts, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		rec.ID, rec.Namespace, rec.Phase, rec.RequestingAgent, string(encoded), rec.Summary, rec.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	approvalsTotal.WithLabelValues(rec.Phase, string(StatusPending)).Inc()
	g.logger.Info("approval requested",
		zap.String("approval_id", rec.ID),
		zap.String("namespace", rec.Namespace),
		zap.String("phase", rec.Phase),
		zap.Int("artifacts", len(artifacts)))
	return rec, nil
}

// Get returns an approval by id.
func (g *Gate) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(g.db.QueryRowContext(ctx, `SELECT `+columns+` FROM approvals WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return rec, nil
}

// Latest returns the most recent approval for a phase, or nil if none exists.
func (g *Gate) Latest(ctx context.Context, namespace, phase string) (*Record, error) {
	rec, err := scanRecord(g.db.QueryRowContext(ctx, `SELECT `+columns+` FROM approvals
		WHERE namespace = ? AND phase = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, namespace, phase).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest approval: %w", err)
	}
	return rec, nil
}

// Resolve moves a pending approval to approved or rejected. Resolving an
// already resolved record fails with ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, id string, status Status, resolver, note string) (*Record, error) {
	if !status.Resolved() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := g.now().UTC().UnixNano()
	rec, err := scanRecord(g.db.QueryRowContext(ctx, `UPDATE approvals
		SET status = ?, resolver = ?, note = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+columns,
		string(status), resolver, note, now, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := g.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	approvalsTotal.WithLabelValues(rec.Phase, string(status)).Inc()
	g.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("namespace", rec.Namespace),
		zap.String("phase", rec.Phase),
		zap.String("status", string(status)),
		zap.String("resolver", resolver))
	return rec, nil
}

// ListPending returns pending approvals in a namespace, oldest first. An
// empty namespace lists pending approvals across all namespaces.
func (g *Gate) ListPending(ctx context.Context, namespace string) ([]*Record, error) {
	query := `SELECT ` + columns + ` FROM approvals WHERE status = 'pending'`
	var args []any
	if namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, namespace)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec       Record
		artifacts string
		created   int64
		resolved  sql.NullInt64
	)
	if err := scan(&rec.ID, &rec.Namespace, &rec.Phase, &rec.RequestingAgent, &artifacts, &rec.Summary,
		&rec.Status, &rec.Resolver, &rec.Note, &created, &resolved); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(artifacts), &rec.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	rec.CreatedAt = store.Time(created)
	rec.ResolvedAt = store.NullTime(resolved)
	return &rec, nil
}
