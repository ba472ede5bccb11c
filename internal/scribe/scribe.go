package scribe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var artifactWrites = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "phased",
		Subsystem: "scribe",
		Name:      "artifact_writes_total",
		Help:      "Artifact registry writes by operation",
	},
	[]string{"op"},
)

// Scribe holds the write path to the artifact registry.
type Scribe struct {
	Reader

	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New creates the writer. Only the scribe worker and operator tooling
// construct one.
func New(db *sql.DB, logger *zap.Logger) *Scribe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scribe{Reader: NewReader(db), db: db, logger: logger, now: time.Now}
}

// Record inserts the artifact with version 1 or, when (namespace,
// file_path) exists, updates it in place and increments version by one.
// The upsert is a single statement so concurrent writers serialize on the
// row.
func (s *Scribe) Record(ctx context.Context, req RecordRequest) (*Artifact, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a, err := scanArtifact(s.db.QueryRowContext(ctx, `
		INSERT INTO project_artifacts (namespace, file_path, memory_type, brief_description,
			elements_description, rationale, version, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (namespace, file_path) DO UPDATE SET
			memory_type = excluded.memory_type,
			brief_description = excluded.brief_description,
			elements_description = excluded.elements_description,
			rationale = excluded.rationale,
			version = project_artifacts.version + 1,
			last_updated = excluded.last_updated
		RETURNING `+columns,
		req.Namespace, req.FilePath, req.MemoryType, req.BriefDescription, req.ElementsDescription,
		req.Rationale, s.now().UTC().UnixNano()).Scan)
	if err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}

	op := "update"
	if a.Version == 1 {
		op = "insert"
	}
	artifactWrites.WithLabelValues(op).Inc()
	s.logger.Info("artifact recorded",
		zap.String("namespace", a.Namespace),
		zap.String("file_path", a.FilePath),
		zap.Int("version", a.Version))
	return a, nil
}

// Delete removes an artifact.
func (s *Scribe) Delete(ctx context.Context, namespace, filePath string) error {
	p, err := cleanPath(filePath)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_artifacts WHERE namespace = ? AND file_path = ?`, namespace, p)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	artifactWrites.WithLabelValues("delete").Inc()
	s.logger.Info("artifact deleted", zap.String("namespace", namespace), zap.String("file_path", p))
	return nil
}

// apply executes a proposal.
func (s *Scribe) apply(ctx context.Context, p Proposal) (*Artifact, error) {
	switch p.Op {
	case "", OpRecord:
		return s.Record(ctx, p.RecordRequest)
	case OpDelete:
		if p.Namespace == "" {
			return nil, fmt.Errorf("%w: namespace required", ErrInvalidRecord)
		}
		return nil, s.Delete(ctx, p.Namespace, p.FilePath)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidRecord, p.Op)
	}
}

// IsInvalid reports whether err is a permanent proposal error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrNotFound)
}
