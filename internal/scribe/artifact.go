package scribe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phased/internal/store"
)

// Agent is the queue identity of the scribe.
const Agent = "state-scribe"

// ErrInvalidRecord is returned for proposals that cannot be applied.
var ErrInvalidRecord = errors.New("invalid artifact record")

// ErrNotFound is returned when no artifact exists for the key.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one versioned entry in the project registry.
type Artifact struct {
	Namespace           string    `json:"namespace"`
	FilePath            string    `json:"file_path"`
	MemoryType          string    `json:"memory_type"`
	BriefDescription    string    `json:"brief_description"`
	ElementsDescription string    `json:"elements_description"`
	Rationale           string    `json:"rationale"`
	Version             int       `json:"version"`
	LastUpdated         time.Time `json:"last_updated"`
}

// RecordRequest carries the fields of an artifact write.
type RecordRequest struct {
	Namespace           string `json:"namespace"`
	FilePath            string `json:"file_path"`
	MemoryType          string `json:"memory_type"`
	BriefDescription    string `json:"brief_description"`
	ElementsDescription string `json:"elements_description"`
	Rationale           string `json:"rationale"`
}

// Validate checks the request and normalizes FilePath.
func (r *RecordRequest) Validate() error {
	if r.Namespace == "" {
		return fmt.Errorf("%w: namespace required", ErrInvalidRecord)
	}
	p, err := cleanPath(r.FilePath)
	if err != nil {
		return err
	}
	r.FilePath = p
	if r.MemoryType == "" {
		r.MemoryType = "document"
	}
	return nil
}

// cleanPath accepts only relative, slash-separated paths that stay inside
// the project root.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return "", fmt.Errorf("%w: file path required", ErrInvalidRecord)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidRecord, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes project root", ErrInvalidRecord, p)
		}
	}
	return path.Clean(p), nil
}

const columns = `namespace, file_path, memory_type, brief_description, elements_description, rationale, version, last_updated`

func scanArtifact(scan func(dest ...any) error) (*Artifact, error) {
	var (
		a       Artifact
		updated int64
	)
	if err := scan(&a.Namespace, &a.FilePath, &a.MemoryType, &a.BriefDescription, &a.ElementsDescription,
		&a.Rationale, &a.Version, &updated); err != nil {
		return nil, err
	}
	a.LastUpdated = store.Time(updated)
	return &a, nil
}

// Reader is the read-only view of the artifact registry.
type Reader interface {
	Get(ctx context.Context, namespace, filePath string) (*Artifact, error)
	List(ctx context.Context, namespace string) ([]*Artifact, error)
	ListByPrefix(ctx context.Context, namespace, prefix string) ([]*Artifact, error)
}

type reader struct {
	db *sql.DB
}

// NewReader returns a Reader over db. The returned value has no write
// methods.
func NewReader(db *sql.DB) Reader {
	return &reader{db: db}
}

func (r *reader) Get(ctx context.Context, namespace, filePath string) (*Artifact, error) {
	a, err := scanArtifact(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM project_artifacts
		WHERE namespace = ? AND file_path = ?`, namespace, filePath).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (r *reader) List(ctx context.Context, namespace string) ([]*Artifact, error) {
	return r.query(ctx, `SELECT `+columns+` FROM project_artifacts WHERE namespace = ? ORDER BY file_path`, namespace)
}

// ListByPrefix matches file_path by literal prefix. substr avoids LIKE
// wildcard handling for paths containing '_' or '%'.
func (r *reader) ListByPrefix(ctx context.Context, namespace, prefix string) ([]*Artifact, error) {
	return r.query(ctx, `SELECT `+columns+` FROM project_artifacts
		WHERE namespace = ? AND substr(file_path, 1, length(?)) = ? ORDER BY file_path`,
		namespace, prefix, prefix)
}

func (r *reader) query(ctx context.Context, q string, args ...any) ([]*Artifact, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
