package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phased/internal/store"
)

// Transitions records phase entries. Each (namespace, phase) can be
// entered once, which keeps phase progression strictly sequential even if
// two drivers tick the same namespace.
type Transitions struct {
	db  *sql.DB
	now func() time.Time
}

// NewTransitions creates the transition log.
func NewTransitions(db *sql.DB) *Transitions {
	return &Transitions{db: db, now: time.Now}
}

// Enter records entry into p. It reports false when p was already entered.
func (t *Transitions) Enter(ctx context.Context, namespace string, p, from Phase, goal string) (bool, error) {
	res, err := t.db.ExecContext(ctx, `INSERT INTO phase_transitions (namespace, phase, from_phase, goal, entered_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (namespace, phase) DO NOTHING`,
		namespace, string(p), string(from), goal, t.now().UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("record transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Current returns the most recently entered phase, or PhaseInitialization
// when the namespace has not started.
func (t *Transitions) Current(ctx context.Context, namespace string) (Phase, error) {
	var p string
	err := t.db.QueryRowContext(ctx, `SELECT phase FROM phase_transitions
		WHERE namespace = ? ORDER BY seq DESC LIMIT 1`, namespace).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return PhaseInitialization, nil
	}
	if err != nil {
		return "", fmt.Errorf("current phase: %w", err)
	}
	return Phase(p), nil
}

// History returns every transition for a namespace in order.
func (t *Transitions) History(ctx context.Context, namespace string) ([]Transition, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT namespace, phase, from_phase, goal, entered_at
		FROM phase_transitions WHERE namespace = ? ORDER BY seq`, namespace)
	if err != nil {
		return nil, fmt.Errorf("transition history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr      Transition
			entered int64
		)
		if err := rows.Scan(&tr.Namespace, &tr.Phase, &tr.From, &tr.Goal, &entered); err != nil {
			return nil, err
		}
		tr.EnteredAt = store.Time(entered)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Goal returns the goal recorded when the namespace started.
func (t *Transitions) Goal(ctx context.Context, namespace string) (string, error) {
	var goal string
	err := t.db.QueryRowContext(ctx, `SELECT goal FROM phase_transitions
		WHERE namespace = ? ORDER BY seq ASC LIMIT 1`, namespace).Scan(&goal)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return goal, err
}

// Active lists namespaces that have started and not reached PhaseComplete.
func (t *Transitions) Active(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM phase_transitions
		WHERE namespace NOT IN (SELECT namespace FROM phase_transitions WHERE phase = ?)
		ORDER BY namespace`, string(PhaseComplete))
	if err != nil {
		return nil, fmt.Errorf("active namespaces: %w", err)
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
