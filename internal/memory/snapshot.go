package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/phased/internal/store"
)

// SaveSnapshot records the memory context handed to an agent for a task.
func (s *Service) SaveSnapshot(ctx context.Context, snap Snapshot) (string, error) {
	if snap.Namespace == "" {
		return "", ErrEmptyNamespace
	}
	if snap.TaskID == "" || snap.Agent == "" {
		return "", fmt.Errorf("snapshot requires task id and agent")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.MemoryIDs == nil {
		snap.MemoryIDs = []string{}
	}
	ids, err := json.Marshal(snap.MemoryIDs)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO context_snapshots
		(id, namespace, task_id, agent, phase, boost, memory_ids, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Namespace, snap.TaskID, snap.Agent, snap.Phase, snap.Boost,
		string(ids), snap.Summary, s.now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return snap.ID, nil
}

// Snapshots lists the snapshots recorded for a task, oldest first.
func (s *Service) Snapshots(ctx context.Context, namespace, taskID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, namespace, task_id, agent, phase, boost, memory_ids, summary, created_at
		FROM context_snapshots WHERE namespace = ? AND task_id = ? ORDER BY created_at, id`, namespace, taskID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			ids     string
			created int64
		)
		if err := rows.Scan(&snap.ID, &snap.Namespace, &snap.TaskID, &snap.Agent, &snap.Phase,
			&snap.Boost, &ids, &snap.Summary, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &snap.MemoryIDs); err != nil {
			return nil, fmt.Errorf("decode memory ids for %s: %w", snap.ID, err)
		}
		snap.CreatedAt = store.Time(created)
		out = append(out, snap)
	}
	return out, rows.Err()
}
