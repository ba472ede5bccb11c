package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "phased.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesSchema(t *testing.T) {
	s := openTest(t)

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"tasks", "memory_records", "approvals", "project_artifacts", "phase_transitions", "context_snapshots"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phased.db")

	s1, err := Open(context.Background(), Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), Config{Path: path}, nil)
	require.NoError(t, err)
	defer s2.Close()
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestTrigger_TaskStatusForwardOnly(t *testing.T) {
	s := openTest(t)
	db := s.DB()
	now := Now()

	_, err := db.Exec(`INSERT INTO tasks (id, namespace, from_agent, to_agent, task_type, status, created_at, updated_at)
		VALUES ('t1', 'demo', 'a', 'b', 'work', 'completed', ?, ?)`, now, now)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE tasks SET status = 'pending' WHERE id = 't1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal task status transition")

	// Non-status columns on terminal rows stay writable.
	_, err = db.Exec(`UPDATE tasks SET retried = 1 WHERE id = 't1'`)
	require.NoError(t, err)
}

func TestTrigger_MemoryImmutable(t *testing.T) {
	s := openTest(t)
	db := s.DB()

	_, err := db.Exec(`INSERT INTO memory_records (id, namespace, content, memory_type, quality_score, created_at)
		VALUES ('m1', 'demo', 'x', 'code_pattern', 0.5, ?)`, Now())
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE memory_records SET quality_score = 0.9 WHERE id = 'm1'`)
	require.Error(t, err)
}

func TestTrigger_ApprovalTerminal(t *testing.T) {
	s := openTest(t)
	db := s.DB()

	_, err := db.Exec(`INSERT INTO approvals (id, namespace, phase, requesting_agent, status, created_at)
		VALUES ('a1', 'demo', 'specification', 'x', 'approved', ?)`, Now())
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE approvals SET status = 'pending' WHERE id = 'a1'`)
	require.Error(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO tasks (id) VALUES ('x')")
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("io error"))

	err = WithTx(context.Background(), db, func(*sql.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := RetryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryOnBusy(context.Background(), 3, func() error {
		calls++
		return errors.New("no such table")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-busy errors are not retried")
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	assert.True(t, Time(now.UnixNano()).Equal(now))
}
