package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   TEXT NOT NULL,
	status    TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	data      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_task ON snapshots (task_id, seq);
`

// SQLiteStore persists snapshot history in a SQLite database so it
// survives daemon restarts.
type SQLiteStore struct {
	db       *sql.DB
	maxTasks int
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the snapshots table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, maxTasks int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &SQLiteStore{db: db, maxTasks: maxTasks}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Register(snap Snapshot) error {
	if snap.Task.ID == "" {
		return fmt.Errorf("%w: snapshot without task id", ErrInvalidTask)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last string
	err = tx.QueryRow(`SELECT status FROM snapshots WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, snap.Task.ID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read last status: %w", err)
	default:
		prev, perr := ParseStatus(last)
		if perr != nil {
			return fmt.Errorf("read last status: %w", perr)
		}
		if !CanTransition(prev, snap.Status) {
			return fmt.Errorf("%w: task %s %s -> %s", ErrStatusRegression, snap.Task.ID, prev, snap.Status)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO snapshots (task_id, status, timestamp, data) VALUES (?,?,?,?)`,
		snap.Task.ID, snap.Status.String(), snap.Timestamp, string(data),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	var tasks int
	if err := tx.QueryRow(`SELECT COUNT(DISTINCT task_id) FROM snapshots`).Scan(&tasks); err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if excess := tasks - s.maxTasks; excess > 0 {
		if _, err := tx.Exec(`
			DELETE FROM snapshots WHERE task_id IN (
				SELECT task_id FROM snapshots GROUP BY task_id ORDER BY MIN(seq) LIMIT ?
			)`, excess); err != nil {
			return fmt.Errorf("evict tasks: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(taskID string) ([]Snapshot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if taskID != "" {
		rows, err = s.db.Query(`SELECT data FROM snapshots WHERE task_id = ? ORDER BY seq`, taskID)
	} else {
		rows, err = s.db.Query(`
			SELECT s.data FROM snapshots s
			JOIN (SELECT task_id, MIN(seq) AS first FROM snapshots GROUP BY task_id) g
				ON g.task_id = s.task_id
			ORDER BY g.first, s.seq`)
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Tasks() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT task_id) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// scanner abstracts sql.Row and sql.Rows for scanSnapshot.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (Snapshot, error) {
	var data string
	if err := sc.Scan(&data); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
