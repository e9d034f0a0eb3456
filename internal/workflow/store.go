package workflow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTaskNotFound is returned by Get for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// Store persists outbound tasks with a SQLite backend so a restarted
// scheduler can account for tasks that were in flight.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the task database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbound_tasks (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		direction TEXT NOT NULL,
		stack_height REAL NOT NULL DEFAULT 0,
		measured_height REAL NOT NULL DEFAULT 0,
		target_position REAL NOT NULL DEFAULT 0,
		codes_json TEXT NOT NULL DEFAULT '[]',
		order_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbound_tasks_status ON outbound_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_outbound_tasks_created_at ON outbound_tasks(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save upserts a task snapshot.
func (s *Store) Save(t *Task) error {
	codesJSON, err := json.Marshal(t.Codes)
	if err != nil {
		return fmt.Errorf("marshal codes: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO outbound_tasks
			(task_id, status, direction, stack_height, measured_height, target_position,
			 codes_json, order_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			stack_height = excluded.stack_height,
			measured_height = excluded.measured_height,
			target_position = excluded.target_position,
			codes_json = excluded.codes_json,
			order_id = excluded.order_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, t.TaskID, string(t.Status), t.Direction, t.StackHeight, t.MeasuredHeight,
		t.TargetPosition, string(codesJSON), t.OrderID, t.Error,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// Get retrieves one task.
func (s *Store) Get(taskID string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT task_id, status, direction, stack_height, measured_height, target_position,
		       codes_json, order_id, error, created_at, updated_at
		FROM outbound_tasks WHERE task_id = ?
	`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, err
}

// List returns every stored task, newest first.
func (s *Store) List() ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT task_id, status, direction, stack_height, measured_height, target_position,
		       codes_json, order_id, error, created_at, updated_at
		FROM outbound_tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CancelInFlight marks every non-terminal task Cancelled and returns
// how many were affected. Called once at startup: without a durable
// step log there is nothing to resume them from.
func (s *Store) CancelInFlight() (int, error) {
	res, err := s.db.Exec(`
		UPDATE outbound_tasks
		SET status = ?, updated_at = ?
		WHERE status NOT IN (?, ?, ?)
	`, string(StatusCancelled), time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                    Task
		status               string
		codesJSON            string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.TaskID, &status, &t.Direction, &t.StackHeight, &t.MeasuredHeight,
		&t.TargetPosition, &codesJSON, &t.OrderID, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	if err := json.Unmarshal([]byte(codesJSON), &t.Codes); err != nil {
		return nil, fmt.Errorf("unmarshal codes: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}
