package backlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Backend using SQLite. Status writes are serialized
// by the database, which is what lets parallel controllers share one backlog.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite).
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer connection keeps claim transactions serialized.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create adds a new task and returns its ID. An empty spec ID gets a UUID.
func (s *SQLiteStore) Create(ctx context.Context, spec TaskSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks`).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to assign sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, seq, type, title, description, criteria, priority, status, labels, model_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, seq, spec.Type, spec.Title, spec.Description,
		strings.Join(spec.AcceptanceCriteria, "\n"), spec.Priority,
		string(StatusOpen), strings.Join(spec.Labels, ","), spec.ModelHint)
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	for _, dep := range spec.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, id, dep); err != nil {
			return "", fmt.Errorf("failed to insert dependency %s -> %s: %w", id, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// Get retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, type, title, description, criteria, priority, status, labels, model_hint, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

// List returns every task in the backlog ordered by insertion.
func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, type, title, description, criteria, priority, status, labels, model_hint, created_at, updated_at
		FROM tasks ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	// Release the connection before the dependency queries; the pool is
	// capped at one connection.
	rows.Close()

	for _, task := range tasks {
		deps, err := s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.DependsOn = deps
	}
	return tasks, nil
}

// ListReady returns open tasks with every dependency closed, matching the
// filter, ordered by priority then insertion order. A dependency edge to a
// missing task leaves the task unready; validation reports the corruption.
func (s *SQLiteStore) ListReady(ctx context.Context, filter Filter) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.seq, t.type, t.title, t.description, t.criteria, t.priority, t.status, t.labels, t.model_hint, t.created_at, t.updated_at
		FROM tasks t
		WHERE t.status = 'open'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND (dep.id IS NULL OR dep.status != 'closed')
		  )
		ORDER BY t.priority, t.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ready tasks: %w", err)
	}
	rows.Close()

	filtered := tasks[:0]
	for _, task := range tasks {
		deps, err := s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.DependsOn = deps
		if filter.Matches(task) {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// UpdateStatus transitions a task to the given status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// AddNote appends an operator-visible note to a task.
func (s *SQLiteStore) AddNote(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_notes (task_id, note) VALUES (?, ?)
	`, id, text)
	if err != nil {
		return fmt.Errorf("failed to add note: %w", err)
	}
	return nil
}

// Notes returns the notes recorded for a task, oldest first.
func (s *SQLiteStore) Notes(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT note FROM task_notes WHERE task_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// Claim atomically re-checks readiness and marks the task in_progress.
// BEGIN IMMEDIATE takes the write lock up front so two controllers cannot
// both observe the task as ready.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var ready int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks t
		WHERE t.id = ? AND t.status = 'open'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND (dep.id IS NULL OR dep.status != 'closed')
		  )
	`, id).Scan(&ready)
	if err != nil {
		return false, fmt.Errorf("failed to check readiness: %w", err)
	}
	if ready == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id); err != nil {
		return false, fmt.Errorf("failed to mark task in_progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	task := &Task{}
	var criteria, labels, status string
	err := row.Scan(&task.ID, &task.Seq, &task.Type, &task.Title, &task.Description,
		&criteria, &task.Priority, &status, &labels, &task.ModelHint,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = Status(status)
	if criteria != "" {
		task.AcceptanceCriteria = strings.Split(criteria, "\n")
	}
	if labels != "" {
		task.Labels = strings.Split(labels, ",")
	}
	return task, nil
}
