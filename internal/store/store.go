// Package store persists the gateway's non-authoritative state — provision
// jobs and the last health snapshot — in a sqlite database under the user
// cache directory. The CLI's status command reads it without a live gateway.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the database location inside the gateway cache dir.
func DefaultPath() string {
	return filepath.Join(CacheDir(), "gateway.db")
}

// CacheDir is the user-scoped cache directory for jobs and logs.
func CacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mcp-gateway")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "mcp-gateway")
}

// Open creates the database (and its parent directory) as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS provision_jobs (
	id TEXT PRIMARY KEY,
	server TEXT NOT NULL,
	state TEXT NOT NULL,
	message TEXT,
	created_at_utc TEXT NOT NULL,
	updated_at_utc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provision_jobs_updated ON provision_jobs(updated_at_utc);

CREATE TABLE IF NOT EXISTS server_health (
	name TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	source TEXT,
	last_error TEXT,
	tool_count INTEGER NOT NULL DEFAULT 0,
	pending INTEGER NOT NULL DEFAULT 0,
	refreshed_at_utc TEXT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// JobRow mirrors one provision job.
type JobRow struct {
	ID        string
	Server    string
	State     string
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveJob inserts or updates a job row.
func (s *Store) SaveJob(row JobRow) error {
	_, err := s.db.Exec(`
INSERT INTO provision_jobs (id, server, state, message, created_at_utc, updated_at_utc)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state = excluded.state, message = excluded.message, updated_at_utc = excluded.updated_at_utc
`,
		row.ID, row.Server, row.State, row.Message,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
		row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob fetches one job by ID.
func (s *Store) GetJob(id string) (JobRow, error) {
	row := s.db.QueryRow(`
SELECT id, server, state, message, created_at_utc, updated_at_utc
FROM provision_jobs WHERE id = ?`, id)
	var r JobRow
	var created, updated string
	if err := row.Scan(&r.ID, &r.Server, &r.State, &r.Message, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRow{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
		}
		return JobRow{}, fmt.Errorf("get job: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

// PruneJobs deletes terminal jobs last updated before cutoff.
func (s *Store) PruneJobs(cutoff time.Time, terminalStates []string) error {
	if len(terminalStates) == 0 {
		return nil
	}
	query := `DELETE FROM provision_jobs WHERE updated_at_utc < ? AND state IN (?` +
		repeat(",?", len(terminalStates)-1) + `)`
	args := make([]any, 0, len(terminalStates)+1)
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))
	for _, state := range terminalStates {
		args = append(args, state)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	return nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// HealthRow mirrors one server's last-known health.
type HealthRow struct {
	Name        string
	State       string
	Source      string
	LastError   string
	ToolCount   int
	Pending     int
	RefreshedAt time.Time
}

// SaveHealth replaces the health snapshot wholesale.
func (s *Store) SaveHealth(rows []HealthRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM server_health`); err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	for _, row := range rows {
		_, err := tx.Exec(`
INSERT INTO server_health (name, state, source, last_error, tool_count, pending, refreshed_at_utc)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.Name, row.State, row.Source, row.LastError, row.ToolCount, row.Pending,
			row.RefreshedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save health: %w", err)
		}
	}
	return tx.Commit()
}

// ListHealth returns the snapshot in name order.
func (s *Store) ListHealth() ([]HealthRow, error) {
	rows, err := s.db.Query(`
SELECT name, state, source, last_error, tool_count, pending, refreshed_at_utc
FROM server_health ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	var out []HealthRow
	for rows.Next() {
		var r HealthRow
		var refreshed string
		if err := rows.Scan(&r.Name, &r.State, &r.Source, &r.LastError, &r.ToolCount, &r.Pending, &refreshed); err != nil {
			return nil, fmt.Errorf("list health: %w", err)
		}
		r.RefreshedAt, _ = time.Parse(time.RFC3339Nano, refreshed)
		out = append(out, r)
	}
	return out, rows.Err()
}
