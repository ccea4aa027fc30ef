package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/froyo-mysql/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the run journal: runs, their declaration results and the
// events emitted while they ran.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o750); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxOpenConns)
	if s.cfg.Path != MemoryPath {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// BeginRun records a run that has just started.
func (s *SQLiteStore) BeginRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, resource, action, target, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID, run.Resource, run.Action, run.Target, run.Status, run.StartedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// RecordResult appends one declaration outcome to a run.
func (s *SQLiteStore) RecordResult(ctx context.Context, runID string, res engine.DeclarationResult) error {
	query := `
		INSERT INTO declaration_results (run_id, seq, name, kind, status, reason, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		runID, res.Seq, res.Name, res.Kind, res.Status, res.Reason, res.Error,
		res.StartedAt.UTC(), res.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to record result %d of run %s: %w", res.Seq, runID, err)
	}
	return nil
}

// FinishRun stores the final status, error and summary of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?,
		    total = ?, updated = ?, up_to_date = ?, skipped = ?, failed = ?
		WHERE id = ?
	`
	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status, completedAt, run.Error,
		run.Summary.Total, run.Summary.Updated, run.Summary.UpToDate, run.Summary.Skipped, run.Summary.Failed,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, resource, action, target, status, started_at, completed_at, error,
	total, updated, up_to_date, skipped, failed`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*engine.Run, error) {
	run := &engine.Run{}
	err := row.Scan(
		&run.ID,
		&run.Resource,
		&run.Action,
		&run.Target,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Summary.Total,
		&run.Summary.Updated,
		&run.Summary.UpToDate,
		&run.Summary.Skipped,
		&run.Summary.Failed,
	)
	return run, err
}

// GetRun retrieves a run with its declaration results.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Results, err = s.listResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) listResults(ctx context.Context, runID string) ([]engine.DeclarationResult, error) {
	query := `
		SELECT seq, name, kind, status, reason, error, started_at, duration_ms
		FROM declaration_results
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []engine.DeclarationResult
	for rows.Next() {
		var (
			res        engine.DeclarationResult
			durationMS int64
		)
		if err := rows.Scan(&res.Seq, &res.Name, &res.Kind, &res.Status, &res.Reason, &res.Error, &res.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// ListRuns lists runs newest first, without their results.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*engine.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if filter.Resource != "" {
		query += ` WHERE resource = ?`
		args = append(args, filter.Resource)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore prunes runs started before cutoff, with their results.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// AppendEvent stores an event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	var details *string
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(raw)
		details = &d
	}

	query := `
		INSERT INTO events (id, run_id, type, level, resource, declaration, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.Type, event.Level, event.Resource, event.Declaration,
		event.Message, details, event.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, type, level, resource, declaration, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		var (
			e       engine.Event
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Level, &e.Resource, &e.Declaration, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
