package project

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection serializes transactions without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (name, command, status, iteration_count, plan_artifact,
			fileset_artifact, deployment_handle, last_error, published_url, run_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Command, string(rec.Status), rec.IterationCount, rec.PlanArtifact,
		rec.FilesetArtifact, rec.DeploymentHandle, rec.LastError, rec.PublishedURL, rec.RunID,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrProjectExists, rec.Name)
		}
		return fmt.Errorf("failed to insert project: %w", err)
	}

	if err := insertHistory(ctx, tx, rec.Name, 0, rec.History); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

// Get retrieves a snapshot of the named record.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectProjects+` WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, name)
	if err != nil {
		return nil, err
	}
	rec.History = history
	return rec, nil
}

// Save replaces the stored record, appending only new history entries.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	err = tx.QueryRowContext(ctx, `SELECT run_id FROM projects WHERE name = ?`, rec.Name).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, rec.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if runID != rec.RunID {
		return fmt.Errorf("%w: %s has run %s, got %s", ErrStaleRun, rec.Name, runID, rec.RunID)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM iteration_records WHERE project = ?`, rec.Name).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count history: %w", err)
	}
	if len(rec.History) < stored {
		return fmt.Errorf("%w: %d entries would become %d", ErrHistoryRewritten, stored, len(rec.History))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET status = ?, iteration_count = ?, plan_artifact = ?,
			fileset_artifact = ?, deployment_handle = ?, last_error = ?, published_url = ?,
			updated_at = ?
		WHERE name = ?`,
		string(rec.Status), rec.IterationCount, rec.PlanArtifact, rec.FilesetArtifact,
		rec.DeploymentHandle, rec.LastError, rec.PublishedURL, formatTime(time.Now().UTC()), rec.Name)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	if err := insertHistory(ctx, tx, rec.Name, stored, rec.History[stored:]); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

// List returns snapshots of all records ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectProjects+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	_ = rows.Close()

	for _, rec := range out {
		history, err := s.loadHistory(ctx, rec.Name)
		if err != nil {
			return nil, err
		}
		rec.History = history
	}
	return out, nil
}

// Delete removes a record and its history.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Backend returns "sqlite".
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectProjects = `
	SELECT name, command, status, iteration_count, plan_artifact, fileset_artifact,
		deployment_handle, last_error, published_url, run_id, created_at, updated_at
	FROM projects`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                  Record
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.Name, &rec.Command, &status, &rec.IterationCount, &rec.PlanArtifact,
		&rec.FilesetArtifact, &rec.DeploymentHandle, &rec.LastError, &rec.PublishedURL,
		&rec.RunID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.History = []IterationRecord{}
	return &rec, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, name string) ([]IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, outcome, recorded_at, detail, iteration, duration_ns, attempts, diagnostic
		FROM iteration_records WHERE project = ? ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	history := []IterationRecord{}
	for rows.Next() {
		var (
			ir             IterationRecord
			phase, outcome string
			recordedAt     string
			durationNS     int64
			diagnostic     int
		)
		if err := rows.Scan(&phase, &outcome, &recordedAt, &ir.Detail, &ir.Iteration,
			&durationNS, &ir.Attempts, &diagnostic); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		ir.Phase = Phase(phase)
		ir.Outcome = Outcome(outcome)
		ir.Timestamp = parseTime(recordedAt)
		ir.Duration = time.Duration(durationNS)
		ir.Diagnostic = diagnostic != 0
		history = append(history, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return history, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, name string, offset int, entries []IterationRecord) error {
	for i, ir := range entries {
		diagnostic := 0
		if ir.Diagnostic {
			diagnostic = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO iteration_records (project, seq, phase, outcome, recorded_at, detail,
				iteration, duration_ns, attempts, diagnostic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			name, offset+i, string(ir.Phase), string(ir.Outcome), formatTime(ir.Timestamp), ir.Detail,
			ir.Iteration, int64(ir.Duration), ir.Attempts, diagnostic)
		if err != nil {
			return fmt.Errorf("failed to insert history entry %d: %w", offset+i, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
