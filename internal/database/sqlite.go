package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tbup-go/internal/database/migrations"
	"tbup-go/internal/tbup"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// Run is one invocation of the upload command.
type Run struct {
	ID         int64
	RunKey     string
	Account    string
	LocalRoot  string
	RemoteRoot string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Summary    tbup.Summary
}

// FileEventRecord is a journaled file outcome together with the run it belongs to.
type FileEventRecord struct {
	RunID int64
	tbup.FileEvent
}

// SQLiteDatabase stores the run journal in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database exists per connection, and the
	// journal has a single writer anyway.
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Run tracking

// StartRun inserts run and sets its ID. Status is forced to running.
func (s *SQLiteDatabase) StartRun(run *Run) error {
	run.Status = RunRunning
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO runs (run_key, account, local_root, remote_root, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunKey, run.Account, run.LocalRoot, run.RemoteRoot, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	run.ID = id
	return nil
}

// FinishRun records the final status and counts of a run.
func (s *SQLiteDatabase) FinishRun(id int64, status string, summary *tbup.Summary, finishedAt time.Time) error {
	if summary == nil {
		summary = &tbup.Summary{}
	}
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE runs SET finished_at = ?, status = ?, committed = ?, rapid_uploaded = ?,
		 skipped = ?, failed = ?, scan_faults = ? WHERE id = ?`,
		finishedAt.UTC(), status, summary.Committed, summary.RapidUploaded,
		summary.Skipped, summary.Failed, summary.ScanFaults, id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run: no run with id %d", id)
	}
	return nil
}

const runColumns = `id, run_key, account, local_root, remote_root, started_at, finished_at, status,
	committed, rapid_uploaded, skipped, failed, scan_faults`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.RunKey, &r.Account, &r.LocalRoot, &r.RemoteRoot, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.Summary.Committed, &r.Summary.RapidUploaded, &r.Summary.Skipped, &r.Summary.Failed, &r.Summary.ScanFaults)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *SQLiteDatabase) ListRuns(limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return result, nil
}

// LastRun returns the most recent run with the given key, or nil.
func (s *SQLiteDatabase) LastRun(runKey string) (*Run, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+runColumns+` FROM runs WHERE run_key = ? ORDER BY id DESC LIMIT 1`, runKey)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding last run: %w", err)
	}
	return r, nil
}

// MaxRunID returns the highest run ID, or 0 for an empty journal.
func (s *SQLiteDatabase) MaxRunID() (int64, error) {
	var id int64
	err := s.db.QueryRowContext(context.Background(), `SELECT COALESCE(MAX(id), 0) FROM runs`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("getting max run ID: %w", err)
	}
	return id, nil
}

// File events

// RunJournal returns a tbup.Journal that records events under runID.
func (s *SQLiteDatabase) RunJournal(runID int64) tbup.Journal {
	return &runJournal{db: s, runID: runID}
}

type runJournal struct {
	db    *SQLiteDatabase
	runID int64
}

func (j *runJournal) RecordFile(ev *tbup.FileEvent) error {
	return j.db.InsertFileEvent(j.runID, ev)
}

// InsertFileEvent stores one file outcome.
func (s *SQLiteDatabase) InsertFileEvent(runID int64, ev *tbup.FileEvent) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO file_events (id, run_id, local_path, remote_path, size, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, runID, ev.LocalPath, ev.RemotePath, ev.Size, string(ev.Outcome), ev.Detail, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording file event: %w", err)
	}
	return nil
}

// FileHistory returns every recorded outcome for localPath, oldest first.
func (s *SQLiteDatabase) FileHistory(localPath string) ([]*FileEventRecord, error) {
	return s.queryEvents(`WHERE local_path = ? ORDER BY created_at, rowid`, localPath)
}

// RunEvents returns the outcomes recorded by one run, in order.
func (s *SQLiteDatabase) RunEvents(runID int64) ([]*FileEventRecord, error) {
	return s.queryEvents(`WHERE run_id = ? ORDER BY rowid`, runID)
}

func (s *SQLiteDatabase) queryEvents(where string, arg any) ([]*FileEventRecord, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT run_id, id, local_path, remote_path, size, outcome, detail, created_at FROM file_events `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("querying file events: %w", err)
	}
	defer rows.Close()

	var result []*FileEventRecord
	for rows.Next() {
		var rec FileEventRecord
		var outcome string
		if err := rows.Scan(&rec.RunID, &rec.ID, &rec.LocalPath, &rec.RemotePath, &rec.Size, &outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning file event: %w", err)
		}
		rec.Outcome = tbup.Outcome(outcome)
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying file events: %w", err)
	}
	return result, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.Up(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// SchemaStatus reports the journal schema version against the embedded migrations.
func (s *SQLiteDatabase) SchemaStatus() (migrations.Status, error) {
	return migrations.ReadStatus(s.db)
}

// DumpSchema returns the CREATE statements of the journal tables and indexes,
// tables first, each followed by a blank line. The migration bookkeeping
// table is left out.
func (s *SQLiteDatabase) DumpSchema() (string, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY CASE type WHEN 'table' THEN 1 ELSE 2 END, name`)
	if err != nil {
		return "", fmt.Errorf("dumping schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("dumping schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("dumping schema: %w", err)
	}
	return b.String(), nil
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
