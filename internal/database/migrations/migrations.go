// Package migrations versions the run journal schema with golang-migrate.
// The SQL files are embedded, so a journal created by one tbup binary can be
// checked against the schema another binary expects.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

const filesDir = "files"

var (
	// ErrUninitialized means the journal was never migrated.
	ErrUninitialized = errors.New("journal has no schema version")
	// ErrDirty means a migration failed halfway.
	ErrDirty = errors.New("journal schema is dirty")
	// ErrBehind means the journal needs migrating up.
	ErrBehind = errors.New("journal schema is out of date")
	// ErrAhead means the journal was written by a newer tbup.
	ErrAhead = errors.New("journal schema is newer than this binary")
)

// Status compares the schema version of a journal with the embedded migrations.
// Current is 0 for a journal that was never migrated.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Err returns nil when the journal is usable as is.
func (s Status) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("version %d: %w", s.Current, ErrDirty)
	case s.Current == 0:
		return ErrUninitialized
	case s.Current < s.Latest:
		return fmt.Errorf("version %d, latest %d: %w", s.Current, s.Latest, ErrBehind)
	case s.Current > s.Latest:
		return fmt.Errorf("version %d, latest %d: %w", s.Current, s.Latest, ErrAhead)
	}
	return nil
}

// Latest returns the highest version among the embedded up migrations.
func Latest() (uint, error) {
	entries, err := fs.ReadDir(migrationFiles, filesDir)
	if err != nil {
		return 0, fmt.Errorf("reading journal migrations: %w", err)
	}

	var latest uint
	for _, e := range entries {
		m, err := source.Parse(e.Name())
		if err != nil {
			return 0, fmt.Errorf("journal migration %s: %w", e.Name(), err)
		}
		if m.Direction == source.Up {
			latest = max(latest, m.Version)
		}
	}
	if latest == 0 {
		return 0, errors.New("no journal migrations embedded")
	}
	return latest, nil
}

// ReadStatus reports the schema version of db.
func ReadStatus(db *sql.DB) (Status, error) {
	latest, err := Latest()
	if err != nil {
		return Status{}, err
	}

	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	// m is not closed: closing it closes db, which the caller owns.

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading journal version: %w", err)
	}
	return Status{Current: version, Latest: latest, Dirty: dirty}, nil
}

// Check returns an error unless db is at the latest journal schema.
func Check(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// Up applies every pending journal migration. A current journal is left alone.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating journal: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, filesDir)
	if err != nil {
		return nil, fmt.Errorf("loading journal migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opening journal for migration: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opening journal for migration: %w", err)
	}
	return m, nil
}
