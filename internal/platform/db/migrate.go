package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the SQL migrations embedded in the binary using goose.
type Migrator struct {
	provider *goose.Provider
}

// MigrationsFS returns the embedded migrations rooted at the migrations directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		// embed guarantees the directory exists
		panic(err)
	}
	return sub
}

// NewMigrator creates a Migrator for sqlDB. A nil fsys selects the embedded
// migrations.
func NewMigrator(sqlDB *sql.DB, fsys fs.FS) (*Migrator, error) {
	if fsys == nil {
		fsys = MigrationsFS()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose new provider: %w", err)
	}
	return &Migrator{provider: provider}, nil
}

// Up applies all pending migrations in version order. Returns the count of
// applied migrations.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("goose up: %w", err)
	}
	return len(results), nil
}

// Status returns the status of all known migrations, applied and pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	states, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose status: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(states))
	for _, st := range states {
		status := MigrationStatus{
			Version: st.Source.Version,
			Name:    filepath.Base(st.Source.Path),
		}
		if st.State == goose.StateApplied {
			status.Applied = true
			appliedAt := st.AppliedAt
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Sources lists the migrations known to the migrator without touching the
// database.
func (m *Migrator) Sources() []MigrationStatus {
	sources := m.provider.ListSources()
	out := make([]MigrationStatus, 0, len(sources))
	for _, src := range sources {
		out = append(out, MigrationStatus{Version: src.Version, Name: filepath.Base(src.Path)})
	}
	return out
}
