package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Schema changes ship as plain SQL files embedded into the binary by the
// migrations package. Filenames follow YYYYMMDD_HHMMSS_description.up.sql;
// the timestamp is the version and orders the run. There are no down
// migrations, the schema only ever moves forward.

// MigrationsFS holds the embedded migration files. The migrations package
// sets it from its init function, so importing that package for side
// effects is all the wiring a binary needs:
//
//	import _ "github.com/nerrad567/lacrosse-gateway/migrations"
var MigrationsFS embed.FS

// MigrationsDir is the directory inside MigrationsFS that holds the *.sql
// files. "." when they sit at the root of the embedded filesystem.
var MigrationsDir = "migrations"

// Migration is one embedded schema step.
type Migration struct {
	Version string // leading timestamp, e.g. "20260815_120000"
	Name    string // trailing description, e.g. "create_sensors"
	UpSQL   string
}

// Migrate brings the store's schema up to date.
//
// Pending migrations run in version order, each inside its own
// transaction: a failing step rolls back and stops the run, steps already
// committed stay committed, and re-running Migrate continues from the
// failed step. Applied versions are tracked in the schema_migrations
// table, which Migrate creates on first use.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: the first failing step, already rolled back
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := db.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// appliedVersions reads the set of migration versions already recorded in
// schema_migrations.
func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	return applied, nil
}

// runMigration applies one migration and records its version, atomically.
func (db *DB) runMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op once committed

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads every .up.sql file under MigrationsDir, sorted by
// version. A zero MigrationsFS (no migrations package imported) or a
// missing directory yields an empty set rather than an error.
func loadMigrations() ([]Migration, error) {
	if MigrationsFS == (embed.FS{}) {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, nil
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := splitMigrationFilename(entry.Name())
		if !ok {
			continue
		}
		upSQL, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			UpSQL:   string(upSQL),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// splitMigrationFilename takes "20260815_120000_create_sensors.up.sql"
// apart into version "20260815_120000" and name "create_sensors". Files
// without the .up.sql suffix or the two leading timestamp fields are not
// migrations.
func splitMigrationFilename(filename string) (version, name string, ok bool) {
	base, found := strings.CutSuffix(filename, ".up.sql")
	if !found {
		return "", "", false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 {
		return "", "", false
	}

	version = parts[0] + "_" + parts[1]
	name = base
	if len(parts) == 3 {
		name = parts[2]
	}
	return version, name, true
}
