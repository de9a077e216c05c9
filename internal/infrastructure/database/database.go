package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// dirPermissions keeps the inventory directory private to the owning
	// user and group.
	dirPermissions = 0750

	// filePermissions keeps the database file private to the owning user.
	filePermissions = 0600

	// pingTimeout bounds the connectivity check performed by Open.
	pingTimeout = 5 * time.Second
)

// DB is the SQLite store holding the sensor inventory. It embeds *sql.DB,
// so the full database/sql API is available next to the migration runner.
type DB struct {
	*sql.DB
	path string
}

// Config mirrors the inventory section of config.yaml.
type Config struct {
	// Path of the SQLite file. The parent directory is created on open.
	Path string

	// WALMode switches the journal to write-ahead logging so reads do
	// not block the writer.
	WALMode bool

	// BusyTimeout is how long a statement waits on a locked database,
	// in seconds.
	BusyTimeout int
}

// Open opens the inventory database, creating the file and its directory
// on first run, and verifies that it responds.
//
// Parameters:
//   - ctx: bounds the connectivity check together with pingTimeout
//   - cfg: file path and SQLite pragmas
//
// Returns:
//   - *DB: open store; callers run Migrate before first use
//   - error: directory creation, open or ping failure
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating inventory directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening inventory database: %w", err)
	}

	// SQLite allows a single writer. Pinning the pool to one connection
	// keeps every statement on it and the busy-timeout pragma applied.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Open failed, nothing to keep
		return nil, fmt.Errorf("verifying inventory database: %w", err)
	}

	// The file exists after the ping at the latest; tighten its mode.
	// Chmod failure is not worth failing the open over.
	_ = os.Chmod(cfg.Path, filePermissions)

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// dsn builds the go-sqlite3 connection string carrying the pragmas from
// cfg. The busy-timeout pragma takes milliseconds.
// See https://github.com/mattn/go-sqlite3#connection-string.
func dsn(cfg Config) string {
	s := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout*1000)
	if cfg.WALMode {
		s += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return s
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query to confirm the store is reachable.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("inventory health check: %w", err)
	}
	return nil
}

// Close releases the underlying connection. Calling Close more than once,
// or on a nil DB, is harmless.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing inventory database: %w", err)
	}
	return nil
}
