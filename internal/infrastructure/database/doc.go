// Package database opens and migrates the SQLite file backing the sensor
// inventory.
//
// The store is deliberately small: one writer, one file, a handful of
// rows. Open applies the busy-timeout and journal pragmas from the
// inventory section of config.yaml and pins the connection pool to a
// single connection, matching SQLite's locking model. The file is created
// with mode 0600 and its directory with 0750.
//
// Schema changes are embedded SQL files applied by Migrate. They are
// additive and forward-only: new columns need a DEFAULT or must be
// nullable, columns are never dropped or renamed, and there is no
// rollback path. Files are named YYYYMMDD_HHMMSS_description.up.sql.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//	    Path:        cfg.Inventory.Path,
//	    WALMode:     cfg.Inventory.WALMode,
//	    BusyTimeout: cfg.Inventory.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
