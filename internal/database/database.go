// Package database manages the SQLite database used for persistent storage.
// It opens the database, enables WAL mode, and runs all schema migrations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Open opens (or creates) the SQLite database at path and runs all migrations.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate executes the schema DDL. All statements are idempotent.
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Cleanup prunes audit rows older than the retention window.
func Cleanup(db *sql.DB) error {
	return cleanupBefore(db, time.Now().UTC())
}

// CleanupLoop runs Cleanup daily until ctx is cancelled.
func CleanupLoop(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Cleanup(db); err != nil {
				log.Printf("warning: audit cleanup: %v", err)
			}
		}
	}
}

func cleanupBefore(db *sql.DB, now time.Time) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	cutoff := now.Add(-30 * 24 * time.Hour).Unix()
	_, err := db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	return err
}
