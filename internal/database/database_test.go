package database

import (
	"testing"
	"time"
)

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_events'",
	).Scan(&name)
	if err != nil {
		t.Errorf("table audit_events not found: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	// Running migrate a second time must not error.
	if err := migrate(db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestCleanupPrunesOldEvents(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour).Unix()
	recent := now.Add(-time.Hour).Unix()
	for _, ts := range []int64{old, recent} {
		if _, err := db.Exec(
			"INSERT INTO audit_events (timestamp, kind, subject) VALUES (?, 'device_bypass', 'aa:bb:cc:dd:ee:ff')", ts,
		); err != nil {
			t.Fatal(err)
		}
	}

	if err := cleanupBefore(db, now); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected only the recent event to survive, got %d rows", count)
	}
}
