package db

import (
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateCreatesSchema(t *testing.T) {
	database := newTestDB(t)

	if err := Migrate(database.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"change_log", "sync_devices", "sync_conflicts", "tracked_records"} {
		var name string
		err := database.DB.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database := newTestDB(t)

	if err := Migrate(database.DB); err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if err := Migrate(database.DB); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	m := NewMigrator(database.DB, migrationsFS, "migrations")
	applied, err := m.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("applied migrations = %d, want 1", len(applied))
	}
	if applied[0].Version != 1 {
		t.Errorf("version = %d, want 1", applied[0].Version)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

func TestCurrentVersionAndDown(t *testing.T) {
	database := newTestDB(t)

	m := NewMigrator(database.DB, migrationsFS, "migrations")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("fresh version = %d, want 0", version)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if version, _ = m.CurrentVersion(); version != 1 {
		t.Errorf("version after Up = %d, want 1", version)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if version, _ = m.CurrentVersion(); version != 0 {
		t.Errorf("version after Down = %d, want 0", version)
	}

	// Nothing left to roll back.
	if err := m.Down(); err == nil {
		t.Error("Down() on empty schema should fail")
	}
}
