package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	db := openTestDB(t)
	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if filepath.Base(db.Path()) != "nvr.db" {
		t.Errorf("Path() = %q", db.Path())
	}
}

func TestTransaction_Rollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	wantErr := errors.New("boom")
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transaction() error = %v, want %v", err, wantErr)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert visible, count = %d", count)
	}
}

func TestRetry_NonBusyAbortsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("not busy")
	err := Retry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Retry() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_BusyRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db)
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Every table the schema names must exist.
	for _, table := range []string{"files", "recordings", "motion", "objects", "events", "post_processor_results"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing: %v", table, err)
		}
	}

	// Columns added by later migrations must be present.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO files (tier_id, tier_path, camera_identifier, category, subcategory,
			path, directory, filename, size, orig_ctime, duration, created_at, updated_at)
		VALUES (0, '/t', 'cam', 'recorder', 'segments', '/t/x.m4s', '/t', 'x.m4s',
			10, 1700000000.0, 5.005, 1700000000, 1700000000)
	`); err != nil {
		t.Errorf("files.duration column missing: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO recordings (camera_identifier, start_time, adjusted_start_time,
			trigger_type, created_at, updated_at)
		VALUES ('cam', 1700000100.0, 1700000090.0, 'object', 1700000100, 1700000100)
	`); err != nil {
		t.Errorf("recordings.adjusted_start_time column missing: %v", err)
	}
}

func TestMigrator_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db)
	if err := m.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	v1, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v1 < 4 {
		t.Errorf("Version() = %d, want >= 4", v1)
	}

	if err := m.Run(ctx); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	v2, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v1 != v2 {
		t.Errorf("version changed on re-run: %d -> %d", v1, v2)
	}
}

func TestMigrator_AdjustedStartTimeBackfill(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Apply only the first migration, insert a legacy row, then roll forward.
	m := NewMigrator(db)
	available, err := m.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations() error = %v", err)
	}
	if err := m.ensureMigrationsTable(ctx); err != nil {
		t.Fatalf("ensureMigrationsTable() error = %v", err)
	}
	if err := m.runMigration(ctx, available[0]); err != nil {
		t.Fatalf("migration 1: %v", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO recordings (camera_identifier, start_time, trigger_type, created_at, updated_at)
		VALUES ('cam', 1700000100.0, 'object', 1700000100, 1700000100)
	`); err != nil {
		t.Fatalf("legacy insert: %v", err)
	}

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var adjusted float64
	if err := db.QueryRowContext(ctx,
		"SELECT adjusted_start_time FROM recordings WHERE camera_identifier='cam'").Scan(&adjusted); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if adjusted != 1700000090.0 {
		t.Errorf("backfilled adjusted_start_time = %v, want start_time-10", adjusted)
	}
}
