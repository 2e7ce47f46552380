package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestDiagnosticsHealthyForFreshDB(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	diag, err := j.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("diagnostics failed: %v", err)
	}
	if !diag.Healthy || diag.MissingTable {
		t.Fatalf("expected healthy diagnostics, got %#v", diag)
	}
	if diag.JobCount != 0 {
		t.Fatalf("expected empty journal, got %d jobs", diag.JobCount)
	}
}

func TestOpenMigratesLegacySchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "legacy.sqlite")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE jobs (
		job_id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		record TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	legacy := &SQL{db: db, driver: DriverSQLite}
	diag, err := legacy.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("diagnostics on legacy schema: %v", err)
	}
	if diag.Healthy {
		t.Fatal("expected legacy schema to be unhealthy")
	}
	if len(diag.MissingColumns) != 2 || len(diag.MissingIndexes) != 1 {
		t.Fatalf("expected two missing columns and one index, got %#v", diag)
	}
	if !diag.MissingLogTable {
		t.Fatalf("expected missing job_logs table, got %#v", diag)
	}
	_ = db.Close()

	j, err := Open(ctx, DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("open legacy journal: %v", err)
	}
	t.Cleanup(func() {
		_ = j.Close()
	})
	diag, err = j.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("diagnostics after migration: %v", err)
	}
	if !diag.Healthy {
		t.Fatalf("expected migrated schema to be healthy, got %#v", diag)
	}
}

func TestDiagnosticsDetectsMissingIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	if _, err := j.db.ExecContext(ctx, `DROP INDEX IF EXISTS idx_jobs_state_created_at`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	diag, err := j.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("diagnostics should not fail on missing index: %v", err)
	}
	if diag.Healthy {
		t.Fatal("expected diagnostics unhealthy when index is missing")
	}
	if len(diag.MissingIndexes) != 1 || diag.MissingIndexes[0] != "idx_jobs_state_created_at" {
		t.Fatalf("unexpected missing indexes %#v", diag.MissingIndexes)
	}
}
