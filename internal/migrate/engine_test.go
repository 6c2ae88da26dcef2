package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"mailflow/internal/store"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "migrate_test.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// legacySchema mirrors the store as it existed before the vocabulary
// change: no status CHECK, legacy index and trigger names, rows still
// carrying 'sent' and 'processing'.
func legacySchema(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE newsletter_tasks (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  payload BLOB,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE UNIQUE INDEX idx_tasks_idem_key ON newsletter_tasks(idempotency_key)`,
		`CREATE TRIGGER trg_tasks_touch AFTER UPDATE ON newsletter_tasks FOR EACH ROW
BEGIN
  UPDATE newsletter_tasks SET updated_at=CURRENT_TIMESTAMP WHERE id=OLD.id;
END`,
		`INSERT INTO newsletter_tasks (id,tenant_id,idempotency_key,status) VALUES
  ('tsk_1','acme','k-1','sent'),
  ('tsk_2','acme','k-2','processing'),
  ('tsk_3','acme','k-3','pending'),
  ('tsk_4','globex','k-4','completed')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("legacy fixture: %v", err)
		}
	}
}

func objectExists(t *testing.T, db *sql.DB, typ, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", typ, name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}
	return n > 0
}

func TestRunMigratesLegacyStore(t *testing.T) {
	db := openDB(t)
	legacySchema(t, db)
	ctx := context.Background()

	report, err := NewEngine(db).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Effectual() {
		t.Fatal("first run on a legacy store reported zero effectual steps")
	}

	want := []string{"completed", "pending", "running", "triggered"}
	if !reflect.DeepEqual(report.Statuses, want) {
		t.Fatalf("post-migration statuses = %v, want %v", report.Statuses, want)
	}

	if objectExists(t, db, "index", "idx_tasks_idem_key") {
		t.Error("legacy index survived migration")
	}
	if !objectExists(t, db, "index", "idx_newsletter_tasks_idem") {
		t.Error("current idempotency index missing after migration")
	}
	if objectExists(t, db, "trigger", "trg_tasks_touch") {
		t.Error("legacy trigger survived migration")
	}
	if !objectExists(t, db, "trigger", "trg_newsletter_tasks_touch") {
		t.Error("current touch trigger missing after migration")
	}

	// The rebuilt table must now enforce the status domain.
	if _, err := db.Exec("INSERT INTO newsletter_tasks (id,tenant_id,idempotency_key,status) VALUES ('tsk_bad','acme','k-bad','sent')"); err == nil {
		t.Error("CHECK constraint accepted a legacy status value")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openDB(t)
	legacySchema(t, db)
	ctx := context.Background()

	first, err := NewEngine(db).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := NewEngine(db).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Effectual() {
		for _, s := range second.Steps {
			if s.Applied {
				t.Errorf("step %s re-applied on second run", s.Name)
			}
		}
		t.Fatal("second run performed effectual writes")
	}
	if !reflect.DeepEqual(first.Statuses, second.Statuses) {
		t.Fatalf("status sets diverged between runs: %v vs %v", first.Statuses, second.Statuses)
	}
}

func TestRunOnCurrentSchemaOnlyTouchesMeta(t *testing.T) {
	db := openDB(t)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	ctx := context.Background()

	report, err := NewEngine(db).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, s := range report.Steps {
		if s.Applied && s.Name != "update_schema_meta" {
			t.Errorf("step %s applied against an already-current schema", s.Name)
		}
	}

	again, err := NewEngine(db).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Effectual() {
		t.Fatal("second run on current schema performed effectual writes")
	}
}

func TestRunSurfacesStepError(t *testing.T) {
	db := openDB(t)
	// No newsletter_tasks table at all: the remap step has nothing to
	// update and fails, and the error must carry the step name.
	_, err := NewEngine(db).Run(context.Background())
	if err == nil {
		t.Fatal("run on an empty database succeeded, want step error")
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %T, want *StepError", err)
	}
	if stepErr.Step == "" {
		t.Fatal("step error carries no step name")
	}
}
