// Package migrate reconciles a task store created under the old status
// vocabulary and naming scheme with the current contract. Every step
// pre-checks the live schema so a re-run after partial failure skips
// work already done instead of erroring.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"mailflow/internal/domain"
)

// Legacy object names from before the newsletter_tasks rename.
const (
	legacyIdemIndex   = "idx_tasks_idem_key"
	legacyTouchTrig   = "trg_tasks_touch"
	currentIdemIndex  = "idx_newsletter_tasks_idem"
	currentTouchTrig  = "trg_newsletter_tasks_touch"
	metaSchemaKey     = "tasks_schema"
	metaSchemaCurrent = "v2: six-status vocabulary, touch trigger on status"
)

// StepError wraps a failure in a named remediation step. A step that
// finds its target already in the desired state does not produce one.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("migration step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// StepResult records whether a step changed anything.
type StepResult struct {
	Name    string
	Applied bool
}

// Report summarizes a run. Statuses is the distinct set present after
// migration; callers assert no legacy values remain.
type Report struct {
	Steps    []StepResult
	Statuses []string
}

// Effectual reports whether any step changed the store.
func (r Report) Effectual() bool {
	for _, s := range r.Steps {
		if s.Applied {
			return true
		}
	}
	return false
}

type Engine struct{ db *sql.DB }

func NewEngine(db *sql.DB) *Engine { return &Engine{db: db} }

type step struct {
	name  string
	apply func(ctx context.Context) (bool, error)
}

// Run executes the remediation steps in order. Any failing step aborts
// the run; the store is left re-runnable and a second run converges to
// the same end state with zero effectual writes.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	steps := []step{
		{"remap_legacy_statuses", e.remapLegacyStatuses},
		{"ensure_status_constraint", e.ensureStatusConstraint},
		{"rename_idempotency_index", e.renameIdempotencyIndex},
		{"drop_legacy_trigger", e.dropLegacyTrigger},
		{"install_touch_trigger", e.installTouchTrigger},
		{"update_schema_meta", e.updateSchemaMeta},
	}

	var report Report
	for _, s := range steps {
		applied, err := s.apply(ctx)
		if err != nil {
			return report, &StepError{Step: s.name, Err: err}
		}
		report.Steps = append(report.Steps, StepResult{Name: s.name, Applied: applied})
		log.Info().Str("step", s.name).Bool("applied", applied).Msg("migration step")
	}

	statuses, err := e.distinctStatuses(ctx)
	if err != nil {
		return report, &StepError{Step: "collect_statuses", Err: err}
	}
	report.Statuses = statuses
	return report, nil
}

func (e *Engine) remapLegacyStatuses(ctx context.Context) (bool, error) {
	changed := false
	for old, current := range domain.LegacyStatuses {
		res, err := e.db.ExecContext(ctx,
			"UPDATE newsletter_tasks SET status=? WHERE status=?", string(current), old)
		if err != nil {
			return changed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
		}
	}
	return changed, nil
}

// ensureStatusConstraint rebuilds newsletter_tasks when its CREATE sql
// lacks the status CHECK. SQLite cannot ALTER a constraint in, so the
// rebuild copies rows into a conforming table and swaps names. Indexes
// and triggers die with the old table; later steps reinstall them.
func (e *Engine) ensureStatusConstraint(ctx context.Context) (bool, error) {
	ddl, err := e.objectSQL(ctx, "table", "newsletter_tasks")
	if err != nil {
		return false, err
	}
	if ddl == "" {
		return false, fmt.Errorf("table newsletter_tasks does not exist")
	}
	if hasCurrentCheck(ddl) {
		return false, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE newsletter_tasks_migrated (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  payload BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','triggered','running','completed','failed','cancelled')) DEFAULT 'pending',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		`INSERT INTO newsletter_tasks_migrated (id,tenant_id,idempotency_key,payload,status,created_at,updated_at)
SELECT id,tenant_id,idempotency_key,payload,status,created_at,updated_at FROM newsletter_tasks`,
		`DROP TABLE newsletter_tasks`,
		`ALTER TABLE newsletter_tasks_migrated RENAME TO newsletter_tasks`,
		`CREATE INDEX IF NOT EXISTS idx_newsletter_tasks_tenant_status ON newsletter_tasks(tenant_id, status)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func hasCurrentCheck(ddl string) bool {
	if !strings.Contains(ddl, "CHECK") {
		return false
	}
	for _, s := range domain.AllStatuses() {
		if !strings.Contains(ddl, "'"+string(s)+"'") {
			return false
		}
	}
	return true
}

// renameIdempotencyIndex drops the legacy-named unique index and creates
// the current one. SQLite has no RENAME INDEX; drop-and-create under the
// new name is the equivalent.
func (e *Engine) renameIdempotencyIndex(ctx context.Context) (bool, error) {
	changed := false
	if ok, err := e.objectExists(ctx, "index", legacyIdemIndex); err != nil {
		return false, err
	} else if ok {
		if _, err := e.db.ExecContext(ctx, "DROP INDEX "+legacyIdemIndex); err != nil {
			return false, err
		}
		changed = true
	}
	if ok, err := e.objectExists(ctx, "index", currentIdemIndex); err != nil {
		return changed, err
	} else if !ok {
		if _, err := e.db.ExecContext(ctx,
			"CREATE UNIQUE INDEX "+currentIdemIndex+" ON newsletter_tasks(idempotency_key)"); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func (e *Engine) dropLegacyTrigger(ctx context.Context) (bool, error) {
	ok, err := e.objectExists(ctx, "trigger", legacyTouchTrig)
	if err != nil || !ok {
		return false, err
	}
	if _, err := e.db.ExecContext(ctx, "DROP TRIGGER "+legacyTouchTrig); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) installTouchTrigger(ctx context.Context) (bool, error) {
	ok, err := e.objectExists(ctx, "trigger", currentTouchTrig)
	if err != nil || ok {
		return false, err
	}
	_, err = e.db.ExecContext(ctx, `
CREATE TRIGGER `+currentTouchTrig+`
AFTER UPDATE OF status ON newsletter_tasks FOR EACH ROW
BEGIN
  UPDATE newsletter_tasks SET updated_at=CURRENT_TIMESTAMP WHERE id=NEW.id;
END`)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) updateSchemaMeta(ctx context.Context) (bool, error) {
	if _, err := e.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)"); err != nil {
		return false, err
	}
	var current string
	err := e.db.QueryRowContext(ctx,
		"SELECT value FROM schema_meta WHERE key=?", metaSchemaKey).Scan(&current)
	if err == nil && current == metaSchemaCurrent {
		return false, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	_, err = e.db.ExecContext(ctx, `
INSERT INTO schema_meta (key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, metaSchemaKey, metaSchemaCurrent)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) distinctStatuses(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT DISTINCT status FROM newsletter_tasks ORDER BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

func (e *Engine) objectExists(ctx context.Context, typ, name string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", typ, name).Scan(&n)
	return n > 0, err
}

func (e *Engine) objectSQL(ctx context.Context, typ, name string) (string, error) {
	var ddl sql.NullString
	err := e.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type=? AND name=?", typ, name).Scan(&ddl)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ddl.String, nil
}
