package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"mailflow/internal/domain"
)

var (
	// ErrNotFound is returned for lookups of unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition means the task's current status did not match
	// the caller's expected source status at apply time (lost the race or
	// stale caller state). Re-fetch and decide.
	ErrInvalidTransition = errors.New("task status changed since read")
	// ErrIllegalTransition means the target status is not reachable from
	// the source status in the state machine. Always a caller bug.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrConflict means a concurrent create race could not be resolved to
	// a single winner.
	ErrConflict = errors.New("concurrent create conflict")
)

// EnsureSchema creates tables, indexes and triggers if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS newsletter_tasks (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  payload BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','triggered','running','completed','failed','cancelled')) DEFAULT 'pending',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_newsletter_tasks_idem ON newsletter_tasks(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_newsletter_tasks_tenant_status ON newsletter_tasks(tenant_id, status);
CREATE TRIGGER IF NOT EXISTS trg_newsletter_tasks_touch
AFTER UPDATE OF status ON newsletter_tasks FOR EACH ROW
BEGIN
  UPDATE newsletter_tasks SET updated_at=CURRENT_TIMESTAMP WHERE id=NEW.id;
END;
CREATE TABLE IF NOT EXISTS sends (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  tenant_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  recipient TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'sent',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sends_tenant ON sends(tenant_id, seq);
CREATE TABLE IF NOT EXISTS send_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  send_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  occurred_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_send_events_send ON send_events(send_id, occurred_at, seq);
CREATE INDEX IF NOT EXISTS idx_send_events_tenant ON send_events(tenant_id, seq);
CREATE TABLE IF NOT EXISTS daily_stats (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id TEXT NOT NULL,
  day TEXT NOT NULL,
  event_type TEXT NOT NULL,
  count INTEGER NOT NULL DEFAULT 0,
  UNIQUE(tenant_id, day, event_type)
);
CREATE TABLE IF NOT EXISTS newsletter_schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  payload BLOB,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_newsletter_schedules_next_run ON newsletter_schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS schema_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Task lifecycle
	CreateTask(ctx context.Context, tenantID, idempotencyKey string, payload []byte) (domain.Task, error)
	Transition(ctx context.Context, id string, from, to domain.Status) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListByStatus(ctx context.Context, tenantID string, status domain.Status) ([]domain.Task, error)
	ListRecentTasks(ctx context.Context, tenantID string, limit int) ([]domain.Task, error)
	RecoverStale(ctx context.Context, cutoff time.Duration) (int, error)

	// Export collections
	CreateSend(ctx context.Context, s domain.Send) (domain.Send, error)
	RecordEvent(ctx context.Context, e domain.SendEvent) (domain.SendEvent, error)
	GetSend(ctx context.Context, id string) (domain.Send, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	ListSchedules(ctx context.Context, tenantID string) ([]domain.Schedule, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

// NewSQLiteRepo wraps an already-opened handle. The pool is owned by the
// caller and passed in explicitly; the repo never holds a hidden global.
func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskCols = "id,tenant_id,idempotency_key,payload,status,created_at,updated_at"

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var status string
	if err := row.Scan(&t.ID, &t.TenantID, &t.IdempotencyKey, &t.Payload, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	if !domain.ValidStatus(t.Status) {
		return domain.Task{}, fmt.Errorf("task %s: status %q outside current vocabulary", t.ID, status)
	}
	return t, nil
}

func (r *sqliteRepo) CreateTask(ctx context.Context, tenantID, idempotencyKey string, payload []byte) (domain.Task, error) {
	if existing, err := r.getByKey(ctx, idempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, err
	}

	id := "tsk_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO newsletter_tasks (id,tenant_id,idempotency_key,payload,status,created_at,updated_at)
VALUES (?,?,?,?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, tenantID, idempotencyKey, payload)
	if err != nil {
		// Lost a create race: the unique index rejected us, so the winner's
		// row must be readable now.
		if isUniqueViolation(err) {
			existing, selErr := r.getByKey(ctx, idempotencyKey)
			if selErr != nil {
				return domain.Task{}, fmt.Errorf("%w: %v", ErrConflict, selErr)
			}
			return existing, nil
		}
		return domain.Task{}, err
	}
	return r.Get(ctx, id)
}

func (r *sqliteRepo) getByKey(ctx context.Context, idempotencyKey string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+taskCols+" FROM newsletter_tasks WHERE idempotency_key = ?", idempotencyKey)
	return scanTask(row)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Transition applies from->to only if the task's status still equals from.
// The conditional UPDATE is the single point of atomicity: of two racing
// callers exactly one matches the WHERE clause.
func (r *sqliteRepo) Transition(ctx context.Context, id string, from, to domain.Status) (domain.Task, error) {
	if !domain.ValidStatus(from) || !domain.ValidStatus(to) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if !domain.CanTransition(from, to) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE newsletter_tasks SET status=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return domain.Task{}, getErr
		}
		return domain.Task{}, fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, from, current.Status)
	}
	return r.Get(ctx, id)
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+taskCols+" FROM newsletter_tasks WHERE id=?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, tenantID string, status domain.Status) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+taskCols+" FROM newsletter_tasks WHERE tenant_id=? AND status=? ORDER BY created_at ASC",
		tenantID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, tenantID string, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+taskCols+" FROM newsletter_tasks WHERE tenant_id=? ORDER BY created_at DESC LIMIT ?",
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecoverStale fails running tasks untouched for longer than cutoff.
// Workers that died mid-run leave rows in 'running' forever otherwise;
// running->failed is a legal edge, so recovery goes through it.
func (r *sqliteRepo) RecoverStale(ctx context.Context, cutoff time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE newsletter_tasks SET status='failed', updated_at=CURRENT_TIMESTAMP
WHERE status='running' AND strftime('%s','now') - strftime('%s',updated_at) > ?`,
		int(cutoff.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CreateSend(ctx context.Context, s domain.Send) (domain.Send, error) {
	id := s.ID
	if id == "" {
		id = "snd_" + uuid.NewString()
	}
	if s.Status == "" {
		s.Status = "sent"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sends (id,tenant_id,task_id,recipient,subject,status,created_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		id, s.TenantID, s.TaskID, s.Recipient, s.Subject, s.Status)
	if err != nil {
		return domain.Send{}, err
	}
	return r.GetSend(ctx, id)
}

func (r *sqliteRepo) GetSend(ctx context.Context, id string) (domain.Send, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT seq,id,tenant_id,task_id,recipient,subject,status,created_at FROM sends WHERE id=?`, id)
	var s domain.Send
	if err := row.Scan(&s.Seq, &s.ID, &s.TenantID, &s.TaskID, &s.Recipient, &s.Subject, &s.Status, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Send{}, fmt.Errorf("send %s: %w", id, ErrNotFound)
		}
		return domain.Send{}, err
	}
	return s, nil
}

// RecordEvent appends a lifecycle event and rolls it up into the daily
// stats counter. The stat row keeps its original seq on re-count, so its
// export position never moves.
func (r *sqliteRepo) RecordEvent(ctx context.Context, e domain.SendEvent) (domain.SendEvent, error) {
	id := e.ID
	if id == "" {
		id = "evt_" + uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SendEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO send_events (id,send_id,tenant_id,event_type,occurred_at,created_at)
VALUES (?,?,?,?,?,CURRENT_TIMESTAMP)`,
		id, e.SendID, e.TenantID, e.EventType, e.OccurredAt.UTC()); err != nil {
		return domain.SendEvent{}, err
	}
	day := e.OccurredAt.UTC().Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, `
INSERT INTO daily_stats (tenant_id,day,event_type,count) VALUES (?,?,?,1)
ON CONFLICT(tenant_id,day,event_type) DO UPDATE SET count=count+1`,
		e.TenantID, day, e.EventType); err != nil {
		return domain.SendEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SendEvent{}, err
	}

	row := r.db.QueryRowContext(ctx, `
SELECT seq,id,send_id,tenant_id,event_type,occurred_at,created_at FROM send_events WHERE id=?`, id)
	var out domain.SendEvent
	if err := row.Scan(&out.Seq, &out.ID, &out.SendID, &out.TenantID, &out.EventType, &out.OccurredAt, &out.CreatedAt); err != nil {
		return domain.SendEvent{}, err
	}
	return out, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO newsletter_schedules (id,tenant_id,name,cron_expr,payload,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, s.TenantID, s.Name, s.CronExpr, s.Payload, s.Enabled, s.LastRun, s.NextRun)
	return id, err
}

const scheduleCols = "id,tenant_id,name,cron_expr,payload,enabled,last_run,next_run,created_at,updated_at"

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.CronExpr, &s.Payload, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func (r *sqliteRepo) ListSchedules(ctx context.Context, tenantID string) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+scheduleCols+" FROM newsletter_schedules WHERE tenant_id=? ORDER BY name", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+scheduleCols+" FROM newsletter_schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run", now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE newsletter_schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun, nextRun, id)
	return err
}
