// Package export serves bounded, cursor-stable pages over the
// append-mostly analytics collections (sends, events, daily stats) and
// resolves per-send event trajectories. Pages walk the monotonic seq
// key, so concurrent inserts and in-place updates never shift already
// issued cursors.
package export

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mailflow/internal/domain"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

var ErrBadCursor = errors.New("malformed or mismatched cursor")

type Collection string

const (
	CollectionSends  Collection = "sends"
	CollectionEvents Collection = "events"
	CollectionStats  Collection = "stats"
)

func ValidCollection(c Collection) bool {
	switch c {
	case CollectionSends, CollectionEvents, CollectionStats:
		return true
	}
	return false
}

// Page is one bounded slice of a collection walk. NextCursor is empty
// exactly when IsDone is true.
type Page struct {
	Items      []any  `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	IsDone     bool   `json:"is_done"`
}

type Service struct{ db *sql.DB }

func NewService(db *sql.DB) *Service { return &Service{db: db} }

// ClampLimit normalizes a requested page size. Fractional values round
// down, anything below 1 becomes 1, anything above MaxPageSize becomes
// MaxPageSize. Absent (present=false) means DefaultPageSize. Malformed
// limits are never an error; the page contract stays total.
func ClampLimit(requested float64, present bool) int {
	if !present {
		return DefaultPageSize
	}
	n := int(math.Floor(requested))
	if n < 1 {
		n = 1
	}
	if n > MaxPageSize {
		n = MaxPageSize
	}
	return n
}

// encodeCursor builds the opaque resume token: the collection name plus
// the last seq handed out. Callers must not peek inside.
func encodeCursor(col Collection, lastSeq int64) string {
	raw := fmt.Sprintf("v1:%s:%d", col, lastSeq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(col Collection, cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || parts[0] != "v1" {
		return 0, ErrBadCursor
	}
	if Collection(parts[1]) != col {
		return 0, fmt.Errorf("%w: cursor issued for %q", ErrBadCursor, parts[1])
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrBadCursor
	}
	return seq, nil
}

// ExportPage walks col for one tenant starting after the cursor's resume
// point. It reads limit+1 rows to decide IsDone without a second query.
func (s *Service) ExportPage(ctx context.Context, tenantID string, col Collection, cursor string, limit int) (Page, error) {
	if !ValidCollection(col) {
		return Page{}, fmt.Errorf("unknown export collection %q", col)
	}
	after, err := decodeCursor(col, cursor)
	if err != nil {
		return Page{}, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	items, lastSeq, err := s.readPage(ctx, tenantID, col, after, limit+1)
	if err != nil {
		return Page{}, err
	}

	page := Page{IsDone: true, Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.IsDone = false
		page.NextCursor = encodeCursor(col, lastSeq[limit-1])
	}
	if page.Items == nil {
		page.Items = []any{}
	}
	return page, nil
}

func (s *Service) readPage(ctx context.Context, tenantID string, col Collection, after int64, fetch int) ([]any, []int64, error) {
	switch col {
	case CollectionSends:
		return s.readSends(ctx, tenantID, after, fetch)
	case CollectionEvents:
		return s.readEvents(ctx, tenantID, after, fetch)
	default:
		return s.readStats(ctx, tenantID, after, fetch)
	}
}

func (s *Service) readSends(ctx context.Context, tenantID string, after int64, fetch int) ([]any, []int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,id,tenant_id,task_id,recipient,subject,status,created_at
FROM sends WHERE tenant_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		tenantID, after, fetch)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []any
	var seqs []int64
	for rows.Next() {
		var v domain.Send
		if err := rows.Scan(&v.Seq, &v.ID, &v.TenantID, &v.TaskID, &v.Recipient, &v.Subject, &v.Status, &v.CreatedAt); err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		seqs = append(seqs, v.Seq)
	}
	return items, seqs, rows.Err()
}

func (s *Service) readEvents(ctx context.Context, tenantID string, after int64, fetch int) ([]any, []int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,id,send_id,tenant_id,event_type,occurred_at,created_at
FROM send_events WHERE tenant_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		tenantID, after, fetch)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []any
	var seqs []int64
	for rows.Next() {
		var v domain.SendEvent
		if err := rows.Scan(&v.Seq, &v.ID, &v.SendID, &v.TenantID, &v.EventType, &v.OccurredAt, &v.CreatedAt); err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		seqs = append(seqs, v.Seq)
	}
	return items, seqs, rows.Err()
}

func (s *Service) readStats(ctx context.Context, tenantID string, after int64, fetch int) ([]any, []int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,tenant_id,day,event_type,count
FROM daily_stats WHERE tenant_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		tenantID, after, fetch)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []any
	var seqs []int64
	for rows.Next() {
		var v domain.StatRecord
		if err := rows.Scan(&v.Seq, &v.TenantID, &v.Day, &v.EventType, &v.Count); err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		seqs = append(seqs, v.Seq)
	}
	return items, seqs, rows.Err()
}

// Trajectory returns the full ordered event history of one send, sorted
// by occurred_at with insertion order breaking ties. Unknown sends get
// an empty history, not an error.
func (s *Service) Trajectory(ctx context.Context, sendID string) ([]domain.SendEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,id,send_id,tenant_id,event_type,occurred_at,created_at
FROM send_events WHERE send_id=? ORDER BY occurred_at ASC, seq ASC`, sendID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.SendEvent{}
	for rows.Next() {
		var v domain.SendEvent
		if err := rows.Scan(&v.Seq, &v.ID, &v.SendID, &v.TenantID, &v.EventType, &v.OccurredAt, &v.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, v)
	}
	return events, rows.Err()
}
