package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"mailflow/internal/domain"
	"mailflow/internal/store"
)

func newFixture(t *testing.T) (*sql.DB, store.Repository, *Service) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "export_test.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, store.NewSQLiteRepo(db), NewService(db)
}

func seedSends(t *testing.T, repo store.Repository, tenant string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		snd, err := repo.CreateSend(context.Background(), domain.Send{
			TenantID:  tenant,
			TaskID:    "tsk_seed",
			Recipient: fmt.Sprintf("r%d@example.com", i),
			Subject:   "weekly digest",
		})
		if err != nil {
			t.Fatalf("seed send %d: %v", i, err)
		}
		ids = append(ids, snd.ID)
	}
	return ids
}

func walk(t *testing.T, svc *Service, tenant string, col Collection, limit int) []string {
	t.Helper()
	var got []string
	cursor := ""
	for i := 0; i < 1000; i++ {
		page, err := svc.ExportPage(context.Background(), tenant, col, cursor, limit)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if len(page.Items) == 0 && !page.IsDone {
			t.Fatal("empty page without IsDone")
		}
		for _, item := range page.Items {
			got = append(got, item.(domain.Send).ID)
		}
		if page.IsDone {
			if page.NextCursor != "" {
				t.Fatal("IsDone page carries a cursor")
			}
			return got
		}
		if page.NextCursor == "" {
			t.Fatal("unfinished page without a cursor")
		}
		cursor = page.NextCursor
	}
	t.Fatal("walk did not terminate")
	return nil
}

func TestExportPageCompleteness(t *testing.T) {
	_, repo, svc := newFixture(t)
	const n = 7
	want := seedSends(t, repo, "acme", n)

	for limit := 1; limit <= n+5; limit++ {
		got := walk(t, svc, "acme", CollectionSends, limit)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("limit=%d walk = %v, want %v", limit, got, want)
		}
	}
}

func TestExportPageStableUnderGrowth(t *testing.T) {
	_, repo, svc := newFixture(t)
	original := seedSends(t, repo, "acme", 5)

	first, err := svc.ExportPage(context.Background(), "acme", CollectionSends, "", 3)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}

	// Concurrent inserts after the cursor was issued.
	grown := seedSends(t, repo, "acme", 4)

	var rest []string
	cursor := first.NextCursor
	for cursor != "" {
		page, err := svc.ExportPage(context.Background(), "acme", CollectionSends, cursor, 3)
		if err != nil {
			t.Fatalf("continue walk: %v", err)
		}
		for _, item := range page.Items {
			rest = append(rest, item.(domain.Send).ID)
		}
		cursor = page.NextCursor
	}

	seen := map[string]int{}
	for _, item := range first.Items {
		seen[item.(domain.Send).ID]++
	}
	for _, id := range rest {
		seen[id]++
	}
	for _, id := range original {
		if seen[id] != 1 {
			t.Fatalf("original record %s seen %d times in walk, want exactly 1", id, seen[id])
		}
	}
	for _, id := range grown {
		if seen[id] > 1 {
			t.Fatalf("new record %s duplicated in walk", id)
		}
	}
}

func TestExportPageTenantScoped(t *testing.T) {
	_, repo, svc := newFixture(t)
	seedSends(t, repo, "acme", 3)
	seedSends(t, repo, "globex", 2)

	got := walk(t, svc, "globex", CollectionSends, 10)
	if len(got) != 2 {
		t.Fatalf("globex walk returned %d sends, want 2", len(got))
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		requested float64
		present   bool
		want      int
	}{
		{0, false, DefaultPageSize},
		{0, true, 1},
		{-5, true, 1},
		{0.9, true, 1},
		{2.7, true, 2},
		{1, true, 1},
		{MaxPageSize, true, MaxPageSize},
		{999999, true, MaxPageSize},
	}
	for _, c := range cases {
		if got := ClampLimit(c.requested, c.present); got != c.want {
			t.Errorf("ClampLimit(%v, %v) = %d, want %d", c.requested, c.present, got, c.want)
		}
	}
}

func TestZeroLimitBehavesLikeOne(t *testing.T) {
	_, repo, svc := newFixture(t)
	seedSends(t, repo, "acme", 2)

	page, err := svc.ExportPage(context.Background(), "acme", CollectionSends, "", ClampLimit(0, true))
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("clamped-to-1 page has %d items, want 1", len(page.Items))
	}
	if page.IsDone {
		t.Fatal("page claims done with a record remaining")
	}
}

func TestCursorRejectedAcrossCollections(t *testing.T) {
	_, repo, svc := newFixture(t)
	seedSends(t, repo, "acme", 3)

	page, err := svc.ExportPage(context.Background(), "acme", CollectionSends, "", 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	_, err = svc.ExportPage(context.Background(), "acme", CollectionEvents, page.NextCursor, 1)
	if !errors.Is(err, ErrBadCursor) {
		t.Fatalf("cross-collection cursor err = %v, want ErrBadCursor", err)
	}
}

func TestMalformedCursorRejected(t *testing.T) {
	_, _, svc := newFixture(t)
	for _, cursor := range []string{"not base64 ???", "AAAA", "djE6c2VuZHM"} {
		if _, err := svc.ExportPage(context.Background(), "acme", CollectionSends, cursor, 1); !errors.Is(err, ErrBadCursor) {
			t.Errorf("cursor %q err = %v, want ErrBadCursor", cursor, err)
		}
	}
}

func TestTrajectoryOrdering(t *testing.T) {
	_, repo, svc := newFixture(t)
	ctx := context.Background()

	snd, err := repo.CreateSend(ctx, domain.Send{TenantID: "acme", TaskID: "tsk_x", Recipient: "a@example.com"})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	t3, t1, t2 := base.Add(3*time.Minute), base.Add(1*time.Minute), base.Add(2*time.Minute)
	// Out-of-order arrival: T3 first, then T1, then T2.
	for _, e := range []struct {
		typ string
		at  time.Time
	}{
		{"clicked", t3},
		{"sent", t1},
		{"delivered", t2},
	} {
		if _, err := repo.RecordEvent(ctx, domain.SendEvent{
			SendID: snd.ID, TenantID: "acme", EventType: e.typ, OccurredAt: e.at,
		}); err != nil {
			t.Fatalf("record %s: %v", e.typ, err)
		}
	}

	events, err := svc.Trajectory(ctx, snd.ID)
	if err != nil {
		t.Fatalf("trajectory: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{"sent", "delivered", "clicked"}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("trajectory order = %v, want %v", types, want)
	}
}

func TestTrajectoryTieBreakIsInsertionOrder(t *testing.T) {
	_, repo, svc := newFixture(t)
	ctx := context.Background()

	snd, err := repo.CreateSend(ctx, domain.Send{TenantID: "acme", TaskID: "tsk_x", Recipient: "a@example.com"})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for _, typ := range []string{"delivered", "opened", "clicked"} {
		if _, err := repo.RecordEvent(ctx, domain.SendEvent{
			SendID: snd.ID, TenantID: "acme", EventType: typ, OccurredAt: at,
		}); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	for run := 0; run < 3; run++ {
		events, err := svc.Trajectory(ctx, snd.ID)
		if err != nil {
			t.Fatalf("trajectory: %v", err)
		}
		var types []string
		for _, e := range events {
			types = append(types, e.EventType)
		}
		want := []string{"delivered", "opened", "clicked"}
		if !reflect.DeepEqual(types, want) {
			t.Fatalf("run %d tie-break order = %v, want %v", run, types, want)
		}
	}
}

func TestTrajectoryUnknownSendIsEmpty(t *testing.T) {
	_, _, svc := newFixture(t)
	events, err := svc.Trajectory(context.Background(), "snd_missing")
	if err != nil {
		t.Fatalf("trajectory: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unknown send returned %d events, want 0", len(events))
	}
}

func TestStatsExportPositionStableOnUpdate(t *testing.T) {
	_, repo, svc := newFixture(t)
	ctx := context.Background()

	snd, err := repo.CreateSend(ctx, domain.Send{TenantID: "acme", TaskID: "tsk_x", Recipient: "a@example.com"})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}
	d1 := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{d1, d2} {
		if _, err := repo.RecordEvent(ctx, domain.SendEvent{
			SendID: snd.ID, TenantID: "acme", EventType: "opened", OccurredAt: at,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	before, err := svc.ExportPage(ctx, "acme", CollectionStats, "", 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}

	// Increment the older day's counter; its export position must hold.
	if _, err := repo.RecordEvent(ctx, domain.SendEvent{
		SendID: snd.ID, TenantID: "acme", EventType: "opened", OccurredAt: d1,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	after, err := svc.ExportPage(ctx, "acme", CollectionStats, "", 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}

	if len(before.Items) != len(after.Items) {
		t.Fatalf("stat row count changed on update: %d -> %d", len(before.Items), len(after.Items))
	}
	for i := range before.Items {
		b := before.Items[i].(domain.StatRecord)
		a := after.Items[i].(domain.StatRecord)
		if b.Seq != a.Seq || b.Day != a.Day {
			t.Fatalf("stat row %d moved: %+v -> %+v", i, b, a)
		}
	}
}
