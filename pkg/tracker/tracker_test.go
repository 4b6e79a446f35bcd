package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/folio/pkg/cache/sqlite"
	"github.com/pario-ai/folio/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func run(batch, doc, model string, start, end int, at time.Time) models.RunRecord {
	pages := end - start + 1
	return models.RunRecord{
		BatchID: batch, DocumentID: doc, Model: model,
		StartPage: start, EndPage: end,
		CacheHits: 1, CacheMisses: pages - 1, RemotePages: pages - 1,
		InputTokens: 1000 * (pages - 1), OutputTokens: 100 * (pages - 1),
		DurationMs: 1200, CreatedAt: at,
	}
}

func TestRecordAndRecent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := tr.Record(ctx, run("b1", "a.pdf", "vision-1", 1, 3, now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	rec := run("b2", "a.pdf", "vision-1", 4, 6, now)
	rec.Retries = 2
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].BatchID != "b2" {
		t.Errorf("expected newest first, got %s", records[0].BatchID)
	}
	if records[0].Retries != 2 {
		t.Errorf("expected 2 retries, got %d", records[0].Retries)
	}
	if records[0].InputTokens != 2000 {
		t.Errorf("expected 2000 input tokens, got %d", records[0].InputTokens)
	}

	limited, err := tr.Recent(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestRecentByDocument(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, run("b1", "a.pdf", "vision-1", 1, 2, now))
	_ = tr.Record(ctx, run("b2", "b.pdf", "vision-1", 1, 2, now))

	records, err := tr.Recent(ctx, "b.pdf", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].DocumentID != "b.pdf" {
		t.Errorf("expected only b.pdf, got %+v", records)
	}
}

func TestRecordStampsCreatedAt(t *testing.T) {
	tr := newTestTracker(t)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	if err := tr.Record(context.Background(), run("b1", "a.pdf", "vision-1", 1, 1, time.Time{})); err != nil {
		t.Fatal(err)
	}
	records, err := tr.Recent(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !records[0].CreatedAt.Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, records[0].CreatedAt)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, run("b1", "a.pdf", "vision-1", 1, 3, now))
	_ = tr.Record(ctx, run("b2", "a.pdf", "vision-1", 4, 5, now))
	_ = tr.Record(ctx, run("b3", "b.pdf", "vision-2", 1, 4, now))

	summaries, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Model != "vision-1" || s.Runs != 2 || s.Pages != 5 || s.CacheHits != 2 {
		t.Errorf("unexpected vision-1 summary: %+v", s)
	}
	if s.InputTokens != 3000 || s.OutputTokens != 300 {
		t.Errorf("unexpected vision-1 tokens: %+v", s)
	}

	filtered, err := tr.Summary(ctx, "b.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Model != "vision-2" {
		t.Errorf("expected only vision-2, got %+v", filtered)
	}
}

func TestTokensSince(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, run("old", "a.pdf", "vision-1", 1, 3, now.Add(-48*time.Hour)))
	_ = tr.Record(ctx, run("new", "a.pdf", "vision-1", 1, 3, now))
	_ = tr.Record(ctx, run("other", "a.pdf", "vision-2", 1, 2, now))

	total, err := tr.TokensSince(ctx, "", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 3300 {
		t.Errorf("expected 3300, got %d", total)
	}

	byModel, err := tr.TokensSince(ctx, "vision-2", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if byModel != 1100 {
		t.Errorf("expected 1100 for vision-2, got %d", byModel)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	rec := run("b1", "a.pdf", "vision-1", 1, 2, time.Now().UTC())
	rec.Retries = 3
	if err := tr.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	_ = tr.Close()

	tr, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr.Close()

	var version int64
	if err := tr.db.QueryRow(`SELECT MAX(version_id) FROM ` + migrationTable).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("expected ledger schema version 1, got %d", version)
	}
	records, err := tr.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Retries != 3 {
		t.Errorf("expected the record to survive reopen, got %+v", records)
	}
}

func TestSharesFileWithCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "folio.db")
	c, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	tr, err := New(dbPath)
	if err != nil {
		t.Fatalf("tracker on a cache file: %v", err)
	}
	defer tr.Close()

	if err := tr.Record(context.Background(), run("b1", "a.pdf", "vision-1", 1, 1, time.Time{})); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stats(context.Background()); err != nil {
		t.Errorf("cache schema missing after tracker migration: %v", err)
	}
}

func TestRecordCancelled(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := run("b1", "a.pdf", "vision-1", 1, 3, now)
	rec.Cancelled = true
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.Recent(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !records[0].Cancelled {
		t.Error("expected cancelled flag to round-trip")
	}
	total, err := tr.TokensSince(ctx, "vision-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2200 {
		t.Errorf("cancelled batch tokens must count, got %d", total)
	}
}
