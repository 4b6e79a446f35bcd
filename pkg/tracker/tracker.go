package tracker

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/folio/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "folio_ledger_migrations"

// Tracker records one usage row per extraction batch and aggregates them.
type Tracker interface {
	// Record stores a batch record.
	Record(ctx context.Context, rec models.RunRecord) error
	// Recent returns the newest records, optionally filtered by document.
	Recent(ctx context.Context, documentID string, limit int) ([]models.RunRecord, error)
	// Summary returns usage grouped by model, optionally filtered by document.
	Summary(ctx context.Context, documentID string) ([]models.UsageSummary, error)
	// TokensSince returns input plus output tokens spent since a given time,
	// optionally limited to one model.
	TokensSince(ctx context.Context, model string, since time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the ledger database at dbPath and applies migrations. The file
// may be shared with the sqlite cache; each keeps its own migration table.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteTracker{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load tracker migrations: %w", err)
	}
	store, err := database.NewStore(database.DialectSQLite3, migrationTable)
	if err != nil {
		return fmt.Errorf("create migration store: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectCustom, db, fsys, goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate tracker db: %w", err)
	}
	return nil
}

// Record stores a batch record. A zero CreatedAt is stamped with the current time.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO ocr_runs (batch_id, document_id, model, start_page, end_page, cache_hits, cache_misses,
			remote_pages, fallback_pages, retries, input_tokens, output_tokens, duration_ms, cancelled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, rec.DocumentID, rec.Model, rec.StartPage, rec.EndPage, rec.CacheHits, rec.CacheMisses,
		rec.RemotePages, rec.FallbackPages, rec.Retries, rec.InputTokens, rec.OutputTokens, rec.DurationMs,
		rec.Cancelled, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (t *SQLiteTracker) Recent(ctx context.Context, documentID string, limit int) ([]models.RunRecord, error) {
	query := `SELECT id, batch_id, document_id, model, start_page, end_page, cache_hits, cache_misses,
			remote_pages, fallback_pages, retries, input_tokens, output_tokens, duration_ms, cancelled, created_at
		 FROM ocr_runs`
	var args []any
	if documentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, max(limit, 1))

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var records []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		if err := rows.Scan(&r.ID, &r.BatchID, &r.DocumentID, &r.Model, &r.StartPage, &r.EndPage, &r.CacheHits, &r.CacheMisses,
			&r.RemotePages, &r.FallbackPages, &r.Retries, &r.InputTokens, &r.OutputTokens, &r.DurationMs,
			&r.Cancelled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns aggregated usage grouped by model.
func (t *SQLiteTracker) Summary(ctx context.Context, documentID string) ([]models.UsageSummary, error) {
	query := `SELECT model, COUNT(*), SUM(end_page - start_page + 1), SUM(cache_hits), SUM(fallback_pages),
			SUM(input_tokens), SUM(output_tokens)
		 FROM ocr_runs`
	var args []any
	if documentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, documentID)
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Model, &s.Runs, &s.Pages, &s.CacheHits, &s.FallbackPages, &s.InputTokens, &s.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// TokensSince returns tokens spent on remote calls since a given time,
// cancelled batches included. An empty model sums every model.
func (t *SQLiteTracker) TokensSince(ctx context.Context, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM ocr_runs WHERE created_at >= ?`
	args := []any{since.UTC()}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("tokens since: %w", err)
	}
	return total, nil
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
