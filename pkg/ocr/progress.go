package ocr

import (
	"context"
	"fmt"
	"sync"

	"github.com/pario-ai/folio/pkg/models"
)

// ProgressKind tells what a Progress event reports.
type ProgressKind string

const (
	// ProgressStarted follows the cache lookup, before any page is dispatched.
	ProgressStarted ProgressKind = "started"
	// ProgressPage reports one dispatched page resolved, remotely or by fallback.
	ProgressPage ProgressKind = "page"
	// ProgressCompleted ends a batch that ran to completion.
	ProgressCompleted ProgressKind = "completed"
)

// Progress is one batch progress event. Done counts resolved pages, cache
// hits included, out of Total.
type Progress struct {
	Kind      ProgressKind
	BatchID   string
	Page      int
	Source    models.Source
	Attempts  int
	Err       string
	Done      int
	Total     int
	CacheHits int
	HitRate   float64
}

// Message renders the event as a one-line status.
func (p Progress) Message() string {
	switch p.Kind {
	case ProgressStarted:
		return fmt.Sprintf("Processing %d pages: %d from cache, %d need OCR", p.Total, p.CacheHits, p.Total-p.CacheHits)
	case ProgressPage:
		switch {
		case p.Source == models.SourceFallback:
			return fmt.Sprintf("Page %d: remote OCR failed after %d attempts, used local fallback", p.Page, p.Attempts)
		case p.Attempts > 1:
			return fmt.Sprintf("Page %d recovered after %d attempts", p.Page, p.Attempts)
		default:
			return fmt.Sprintf("Page %d done", p.Page)
		}
	case ProgressCompleted:
		return fmt.Sprintf("Completed %d pages, cache hit rate %.1f%%", p.Total, p.HitRate)
	}
	return string(p.Kind)
}

// ProgressFunc receives progress events. Calls are serialized.
type ProgressFunc func(Progress)

type progressKey struct{}

// WithProgress returns a context that makes ExtractText report progress to
// fn for that call only.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ProgressFrom returns the ProgressFunc registered on ctx, or nil.
func ProgressFrom(ctx context.Context) ProgressFunc {
	fn, _ := ctx.Value(progressKey{}).(ProgressFunc)
	return fn
}

// reporter stamps batch-wide fields on events and stops delivering once the
// call has returned.
type reporter struct {
	mu      sync.Mutex
	fn      ProgressFunc
	batchID string
	total   int
	done    int
}

func newReporter(fn ProgressFunc, batchID string, total int) *reporter {
	return &reporter{fn: fn, batchID: batchID, total: total}
}

func (r *reporter) emit(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fn == nil {
		return
	}
	switch p.Kind {
	case ProgressStarted:
		r.done = p.CacheHits
	case ProgressPage:
		r.done++
	}
	p.BatchID = r.batchID
	p.Total = r.total
	p.Done = r.done
	r.fn(p)
}

func (r *reporter) stop() {
	r.mu.Lock()
	r.fn = nil
	r.mu.Unlock()
}
