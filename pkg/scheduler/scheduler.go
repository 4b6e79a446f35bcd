// Package scheduler fans page jobs out under a concurrency bound and merges
// their results back into input order.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/pario-ai/folio/pkg/models"
)

// ErrCancelled is returned when the batch context ended before every job was
// dispatched.
var ErrCancelled = errors.New("batch cancelled")

// WorkFunc resolves one job. It must always produce a result; failures are
// expressed in the result, never by aborting sibling jobs.
type WorkFunc func(ctx context.Context, job models.PageJob) models.OcrResult

// Run executes work for every job with at most limit jobs in flight. Result i
// belongs to jobs[i] regardless of completion order.
//
// Once ctx is done no further job is started. Jobs already running continue
// on a context detached from ctx's cancellation so their results, including
// cache writes, are not lost. Run then returns the results of dispatched jobs
// (undispatched slots keep their page number and an empty Source) together
// with an error wrapping ErrCancelled and ctx.Err().
func Run(ctx context.Context, jobs []models.PageJob, limit int, work WorkFunc) ([]models.OcrResult, error) {
	limit = max(limit, 1)
	results := make([]models.OcrResult, len(jobs))
	for i, job := range jobs {
		results[i].Page = job.Page
	}

	detached := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(limit))
	var wg conc.WaitGroup
	var stopErr error

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			stopErr = err
			break
		}
		// Acquire may succeed on an already-cancelled context.
		if err := ctx.Err(); err != nil {
			sem.Release(1)
			stopErr = err
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			results[i] = work(detached, job)
		})
	}
	wg.Wait()

	if stopErr != nil {
		return results, fmt.Errorf("%w: %w", ErrCancelled, stopErr)
	}
	return results, nil
}
