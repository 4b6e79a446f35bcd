// Package ocr orchestrates cached, concurrent page extraction: cache lookup,
// up-front rendering of misses, bounded remote calls with retries, local
// fallback, and write-back of fresh results.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/pario-ai/folio/pkg/cache"
	"github.com/pario-ai/folio/pkg/fallback"
	"github.com/pario-ai/folio/pkg/keys"
	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/provider"
	"github.com/pario-ai/folio/pkg/render"
	"github.com/pario-ai/folio/pkg/retry"
	"github.com/pario-ai/folio/pkg/scheduler"
)

// ErrInvalidRange is returned for a page range that does not fit the document.
var ErrInvalidRange = errors.New("invalid page range")

// Recorder receives one usage record per completed batch.
type Recorder interface {
	Record(ctx context.Context, rec models.RunRecord) error
}

// Budget gates remote spend before a batch with cache misses is dispatched.
type Budget interface {
	Check(ctx context.Context, model string) error
}

// Options tunes a Service.
type Options struct {
	Concurrency int
	Retry       retry.Policy
	Params      models.ExtractParams
	Logger      zerolog.Logger
	Recorder    Recorder
	Budget      Budget
}

// Service resolves page ranges to text.
type Service struct {
	store    cache.Store
	renderer render.Renderer
	remote   provider.Client
	local    fallback.Extractor
	recorder Recorder
	budget   Budget
	limit    int
	policy   retry.Policy
	params   models.ExtractParams
	log      zerolog.Logger
	now      func() time.Time
}

// New wires a Service. A nil Classify in opts.Retry defaults to
// provider.IsTransient.
func New(store cache.Store, renderer render.Renderer, remote provider.Client, local fallback.Extractor, opts Options) *Service {
	policy := opts.Retry
	if policy.Classify == nil {
		policy.Classify = provider.IsTransient
	}
	return &Service{
		store:    store,
		renderer: renderer,
		remote:   remote,
		local:    local,
		recorder: opts.Recorder,
		budget:   opts.Budget,
		limit:    max(opts.Concurrency, 1),
		policy:   policy,
		params:   opts.Params,
		log:      opts.Logger,
		now:      time.Now,
	}
}

// DefaultParams returns the configured request parameters.
func (s *Service) DefaultParams() models.ExtractParams {
	return s.params
}

// ExtractText resolves pages startPage..endPage (1-based, inclusive) of doc.
// Request problems (bad range, unreadable document, render failure) are
// returned before any remote call is made. Per-page remote failures never
// fail the request; those pages are resolved by the local fallback.
//
// If ctx is cancelled mid-batch, pages already dispatched still complete and
// are cached, the partial batch is recorded as cancelled, and the error wraps
// scheduler.ErrCancelled.
//
// A ProgressFunc attached with WithProgress receives a started event after the
// cache lookup, one page event per dispatched page, and a completed event.
func (s *Service) ExtractText(ctx context.Context, doc models.Document, startPage, endPage int, params models.ExtractParams) (*models.ExtractResponse, error) {
	started := s.now()
	batchID := uuid.NewString()
	if doc.ID == "" {
		doc.ID = doc.Path
	}
	log := s.log.With().Str("batch_id", batchID).Str("document", doc.ID).Logger()

	if startPage < 1 || endPage < startPage {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, startPage, endPage)
	}
	fingerprint, err := keys.Resolve(doc)
	if err != nil {
		return nil, fmt.Errorf("fingerprint document: %w", err)
	}
	doc.Fingerprint = fingerprint

	pageCount, err := s.renderer.PageCount(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	if endPage > pageCount {
		return nil, fmt.Errorf("%w: %d-%d, document has %d pages", ErrInvalidRange, startPage, endPage, pageCount)
	}

	n := endPage - startPage + 1
	results := make([]models.OcrResult, n)
	pageKeys := make([]string, n)
	for i := range n {
		pageKeys[i] = keys.Derive(fingerprint, startPage+i, params)
	}

	misses, degraded := s.lookup(ctx, log, pageKeys, startPage, results)
	progress := newReporter(ProgressFrom(ctx), batchID, n)
	defer progress.stop()

	if len(misses) > 0 {
		if s.budget != nil {
			if err := s.budget.Check(ctx, params.Model); err != nil {
				log.Warn().Err(err).Int("misses", len(misses)).Msg("batch rejected by budget")
				return nil, err
			}
		}
		if err := s.renderAll(ctx, doc, params, misses); err != nil {
			return nil, err
		}
		log.Debug().Int("pages", len(misses)).Int("concurrency", s.limit).Msg("dispatching cache misses")
	}
	progress.emit(Progress{Kind: ProgressStarted, CacheHits: n - len(misses)})

	resolved, runErr := scheduler.Run(ctx, misses, s.limit, func(ctx context.Context, job models.PageJob) models.OcrResult {
		return s.resolvePage(ctx, log, progress, doc, job, params)
	})
	for i, r := range resolved {
		results[misses[i].Index] = r
	}

	resp := &models.ExtractResponse{
		BatchID:    batchID,
		DocumentID: doc.ID,
		StartPage:  startPage,
		EndPage:    endPage,
		Pages:      results,
		FullText:   JoinPages(results),
	}
	resp.Summary = summarize(results, len(misses), degraded, s.now().Sub(started))

	log.Info().
		Int("cache_hits", resp.Summary.CacheHits).
		Int("remote", resp.Summary.RemotePages).
		Int("fallback", resp.Summary.FallbackPages).
		Int("retries", resp.Summary.Retries).
		Dur("duration", resp.Summary.Duration).
		Msg(Describe(resp))

	if runErr != nil {
		log.Warn().Err(runErr).Msg("batch cancelled before every page was dispatched")
		s.record(context.WithoutCancel(ctx), log, resp, params.Model, true)
		return resp, runErr
	}

	s.record(ctx, log, resp, params.Model, false)
	progress.emit(Progress{Kind: ProgressCompleted, CacheHits: resp.Summary.CacheHits, HitRate: resp.Summary.CacheHitRate})
	return resp, nil
}

// lookup fills results with cache hits and returns a job per miss. A storage
// failure degrades the whole batch to misses.
func (s *Service) lookup(ctx context.Context, log zerolog.Logger, pageKeys []string, startPage int, results []models.OcrResult) ([]models.PageJob, bool) {
	var misses []models.PageJob
	for i, key := range pageKeys {
		page := startPage + i
		entry, ok, err := s.store.Get(ctx, key)
		if err != nil {
			log.Error().Err(err).Int("page", page).Msg("cache unavailable, treating every page as a miss")
			return allMisses(pageKeys, startPage), true
		}
		if ok {
			results[i] = models.OcrResult{
				Page:   page,
				Text:   entry.Text,
				Usage:  entry.Usage(),
				Source: models.SourceCache,
			}
			continue
		}
		misses = append(misses, models.PageJob{Index: i, Page: page, Key: key})
	}
	return misses, false
}

func allMisses(pageKeys []string, startPage int) []models.PageJob {
	jobs := make([]models.PageJob, len(pageKeys))
	for i, key := range pageKeys {
		jobs[i] = models.PageJob{Index: i, Page: startPage + i, Key: key}
	}
	return jobs
}

// renderAll rasterises every miss before any remote call. The first failure
// cancels the remaining renders and fails the request.
func (s *Service) renderAll(ctx context.Context, doc models.Document, params models.ExtractParams, jobs []models.PageJob) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError().WithMaxGoroutines(s.limit)
	for i := range jobs {
		p.Go(func(ctx context.Context) error {
			img, err := s.renderer.Render(ctx, doc, jobs[i].Page, params)
			if err != nil {
				return err
			}
			jobs[i].Image = img
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("render pages: %w", err)
	}
	return nil
}

// resolvePage runs the remote path with retries and falls back locally when
// it fails. Only remote results are written to the cache.
func (s *Service) resolvePage(ctx context.Context, log zerolog.Logger, progress *reporter, doc models.Document, job models.PageJob, params models.ExtractParams) models.OcrResult {
	result := s.extractPage(ctx, log, doc, job, params)
	progress.emit(Progress{
		Kind:     ProgressPage,
		Page:     result.Page,
		Source:   result.Source,
		Attempts: result.Attempts,
		Err:      result.Error,
	})
	return result
}

func (s *Service) extractPage(ctx context.Context, log zerolog.Logger, doc models.Document, job models.PageJob, params models.ExtractParams) models.OcrResult {
	ex, attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context) (provider.Extraction, error) {
		return s.remote.Extract(ctx, job.Image, params)
	})
	if err == nil {
		entry := models.CacheEntry{
			Key:          job.Key,
			Text:         ex.Text,
			InputTokens:  ex.Usage.InputTokens,
			OutputTokens: ex.Usage.OutputTokens,
			DocumentID:   doc.ID,
			Page:         job.Page,
		}
		if err := s.store.Put(ctx, entry); err != nil {
			log.Error().Err(err).Int("page", job.Page).Msg("cache write failed")
		}
		return models.OcrResult{
			Page:     job.Page,
			Text:     ex.Text,
			Usage:    ex.Usage,
			Source:   models.SourceRemote,
			Attempts: attempts,
		}
	}

	log.Warn().Err(err).Int("page", job.Page).Int("attempts", attempts).Msg("remote ocr failed, using local fallback")
	result := models.OcrResult{
		Page:     job.Page,
		Source:   models.SourceFallback,
		Attempts: attempts,
		Error:    err.Error(),
	}
	text, ferr := s.local.ExtractLocal(ctx, doc, job.Page)
	if ferr != nil {
		log.Error().Err(ferr).Int("page", job.Page).Msg("local fallback failed")
		result.Error = errors.Join(err, ferr).Error()
	}
	result.Text = text
	return result
}

func (s *Service) record(ctx context.Context, log zerolog.Logger, resp *models.ExtractResponse, model string, cancelled bool) {
	if s.recorder == nil {
		return
	}
	sum := resp.Summary
	rec := models.RunRecord{
		BatchID:       resp.BatchID,
		DocumentID:    resp.DocumentID,
		Model:         model,
		StartPage:     resp.StartPage,
		EndPage:       resp.EndPage,
		CacheHits:     sum.CacheHits,
		CacheMisses:   sum.CacheMisses,
		RemotePages:   sum.RemotePages,
		FallbackPages: sum.FallbackPages,
		Retries:       sum.Retries,
		InputTokens:   sum.InputTokens,
		OutputTokens:  sum.OutputTokens,
		DurationMs:    sum.Duration.Milliseconds(),
		Cancelled:     cancelled,
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("usage record failed")
	}
}

// PurgeCache deletes entries older than retention and returns the count.
func (s *Service) PurgeCache(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}
	n, err := s.store.PurgeOlderThan(ctx, retention)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("deleted", n).Dur("retention", retention).Msg("cache purged")
	return n, nil
}

// CacheStats reports the cache contents.
func (s *Service) CacheStats(ctx context.Context) (models.CacheStats, error) {
	return s.store.Stats(ctx)
}

// ClearCache deletes every cache entry.
func (s *Service) ClearCache(ctx context.Context) (int64, error) {
	return s.store.Clear(ctx)
}
