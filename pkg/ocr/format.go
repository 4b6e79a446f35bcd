package ocr

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/folio/pkg/models"
)

// JoinPages concatenates page texts under "--- Page N ---" headers, skipping
// pages with no text.
func JoinPages(pages []models.OcrResult) string {
	var b strings.Builder
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Page %d ---\n%s", p.Page, p.Text)
	}
	return b.String()
}

// summarize aggregates per-page results. CacheHitRate is a percentage.
func summarize(pages []models.OcrResult, misses int, degraded bool, elapsed time.Duration) models.BatchSummary {
	sum := models.BatchSummary{
		CacheMisses:   misses,
		CacheDegraded: degraded,
		Duration:      elapsed,
	}
	for _, p := range pages {
		switch p.Source {
		case models.SourceCache:
			sum.CacheHits++
			sum.SavedInputTokens += p.Usage.InputTokens
			sum.SavedOutputTokens += p.Usage.OutputTokens
		case models.SourceRemote:
			sum.RemotePages++
			sum.InputTokens += p.Usage.InputTokens
			sum.OutputTokens += p.Usage.OutputTokens
		case models.SourceFallback:
			sum.FallbackPages++
		}
		if p.Attempts > 1 {
			sum.Retries += p.Attempts - 1
		}
	}
	if len(pages) > 0 {
		sum.CacheHitRate = float64(sum.CacheHits) / float64(len(pages)) * 100
	}
	return sum
}

// Describe renders a one-line account of a batch.
func Describe(resp *models.ExtractResponse) string {
	s := resp.Summary
	var parts []string
	if s.RemotePages > 0 {
		parts = append(parts, plural(s.RemotePages, "page")+" with fresh OCR")
	}
	if s.CacheHits > 0 {
		parts = append(parts, plural(s.CacheHits, "page")+" from cache")
	}
	if s.FallbackPages > 0 {
		parts = append(parts, plural(s.FallbackPages, "page")+" with fallback extraction")
	}
	if len(parts) == 0 {
		parts = append(parts, "no pages resolved")
	}
	return fmt.Sprintf("Processed pages %d-%d: %s", resp.StartPage, resp.EndPage, strings.Join(parts, ", "))
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
