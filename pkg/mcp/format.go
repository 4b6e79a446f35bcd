package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
)

// formatExtract renders an extraction as a summary header followed by the
// page text.
func formatExtract(resp *models.ExtractResponse, withPages bool) string {
	s := resp.Summary
	var b strings.Builder
	b.WriteString(ocr.Describe(resp))
	fmt.Fprintf(&b, "\nTokens: %d input, %d output (saved %d via cache). Cache hit rate: %.1f%%.",
		s.InputTokens, s.OutputTokens, s.SavedInputTokens+s.SavedOutputTokens, s.CacheHitRate)
	if s.CacheDegraded {
		b.WriteString("\nWarning: cache unavailable, every page was sent to the OCR model.")
	}
	if withPages {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "%6s  %-9s %8s %10s %10s  %s\n", "Page", "Source", "Attempts", "Input", "Output", "Error")
		b.WriteString(strings.Repeat("-", 64) + "\n")
		for _, p := range resp.Pages {
			fmt.Fprintf(&b, "%6d  %-9s %8d %10d %10d  %s\n",
				p.Page, p.Source, p.Attempts, p.Usage.InputTokens, p.Usage.OutputTokens, p.Error)
		}
	}
	if resp.FullText != "" {
		b.WriteString("\n\n")
		b.WriteString(resp.FullText)
	}
	return b.String()
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %6s %7s %8s %9s %12s %12s\n",
		"Model", "Runs", "Pages", "Cached", "Fallback", "Input", "Output")
	b.WriteString(strings.Repeat("-", 85) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-25s %6d %7d %8d %9d %12d %12d\n",
			r.Model, r.Runs, r.Pages, r.CacheHits, r.FallbackPages, r.InputTokens, r.OutputTokens)
	}
	return b.String()
}

// formatRuns formats recent ledger rows as a text table.
func formatRuns(runs []models.RunRecord) string {
	if len(runs) == 0 {
		return "No recent runs."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-24s %9s %6s %6s %8s %10s\n",
		"Time", "Document", "Pages", "Hits", "Remote", "Fallback", "Tokens")
	b.WriteString(strings.Repeat("-", 89) + "\n")
	for _, r := range runs {
		doc := r.DocumentID
		if len(doc) > 24 {
			doc = "..." + doc[len(doc)-21:]
		}
		fmt.Fprintf(&b, "%-20s %-24s %9s %6d %6d %8d %10d\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), doc,
			fmt.Sprintf("%d-%d", r.StartPage, r.EndPage),
			r.CacheHits, r.RemotePages, r.FallbackPages, r.InputTokens+r.OutputTokens)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics (%s)\n"+
		"  Entries:       %d\n"+
		"  Last 7 days:   %d\n"+
		"  Tokens saved:  %s\n"+
		"  Size:          %s\n"+
		"  Hits:          %d\n"+
		"  Misses:        %d\n"+
		"  Hit Rate:      %.1f%%\n",
		stats.Backend, stats.Entries, stats.RecentEntries, humanize.Comma(stats.TokensSaved),
		humanize.Bytes(uint64(max(stats.SizeBytes, 0))), stats.Hits, stats.Misses, hitRate)
}

// formatBudgets formats budget statuses as a text table.
func formatBudgets(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budgets configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-8s %14s %14s %14s\n", "Model", "Period", "Cap", "Used", "Remaining")
	b.WriteString(strings.Repeat("-", 79) + "\n")
	for _, st := range statuses {
		model := st.Policy.Model
		if model == "" {
			model = "(all)"
		}
		fmt.Fprintf(&b, "%-25s %-8s %14s %14s %14s\n", model, st.Policy.Period,
			humanize.Comma(st.Policy.MaxTokens), humanize.Comma(st.Used), humanize.Comma(st.Remaining))
	}
	return b.String()
}

func formatRetention(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
