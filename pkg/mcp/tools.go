package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pario-ai/folio/pkg/budget"
	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
	"github.com/pario-ai/folio/pkg/render"
)

type extractArgs struct {
	Path         string `json:"path"`
	DocumentID   string `json:"document_id"`
	StartPage    int    `json:"start_page"`
	EndPage      int    `json:"end_page"`
	Model        string `json:"model"`
	IncludePages bool   `json:"include_pages"`
}

type purgeArgs struct {
	RetentionDays float64 `json:"retention_days"`
}

type usageArgs struct {
	DocumentID string `json:"document_id"`
	Recent     int    `json:"recent"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"folio_extract_text": handleExtractText,
	"folio_purge_cache":  handlePurgeCache,
	"folio_cache_stats":  handleCacheStats,
	"folio_usage":        handleUsage,
	"folio_budget":       handleBudget,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "folio_extract_text",
		Description: "Extract text from a page range of a PDF. Cached pages are returned without calling the OCR model.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path", "start_page", "end_page"},
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the PDF on the server's filesystem",
				},
				"document_id": map[string]any{
					"type":        "string",
					"description": "Stable document identifier (optional, defaults to the path)",
				},
				"start_page": map[string]any{
					"type":        "integer",
					"description": "First page, 1-based",
				},
				"end_page": map[string]any{
					"type":        "integer",
					"description": "Last page, inclusive",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Override the configured OCR model (optional)",
				},
				"include_pages": map[string]any{
					"type":        "boolean",
					"description": "Append per-page source and token detail (optional)",
				},
			},
		},
	},
	{
		Name:        "folio_purge_cache",
		Description: "Delete cached OCR results older than the retention window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"retention_days": map[string]any{
					"type":        "number",
					"description": "Retention in days (optional, defaults to the configured retention)",
				},
			},
		},
	},
	{
		Name:        "folio_cache_stats",
		Description: "Show OCR cache statistics (entries, tokens saved, hits, misses).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "folio_usage",
		Description: "Show token usage per model from the extraction ledger, optionally filtered by document.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"document_id": map[string]any{
					"type":        "string",
					"description": "Filter by document (optional)",
				},
				"recent": map[string]any{
					"type":        "integer",
					"description": "Also list this many recent batches (optional)",
				},
			},
		},
	},
	{
		Name:        "folio_budget",
		Description: "Show remote OCR token usage against the configured budget caps.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleExtractText(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args extractArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	if args.Path == "" {
		return errorResult("path is required")
	}
	if args.EndPage == 0 {
		args.EndPage = args.StartPage
	}

	params := s.engine.DefaultParams()
	if args.Model != "" {
		params.Model = args.Model
	}
	doc := models.Document{ID: args.DocumentID, Path: filepath.Clean(args.Path)}

	resp, err := s.engine.ExtractText(ctx, doc, args.StartPage, args.EndPage, params)
	switch {
	case errors.Is(err, ocr.ErrInvalidRange), errors.Is(err, render.ErrPageOutOfRange):
		return errorResult("Invalid page range: " + err.Error())
	case errors.Is(err, budget.ErrBudgetExceeded):
		return errorResult("Budget exceeded, cached pages only: " + err.Error())
	case err != nil && resp == nil:
		return errorResult("Extraction failed: " + err.Error())
	case err != nil:
		return errorResult(fmt.Sprintf("Extraction interrupted: %v\n\n%s", err, formatExtract(resp, args.IncludePages)))
	}
	return textResult(formatExtract(resp, args.IncludePages))
}

func handlePurgeCache(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args purgeArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	retention := s.retention
	if args.RetentionDays != 0 {
		retention = time.Duration(args.RetentionDays * float64(24*time.Hour))
	}
	n, err := s.engine.PurgeCache(ctx, retention)
	if err != nil {
		return errorResult("Error purging cache: " + err.Error())
	}
	return textResult(fmt.Sprintf("Purged %d cache entries older than %s.", n, formatRetention(retention)))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.engine.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.tracker == nil {
		return textResult("Usage tracking is not configured.")
	}
	var args usageArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	rows, err := s.tracker.Summary(ctx, args.DocumentID)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	text := formatSummary(rows)
	if args.Recent > 0 {
		runs, err := s.tracker.Recent(ctx, args.DocumentID, args.Recent)
		if err != nil {
			return errorResult("Error fetching recent runs: " + err.Error())
		}
		text += "\n" + formatRuns(runs)
	}
	return textResult(text)
}

func handleBudget(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.budget == nil {
		return textResult("No budgets configured.")
	}
	statuses, err := s.budget.Status(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgets(statuses))
}
