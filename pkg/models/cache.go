package models

import "time"

// CacheEntry stores the OCR text and usage recorded for one cache key.
// DocumentID and Page are informational and never part of identity.
type CacheEntry struct {
	Key          string    `json:"key"`
	Text         string    `json:"text"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DocumentID   string    `json:"document_id,omitempty"`
	Page         int       `json:"page"`
	CreatedAt    time.Time `json:"created_at"`
	LastHitAt    time.Time `json:"last_hit_at"`
}

// Usage returns the token usage recorded with the entry.
func (e CacheEntry) Usage() TokenUsage {
	return TokenUsage{InputTokens: e.InputTokens, OutputTokens: e.OutputTokens}
}

// CacheStats reports cache contents and performance metrics.
type CacheStats struct {
	Backend       string `json:"backend"`
	Entries       int64  `json:"entries"`
	RecentEntries int64  `json:"recent_entries"`
	TokensSaved   int64  `json:"tokens_saved"`
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	SizeBytes     int64  `json:"size_bytes"`
}
