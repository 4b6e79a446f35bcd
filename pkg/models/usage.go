package models

import "time"

// Usage represents token usage as reported by the OCR provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenUsage is the per-page token accounting carried through a batch.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RunRecord is one row of the usage ledger, written once per batch.
type RunRecord struct {
	ID            int64     `json:"id"`
	BatchID       string    `json:"batch_id"`
	DocumentID    string    `json:"document_id"`
	Model         string    `json:"model"`
	StartPage     int       `json:"start_page"`
	EndPage       int       `json:"end_page"`
	CacheHits     int       `json:"cache_hits"`
	CacheMisses   int       `json:"cache_misses"`
	RemotePages   int       `json:"remote_pages"`
	FallbackPages int       `json:"fallback_pages"`
	Retries       int       `json:"retries"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	DurationMs    int64     `json:"duration_ms"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageSummary aggregates ledger rows per model.
type UsageSummary struct {
	Model         string `json:"model"`
	Runs          int    `json:"runs"`
	Pages         int    `json:"pages"`
	CacheHits     int    `json:"cache_hits"`
	FallbackPages int    `json:"fallback_pages"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
}
