package models

import "time"

// Source records how a page's text was obtained.
type Source string

const (
	SourceCache    Source = "cache"
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// Document identifies a PDF on local disk. Fingerprint is computed from the
// file content when left empty.
type Document struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ExtractParams holds every setting that changes OCR output. All fields
// participate in cache key derivation.
type ExtractParams struct {
	Model         string  `json:"model" yaml:"model"`
	Prompt        string  `json:"-" yaml:"prompt"`
	PromptVersion string  `json:"prompt_version" yaml:"prompt_version"`
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens"`
	DPI           int     `json:"dpi" yaml:"dpi"`
	JPEGQuality   int     `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// PageJob is one cache miss waiting for the remote path.
type PageJob struct {
	Index    int    `json:"index"`
	Page     int    `json:"page"`
	Key      string `json:"key"`
	Image    []byte `json:"-"`
	Attempts int    `json:"attempts"`
}

// OcrResult is the resolved text for one page.
type OcrResult struct {
	Page     int        `json:"page"`
	Text     string     `json:"text"`
	Usage    TokenUsage `json:"usage"`
	Source   Source     `json:"source"`
	Attempts int        `json:"attempts,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// BatchSummary aggregates a batch. InputTokens and OutputTokens are spent on
// fresh remote calls; the Saved fields are what cache hits avoided.
type BatchSummary struct {
	InputTokens       int           `json:"input_tokens"`
	OutputTokens      int           `json:"output_tokens"`
	SavedInputTokens  int           `json:"saved_input_tokens"`
	SavedOutputTokens int           `json:"saved_output_tokens"`
	CacheHits         int           `json:"cache_hits"`
	CacheMisses       int           `json:"cache_misses"`
	RemotePages       int           `json:"remote_pages"`
	FallbackPages     int           `json:"fallback_pages"`
	Retries           int           `json:"retries"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	CacheDegraded     bool          `json:"cache_degraded,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// ExtractResponse is the result of one extract_text call.
type ExtractResponse struct {
	BatchID    string       `json:"batch_id"`
	DocumentID string       `json:"document_id"`
	StartPage  int          `json:"start_page"`
	EndPage    int          `json:"end_page"`
	Pages      []OcrResult  `json:"pages"`
	Summary    BatchSummary `json:"summary"`
	FullText   string       `json:"full_text"`
}
