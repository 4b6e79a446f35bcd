package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"resty.dev/v3"

	"github.com/pario-ai/folio/pkg/models"
)

// Options configures an OpenAI-compatible client.
type Options struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single call, including the response body.
	Timeout time.Duration
	// RequestsPerSecond throttles calls across every batch sharing the
	// client. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// MaxInFlight caps concurrent calls across batches. Zero means no cap.
	MaxInFlight int
}

// OpenAI calls an OpenAI-compatible /chat/completions endpoint with the page
// image inlined as a data URL.
type OpenAI struct {
	http    *resty.Client
	timeout time.Duration
	limiter *rate.Limiter
	gate    *semaphore.Weighted
}

// NewOpenAI builds a client from opts.
func NewOpenAI(opts Options) *OpenAI {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		client.SetHeader("Authorization", "Bearer "+key)
	}
	client.SetHeader("Content-Type", "application/json")

	c := &OpenAI{http: client, timeout: opts.Timeout}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(opts.Burst, 1))
	}
	if opts.MaxInFlight > 0 {
		c.gate = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	return c
}

// Close releases idle connections.
func (c *OpenAI) Close() error {
	return c.http.Close()
}

// Extract sends one page image and returns the transcribed text.
func (c *OpenAI) Extract(ctx context.Context, image []byte, params models.ExtractParams) (Extraction, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Extraction{}, fmt.Errorf("wait for rate limit: %w", err)
		}
	}
	if c.gate != nil {
		if err := c.gate.Acquire(ctx, 1); err != nil {
			return Extraction{}, fmt.Errorf("wait for provider slot: %w", err)
		}
		defer c.gate.Release(1)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	temperature := params.Temperature
	req := models.ChatCompletionRequest{
		Model: params.Model,
		Messages: []models.ChatMessage{{
			Role: "user",
			Content: []models.ContentPart{
				{Type: "text", Text: params.Prompt},
				{Type: "image_url", ImageURL: &models.ImageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		Temperature: &temperature,
	}
	if params.MaxTokens > 0 {
		maxTokens := params.MaxTokens
		req.MaxTokens = &maxTokens
	}

	var out models.ChatCompletionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return Extraction{}, &Error{Message: "request timed out", Transient: true, Err: ctxErr}
			}
			return Extraction{}, fmt.Errorf("ocr request: %w", ctxErr)
		}
		return Extraction{}, &Error{Message: err.Error(), Transient: true, Err: err}
	}
	if resp.IsError() {
		return Extraction{}, statusError(resp.StatusCode(), errorMessage(resp))
	}
	if len(out.Choices) == 0 {
		return Extraction{}, &Error{StatusCode: resp.StatusCode(), Message: "response has no choices", Transient: true}
	}

	ex := Extraction{Text: strings.TrimSpace(out.Choices[0].Message.Content)}
	if out.Usage != nil {
		ex.Usage = models.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		}
	}
	return ex, nil
}

// errorMessage pulls the provider's message out of an error body.
func errorMessage(resp *resty.Response) string {
	if resp == nil || resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return ""
	}
	defer resp.RawResponse.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.RawResponse.Body, 64<<10))
	if err != nil {
		return ""
	}
	var apiErr models.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return strings.TrimSpace(string(body))
}
