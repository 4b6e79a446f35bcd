// Package provider talks to the remote vision model that transcribes page
// images. One call carries exactly one page.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pario-ai/folio/pkg/models"
)

// Extraction is the text and usage returned for one page image.
type Extraction struct {
	Text  string
	Usage models.TokenUsage
}

// Client transcribes a single rendered page.
type Client interface {
	Extract(ctx context.Context, image []byte, params models.ExtractParams) (Extraction, error)
}

// Error is a classified provider failure.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return "provider request failed: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, rate limiting, server errors and empty answers.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// statusError classifies a non-2xx response.
func statusError(status int, message string) *Error {
	transient := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{StatusCode: status, Message: message, Transient: transient}
}
