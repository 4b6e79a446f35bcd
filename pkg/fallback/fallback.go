// Package fallback extracts page text locally when the remote provider is
// unavailable. Its output is deterministic and never cached.
package fallback

import (
	"context"
	"errors"
	"strings"

	"github.com/pario-ai/folio/pkg/config"
	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/render"
)

// Extractor returns the locally extractable text of one page. A page with
// nothing to extract yields "" and a nil error.
type Extractor interface {
	ExtractLocal(ctx context.Context, doc models.Document, page int) (string, error)
}

// Chain tries each extractor in order and returns the first non-empty text.
type Chain []Extractor

// ExtractLocal implements Extractor. Errors are only returned when no
// extractor produced text.
func (c Chain) ExtractLocal(ctx context.Context, doc models.Document, page int) (string, error) {
	var errs []error
	for _, ex := range c {
		text, err := ex.ExtractLocal(ctx, doc, page)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	return "", errors.Join(errs...)
}

// New builds the chain selected by cfg. The Tesseract stage is only present
// in binaries built with the tesseract tag.
func New(cfg config.FallbackConfig, rc config.RenderConfig, renderer render.Renderer) Chain {
	var chain Chain
	if cfg.TextLayer {
		chain = append(chain, &TextLayer{Path: rc.PdftotextPath, Timeout: cfg.Timeout})
	}
	if cfg.Tesseract {
		if ocr := newTesseract(renderer, cfg.Languages); ocr != nil {
			chain = append(chain, ocr)
		}
	}
	return chain
}

// cleanText normalises tool output: unix line endings, no form feeds, no
// trailing spaces, at most one blank line in a row.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\f", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
