//go:build !tesseract

package fallback

import "github.com/pario-ai/folio/pkg/render"

// newTesseract reports that this binary was built without local OCR.
func newTesseract(render.Renderer, []string) Extractor { return nil }
