//go:build tesseract

package fallback

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/render"
)

// ocrDPI is the rasterisation density used for local OCR.
const ocrDPI = 300

// Tesseract renders a page and runs it through libtesseract.
type Tesseract struct {
	Renderer  render.Renderer
	Languages []string
}

func newTesseract(r render.Renderer, languages []string) Extractor {
	return &Tesseract{Renderer: r, Languages: languages}
}

// ExtractLocal implements Extractor.
func (t *Tesseract) ExtractLocal(ctx context.Context, doc models.Document, page int) (string, error) {
	img, err := t.Renderer.Render(ctx, doc, page, models.ExtractParams{DPI: ocrDPI, JPEGQuality: 95})
	if err != nil {
		return "", fmt.Errorf("tesseract page %d: %w", page, err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if len(t.Languages) > 0 {
		if err := client.SetLanguage(t.Languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(ocrDPI)); err != nil {
		return "", fmt.Errorf("set dpi: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize page %d: %w", page, err)
	}
	return cleanText(text), nil
}
