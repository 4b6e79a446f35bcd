package fallback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/folio/pkg/models"
)

// TextLayer reads the embedded text layer with pdftotext.
type TextLayer struct {
	Path    string
	Timeout time.Duration
}

// ExtractLocal implements Extractor.
func (t *TextLayer) ExtractLocal(ctx context.Context, doc models.Document, page int) (string, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	bin := t.Path
	if bin == "" {
		bin = "pdftotext"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-layout",
		doc.Path,
		"-",
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("pdftotext page %d: %w: %s", page, err, msg)
		}
		return "", fmt.Errorf("pdftotext page %d: %w", page, err)
	}
	return cleanText(string(out)), nil
}
