// Package render turns PDF pages into images for the OCR provider.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/folio/pkg/models"
)

// ErrPageOutOfRange is returned for a page outside 1..PageCount.
var ErrPageOutOfRange = errors.New("page out of range")

// Renderer counts and rasterises document pages.
type Renderer interface {
	PageCount(ctx context.Context, doc models.Document) (int, error)
	// Render returns the page as a JPEG at params.DPI and params.JPEGQuality.
	Render(ctx context.Context, doc models.Document, page int, params models.ExtractParams) ([]byte, error)
}

var pagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// Poppler renders with the pdfinfo and pdftoppm command line tools.
type Poppler struct {
	PdfinfoPath  string
	PdftoppmPath string
	// Timeout bounds each tool invocation. Zero means no limit.
	Timeout time.Duration
}

// NewPoppler returns a renderer using the tools found on PATH.
func NewPoppler(timeout time.Duration) *Poppler {
	return &Poppler{PdfinfoPath: "pdfinfo", PdftoppmPath: "pdftoppm", Timeout: timeout}
}

// PageCount reads the page count reported by pdfinfo.
func (p *Poppler) PageCount(ctx context.Context, doc models.Document) (int, error) {
	out, err := p.run(ctx, p.PdfinfoPath, doc.Path)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	return parsePageCount(out)
}

func parsePageCount(out []byte) (int, error) {
	m := pagesRe.FindSubmatch(out)
	if len(m) != 2 {
		return 0, errors.New("pdfinfo: pages not found")
	}
	return strconv.Atoi(string(m[1]))
}

// Render rasterises one page through a temporary directory.
func (p *Poppler) Render(ctx context.Context, doc models.Document, page int, params models.ExtractParams) ([]byte, error) {
	if page < 1 {
		return nil, fmt.Errorf("render page %d: %w", page, ErrPageOutOfRange)
	}
	dir, err := os.MkdirTemp("", "folio-render-*")
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	defer os.RemoveAll(dir)

	root := filepath.Join(dir, "page")
	args := []string{
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(params.DPI),
		"-jpeg",
		"-jpegopt", "quality=" + strconv.Itoa(params.JPEGQuality),
		"-singlefile",
		doc.Path, root,
	}
	if _, err := p.run(ctx, p.PdftoppmPath, args...); err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}

	img, err := os.ReadFile(root + ".jpg")
	if errors.Is(err, os.ErrNotExist) {
		// No output file means pdftoppm had no such page to render.
		return nil, fmt.Errorf("render page %d: %w", page, ErrPageOutOfRange)
	}
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

func (p *Poppler) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
