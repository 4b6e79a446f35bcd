package keys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() models.ExtractParams {
	return models.ExtractParams{
		Model:         "gemini-2.0-flash",
		Prompt:        "Extract the text.",
		PromptVersion: "v1",
		Temperature:   0,
		MaxTokens:     8192,
		DPI:           150,
		JPEGQuality:   85,
	}
}

func TestDeriveDeterministic(t *testing.T) {
	a := Derive("abc", 3, baseParams())
	b := Derive("abc", 3, baseParams())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestDeriveSensitivity(t *testing.T) {
	base := Derive("abc", 3, baseParams())

	cases := map[string]func(p *models.ExtractParams){
		"model":          func(p *models.ExtractParams) { p.Model = "gpt-4o" },
		"prompt":         func(p *models.ExtractParams) { p.Prompt = "Extract the text!" },
		"prompt version": func(p *models.ExtractParams) { p.PromptVersion = "v2" },
		"temperature":    func(p *models.ExtractParams) { p.Temperature = 0.1 },
		"max tokens":     func(p *models.ExtractParams) { p.MaxTokens = 4096 },
		"dpi":            func(p *models.ExtractParams) { p.DPI = 300 },
		"jpeg quality":   func(p *models.ExtractParams) { p.JPEGQuality = 90 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := baseParams()
			mutate(&p)
			assert.NotEqual(t, base, Derive("abc", 3, p))
		})
	}

	assert.NotEqual(t, base, Derive("abc", 4, baseParams()), "page")
	assert.NotEqual(t, base, Derive("abd", 3, baseParams()), "fingerprint")
}

func TestDeriveNoBoundaryAmbiguity(t *testing.T) {
	p1 := baseParams()
	p1.Model = "ab"
	p1.PromptVersion = "c"
	p2 := baseParams()
	p2.Model = "a"
	p2.PromptVersion = "bc"
	assert.NotEqual(t, Derive("x", 1, p1), Derive("x", 1, p2))

	// Fingerprint and page must not blend either.
	assert.NotEqual(t, Derive("doc1", 12, baseParams()), Derive("doc11", 2, baseParams()))
}

func TestFingerprintFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "copy-of-a.pdf")
	c := filepath.Join(dir, "c.pdf")
	require.NoError(t, os.WriteFile(a, []byte("%PDF-1.7 same bytes"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("%PDF-1.7 same bytes"), 0o644))
	require.NoError(t, os.WriteFile(c, []byte("%PDF-1.7 other bytes"), 0o644))

	fa, err := FingerprintFile(a)
	require.NoError(t, err)
	fb, err := FingerprintFile(b)
	require.NoError(t, err)
	fc, err := FingerprintFile(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "identical content under a different name")
	assert.NotEqual(t, fa, fc)

	_, err = FingerprintFile(filepath.Join(dir, "missing.pdf"))
	assert.Error(t, err)
}

func TestResolvePrefersSuppliedFingerprint(t *testing.T) {
	fp, err := Resolve(models.Document{Path: "/does/not/exist.pdf", Fingerprint: "given"})
	require.NoError(t, err)
	assert.Equal(t, "given", fp)
}
