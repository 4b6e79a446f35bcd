// Package keys derives cache keys for OCR results.
//
// A key is the SHA-256 of an ordered list of named fields. Each name and
// value is written with a big-endian uint64 length prefix, so no two distinct
// field lists can produce the same byte stream.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"

	"github.com/pario-ai/folio/pkg/models"
)

// schemaVersion is bumped whenever the field list changes.
const schemaVersion = "folio/v1"

// Derive returns the cache key for one page of a document rendered and
// transcribed with params. It is pure and total.
func Derive(fingerprint string, page int, params models.ExtractParams) string {
	promptSum := sha256.Sum256([]byte(params.Prompt))

	h := sha256.New()
	writeField(h, "schema", schemaVersion)
	writeField(h, "fingerprint", fingerprint)
	writeField(h, "page", strconv.Itoa(page))
	writeField(h, "model", params.Model)
	writeField(h, "prompt_version", params.PromptVersion)
	writeField(h, "prompt_sha256", hex.EncodeToString(promptSum[:]))
	writeField(h, "temperature", strconv.FormatFloat(params.Temperature, 'g', -1, 64))
	writeField(h, "max_tokens", strconv.Itoa(params.MaxTokens))
	writeField(h, "dpi", strconv.Itoa(params.DPI))
	writeField(h, "jpeg_quality", strconv.Itoa(params.JPEGQuality))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, name, value string) {
	writeChunk(h, name)
	writeChunk(h, value)
}

func writeChunk(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	io.WriteString(h, s)
}

// Fingerprint hashes document content. The byte length is mixed in after the
// content so truncated copies never collide with the original.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(n))
	h.Write(size[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFile fingerprints the file at path. The path and modification
// time are not part of the result.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return Fingerprint(f)
}

// Resolve returns doc's fingerprint, computing it from disk when the caller
// did not supply one.
func Resolve(doc models.Document) (string, error) {
	if doc.Fingerprint != "" {
		return doc.Fingerprint, nil
	}
	return FingerprintFile(doc.Path)
}
