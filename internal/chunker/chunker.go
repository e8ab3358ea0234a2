// Package chunker splits document text into overlapping fixed-size chunks,
// the atomic unit of embedding and retrieval.
//
// Chunks are measured in runes, not bytes, so multi-byte scripts never get
// split mid-character. Consecutive chunks overlap by a configurable amount so
// sentences straddling a boundary stay retrievable from at least one chunk.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig indicates inconsistent size/overlap settings.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// Chunker splits text into overlapping segments of at most Size runes.
// The zero value is not usable; construct with New.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. overlap must be smaller than size; this is a
// configuration error and fails fast rather than producing degenerate chunks
// at ingestion time.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: overlap (%d) must be smaller than size (%d)", ErrInvalidConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured maximum chunk length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap in runes.
func (c *Chunker) Overlap() int { return c.overlap }

// Split chunks text into segments of at most c.size runes, each consecutive
// pair sharing c.overlap runes. Guarantees:
//
//   - no chunk is empty
//   - every chunk has at most c.size runes
//   - the union of chunks covers the whole input (dropping each chunk's
//     leading overlap and concatenating reconstructs the text)
//   - text shorter than size yields exactly one chunk
//
// Whitespace-only or empty text yields no chunks: empty content is a caller
// decision, not an error.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	if n <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	// Capacity estimate; the final short chunk may add one more.
	chunks := make([]string, 0, n/step+1)

	for start := 0; ; start += step {
		end := start + c.size
		if end >= n {
			chunks = append(chunks, string(runes[start:n]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}

	return chunks
}

// Split is a convenience wrapper that constructs a Chunker and splits text in
// one call. Returns ErrInvalidConfig for bad size/overlap.
func Split(text string, size, overlap int) ([]string, error) {
	c, err := New(size, overlap)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Reassemble reverses Split: it concatenates chunks, dropping the shared
// overlap between consecutive pairs. Exists to verify the coverage
// invariant: Reassemble(Split(text)) must return text.
func Reassemble(chunks []string, size, overlap int) string {
	if len(chunks) == 0 {
		return ""
	}

	step := size - overlap
	var b strings.Builder
	covered := 0 // rune position up to which output is written
	pos := 0     // rune position where the current chunk starts
	for _, chunk := range chunks {
		runes := []rune(chunk)
		if skip := covered - pos; skip < len(runes) {
			b.WriteString(string(runes[skip:]))
			covered = pos + len(runes)
		}
		pos += step
	}
	return b.String()
}
