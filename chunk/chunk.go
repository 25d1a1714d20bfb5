// Package chunk splits extracted text into overlapping windows aligned to
// semantic boundaries. Offsets are bytes into the extracted text, so every
// chunk can be traced back to its exact source range.
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

const (
	// DefaultSize is the target chunk size in bytes.
	DefaultSize = 1000

	// DefaultOverlap is how many bytes consecutive chunks share.
	DefaultOverlap = 200
)

// Chunker splits text with a fixed size and overlap.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker. Overlap must be smaller than size or the cursor
// could never advance.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, store.Validation(fmt.Errorf("chunk size must be positive, got %d", size))
	}
	if overlap < 0 || overlap >= size {
		return nil, store.Validation(fmt.Errorf("overlap %d must be in [0, %d)", overlap, size))
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split produces ordered chunks covering text contiguously modulo overlap.
// Anchors for each chunk come from the location map at the chunk's start.
// Empty or whitespace-only text yields no chunks.
func (c *Chunker) Split(docID, text string, locations *kb.LocationMap) ([]kb.Chunk, error) {
	if !utf8.ValidString(text) {
		return nil, store.DataIntegrity(fmt.Errorf("document %s text is not valid UTF-8", docID))
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []kb.Chunk
	pending := -1 // start of a leading whitespace run awaiting its chunk
	i := 0
	for i < len(text) {
		b := c.boundary(text, i)

		if strings.TrimSpace(text[i:b]) == "" {
			// A whitespace-only window still belongs to the coverage set:
			// stretch the previous chunk over the run, or fold a leading
			// run into the chunk that follows it.
			if n := len(chunks); n > 0 {
				if b > chunks[n-1].EndOffset {
					chunks[n-1].EndOffset = b
					chunks[n-1].Text = text[chunks[n-1].StartOffset:b]
				}
			} else if pending < 0 {
				pending = i
			}
			i = b
			continue
		}

		start := i
		if pending >= 0 {
			start = pending
			pending = -1
		}
		piece := text[start:b]
		chunk := kb.Chunk{
			ChunkID:     ident.ChunkID(docID, start),
			DocID:       docID,
			StartOffset: start,
			EndOffset:   b,
			Text:        piece,
			TokenCount:  estimateTokens(piece),
		}
		if locations != nil {
			anchor := locations.Resolve(start)
			chunk.HeadingPath = anchor.HeadingPath
			chunk.PageNumber = anchor.PageNumber
			chunk.TimestampMS = anchor.TimestampMS
		}
		chunks = append(chunks, chunk)

		if b >= len(text) {
			break
		}
		next := b - c.overlap
		if next <= i {
			next = b
		}
		// Never start mid-codepoint.
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		i = next
	}
	return chunks, nil
}

// boundary picks the end of the chunk starting at i: the latest paragraph
// break, sentence end, or word break within the back-scan window, falling
// back to the hard size limit aligned to a codepoint boundary.
func (c *Chunker) boundary(text string, i int) int {
	u := i + c.size
	if u >= len(text) {
		return len(text)
	}
	// Don't split a multibyte codepoint at the hard limit.
	for u > i+1 && !utf8.RuneStart(text[u]) {
		u--
	}

	window := u - c.size/2
	if window < i+1 {
		window = i + 1
	}

	if b := strings.LastIndex(text[window:u], "\n\n"); b >= 0 {
		return window + b + 2
	}
	if b := lastSentenceEnd(text[window:u]); b >= 0 {
		return window + b
	}
	if b := strings.LastIndexAny(text[window:u], " \t\n"); b >= 0 {
		return window + b + 1
	}
	return u
}

// lastSentenceEnd returns the position just after the whitespace following
// the last ".", "?", or "!" in s, or -1.
func lastSentenceEnd(s string) int {
	for j := len(s) - 1; j > 0; j-- {
		if !isSpace(s[j]) {
			continue
		}
		switch s[j-1] {
		case '.', '?', '!':
			return j + 1
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// estimateTokens approximates the token count at four bytes per token.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
