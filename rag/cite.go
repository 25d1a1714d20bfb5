package rag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/provgraph/store"
)

var markerRe = regexp.MustCompile(`\[(\d+)\]`)

// minQuoteMatch is the shortest common substring accepted as the model's
// verbatim use of a source.
const minQuoteMatch = 20

// groundCitations resolves every [n] marker in the answer to a byte range
// inside the cited chunk. Each source yields at most one citation however
// often it is cited. A marker outside [1, len(sources)] makes the whole
// answer unusable.
func groundCitations(answer string, sources []source) ([]Citation, error) {
	matches := markerRe.FindAllStringSubmatchIndex(answer, -1)

	seen := make(map[int]bool)
	var citations []Citation
	for _, m := range matches {
		n, err := strconv.Atoi(answer[m[2]:m[3]])
		if err != nil || n < 1 || n > len(sources) {
			return nil, store.DataIntegrity(
				fmt.Errorf("citation [%s] does not resolve to any of %d sources", answer[m[2]:m[3]], len(sources)))
		}
		if seen[n] {
			continue
		}
		seen[n] = true

		src := sources[n-1]
		claim := claimBefore(answer, m[0])
		qStart, qLen := longestCommonSubstring(src.text, claim)
		if qLen < minQuoteMatch {
			// The model paraphrased; fall back to the chunk's opening
			// sentence so the quote still points at real source text.
			qStart, qLen = 0, firstSentenceEnd(src.text)
		}

		citations = append(citations, Citation{
			Index:       n,
			DocID:       src.doc.DocID,
			DocURL:      src.doc.URL,
			DocTitle:    src.doc.Title,
			ChunkID:     src.chunkID,
			ByteRange:   [2]int{src.start + qStart, src.start + qStart + qLen},
			PageNumber:  src.anchor.PageNumber,
			TimestampMS: src.anchor.TimestampMS,
			Quote:       src.text[qStart : qStart+qLen],
		})
	}
	return citations, nil
}

// claimBefore extracts the answer text the marker at pos supports: from
// the previous sentence boundary or citation marker up to the marker.
func claimBefore(answer string, pos int) string {
	start := 0
	for i := pos - 1; i > 0; i-- {
		c := answer[i]
		if c == ']' || ((c == '.' || c == '!' || c == '?' || c == '\n') && i < pos-1) {
			start = i + 1
			break
		}
	}
	return strings.TrimSpace(answer[start:pos])
}

// firstSentenceEnd returns the byte length of the first sentence of text,
// capped at 200 bytes.
func firstSentenceEnd(text string) int {
	limit := len(text)
	if limit > 200 {
		limit = 200
	}
	for i := 0; i < limit; i++ {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			return i + 1
		}
	}
	return limit
}

// longestCommonSubstring finds the longest run of bytes shared by chunk
// and claim, returning its offset in chunk and its length. Classic dynamic
// program with a rolling row; chunk and claim are both small.
func longestCommonSubstring(chunk, claim string) (int, int) {
	if chunk == "" || claim == "" {
		return 0, 0
	}
	prev := make([]int, len(claim)+1)
	curr := make([]int, len(claim)+1)

	bestLen, bestEnd := 0, 0
	for i := 1; i <= len(chunk); i++ {
		for j := 1; j <= len(claim); j++ {
			if chunk[i-1] == claim[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > bestLen {
					bestLen = curr[j]
					bestEnd = i
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return bestEnd - bestLen, bestLen
}
