// Package ner extracts typed entity mentions from chunks. A pattern tagger
// runs first; chunks whose matches stay below the confidence threshold can
// be re-tagged by a generative model. Mentions carry byte spans within
// their chunk so every extraction stays traceable to source text.
package ner

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
)

// pattern pairs a compiled regexp with the entity type and base confidence
// it asserts. Patterns run in declaration order; earlier, more specific
// patterns claim spans first.
type pattern struct {
	re         *regexp.Regexp
	entityType kb.EntityType
	confidence float64
	group      int
}

var patterns = []pattern{
	// Organizations by legal or institutional suffix.
	{
		re:         regexp.MustCompile(`\b([A-Z][\w&.-]*(?:\s+[A-Z][\w&.-]*)*\s+(?:Inc\.?|Corp\.?|Corporation|Company|Co\.|Ltd\.?|LLC|GmbH|Foundation|Organization|Association|University|Institute|Institution|Agency|Authority|Bank|Group|Industries|Laboratories|Labs|Systems|Technologies|Commission|Committee|Council|Ministry|Department))\b`),
		entityType: kb.EntityOrg,
		confidence: 0.85,
		group:      1,
	},
	// People introduced by an honorific or role.
	{
		re:         regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof|Professor|President|Senator|Justice|Judge|Chancellor|Minister|CEO|Director)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})\b`),
		entityType: kb.EntityPerson,
		confidence: 0.85,
		group:      1,
	},
	// Statutes and legal references.
	{
		re:         regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+Act(?:\s+of\s+\d{4})?|Article\s+\d+[A-Za-z]?|Section\s+\d+(?:\.\d+)*|Regulation\s+\(?[A-Z]*\)?\s*\d+/\d+)\b`),
		entityType: kb.EntityLaw,
		confidence: 0.8,
		group:      1,
	},
	// Dates: long form, ISO, slashed, bare year.
	{
		re:         regexp.MustCompile(`\b((?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\b`),
		entityType: kb.EntityDate,
		confidence: 0.9,
		group:      1,
	},
	{
		re:         regexp.MustCompile(`\b((?:19|20)\d{2})\b`),
		entityType: kb.EntityDate,
		confidence: 0.6,
		group:      1,
	},
	// Versioned products: "Widget 3000", "Model S".
	{
		re:         regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:v?\d+(?:\.\d+)*|[A-Z]\b))`),
		entityType: kb.EntityProduct,
		confidence: 0.55,
		group:      1,
	},
	// Bare acronyms lean technical.
	{
		re:         regexp.MustCompile(`\b([A-Z]{2,6}\d*)\b`),
		entityType: kb.EntityTech,
		confidence: 0.5,
		group:      1,
	},
	// Remaining multi-word proper names default to ORG at low confidence;
	// the linker and optional model pass refine the type.
	{
		re:         regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\b`),
		entityType: kb.EntityOrg,
		confidence: 0.5,
		group:      1,
	},
}

// gpeNames covers frequent geopolitical names; the list is intentionally
// small since the model pass handles the long tail.
var gpeNames = []string{
	"United States", "United Kingdom", "European Union", "San Francisco",
	"New York", "Germany", "France", "China", "Japan", "India", "Brazil",
	"Canada", "Australia", "Russia", "London", "Paris", "Berlin", "Tokyo",
	"Beijing", "California", "Texas", "Washington", "Brussels",
}

var gpeRe = func() *regexp.Regexp {
	quoted := make([]string, len(gpeNames))
	for i, n := range gpeNames {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}()

// PatternTagger extracts mentions with regular expressions and a small
// gazetteer. Deterministic and dependency-free.
type PatternTagger struct{}

// NewPatternTagger creates a pattern tagger.
func NewPatternTagger() *PatternTagger {
	return &PatternTagger{}
}

// Tag extracts mentions from one chunk. An empty or whitespace-only chunk
// yields zero mentions and no error. Overlapping matches resolve in favor
// of the earlier (more specific) pattern.
func (t *PatternTagger) Tag(_ context.Context, chunk kb.Chunk) ([]kb.Mention, error) {
	if strings.TrimSpace(chunk.Text) == "" {
		return nil, nil
	}

	type span struct{ start, end int }
	var claimed []span
	overlaps := func(s, e int) bool {
		for _, c := range claimed {
			if s < c.end && e > c.start {
				return true
			}
		}
		return false
	}

	var mentions []kb.Mention
	emit := func(start, end int, entityType kb.EntityType, confidence float64) {
		surface := chunk.Text[start:end]
		claimed = append(claimed, span{start, end})
		mentions = append(mentions, kb.Mention{
			MentionID:    ident.MentionID(chunk.ChunkID, ident.NormalizeSurface(surface), start),
			ChunkID:      chunk.ChunkID,
			SurfaceText:  surface,
			EntityType:   entityType,
			StartInChunk: start,
			EndInChunk:   end,
			Confidence:   confidence,
		})
	}

	// Gazetteer names claim their spans before the generic patterns run.
	for _, loc := range gpeRe.FindAllStringIndex(chunk.Text, -1) {
		if !overlaps(loc[0], loc[1]) {
			emit(loc[0], loc[1], kb.EntityGPE, 0.9)
		}
	}

	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(chunk.Text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || overlaps(start, end) {
				continue
			}
			emit(start, end, p.entityType, p.confidence)
		}
	}

	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].StartInChunk < mentions[j].StartInChunk
	})
	return dedupeMentions(mentions), nil
}

// dedupeMentions collapses identical text at identical offsets.
func dedupeMentions(mentions []kb.Mention) []kb.Mention {
	seen := make(map[string]bool, len(mentions))
	out := mentions[:0]
	for _, m := range mentions {
		if seen[m.MentionID] {
			continue
		}
		seen[m.MentionID] = true
		out = append(out, m)
	}
	return out
}

// validChunk reports whether the chunk text is usable for extraction.
func validChunk(chunk kb.Chunk) bool {
	return utf8.ValidString(chunk.Text)
}
