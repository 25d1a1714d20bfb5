// Package relate proposes typed, directed relations between linked entities.
// Proposals come from connective pattern templates applied within sentence
// boundaries; an optional model-backed verifier refines each proposal's
// confidence before the threshold filter. Every emitted relation pins its
// evidence to the chunk with a byte range and a verbatim quote.
package relate

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// DefaultThreshold is the minimum confidence for an emitted relation.
const DefaultThreshold = 0.7

// EntityMention pairs a mention with the entity the linker resolved it to.
type EntityMention struct {
	Mention  kb.Mention
	EntityID string
}

// Proposal is a candidate relation before verification and filtering.
// SubjectName and ObjectName are the mention surfaces, kept so the verifier
// can state the claim in words rather than IDs.
type Proposal struct {
	Relation    kb.Relation
	Sentence    string
	SubjectName string
	ObjectName  string
}

// Verifier refines proposal confidences. Implementations answer, per
// proposal, whether the evidence sentence supports the claim. The returned
// slice is parallel to the input; a score of -1 leaves the base confidence
// untouched.
type Verifier interface {
	Verify(ctx context.Context, proposals []Proposal) ([]float64, error)
}

// Result summarizes one extraction pass.
type Result struct {
	Relations []kb.Relation
	Proposed  int
}

// template matches the connective text between two entity mentions inside
// one sentence. subjTypes and objTypes constrain the entity types on each
// end (nil means any); swap makes the second mention the subject.
type template struct {
	predicate  kb.Predicate
	base       float64
	connective *regexp.Regexp
	subjTypes  []kb.EntityType
	objTypes   []kb.EntityType
	swap       bool
}

var person = []kb.EntityType{kb.EntityPerson}
var org = []kb.EntityType{kb.EntityOrg}
var gpe = []kb.EntityType{kb.EntityGPE}
var orgOrPerson = []kb.EntityType{kb.EntityOrg, kb.EntityPerson}

// templates are tried in order; the first match between a mention pair
// wins. More specific connectives come before looser ones.
var templates = []template{
	{
		predicate:  kb.PredFounded,
		base:       0.9,
		connective: regexp.MustCompile(`(?i)^\s+(?:co-)?founded\s+$`),
		subjTypes:  person,
		objTypes:   org,
	},
	{
		predicate:  kb.PredFounded,
		base:       0.9,
		connective: regexp.MustCompile(`(?i)^,?\s+(?:which\s+|that\s+)?was\s+(?:co-)?founded\s+by\s+$`),
		subjTypes:  person,
		objTypes:   org,
		swap:       true,
	},
	{
		predicate:  kb.PredEmployedBy,
		base:       0.9,
		connective: regexp.MustCompile(`(?i)^\s+work(?:s|ed|ing)?\s+(?:at|for)\s+$`),
		subjTypes:  person,
		objTypes:   org,
	},
	{
		predicate:  kb.PredEmployedBy,
		base:       0.85,
		connective: regexp.MustCompile(`(?i)^,?\s+(?:the\s+)?(?:ceo|cto|cfo|coo|chief\s+\w+\s+officer|president|chairman|director|head|vice\s+president|an?\s+(?:engineer|researcher|scientist|manager))\s+(?:of|at)\s+$`),
		subjTypes:  person,
		objTypes:   org,
	},
	{
		predicate:  kb.PredEmployedBy,
		base:       0.8,
		connective: regexp.MustCompile(`(?i)^\s+(?:joined|joins|was\s+hired\s+by)\s+$`),
		subjTypes:  person,
		objTypes:   org,
	},
	{
		predicate:  kb.PredAuthoredBy,
		base:       0.85,
		connective: regexp.MustCompile(`(?i)^\s+(?:wrote|authored|co-authored|published)\s+$`),
		objTypes:   person,
		swap:       true,
	},
	{
		predicate:  kb.PredAuthoredBy,
		base:       0.85,
		connective: regexp.MustCompile(`(?i)^,?\s+(?:\(?(?:co-)?authored|written)\s+by\s+$`),
		objTypes:   person,
	},
	{
		predicate:  kb.PredCites,
		base:       0.8,
		connective: regexp.MustCompile(`(?i)^\s+(?:cites?|cited|references?|referenced|quotes?|quoted)\s+$`),
	},
	{
		predicate:  kb.PredLocatedIn,
		base:       0.9,
		connective: regexp.MustCompile(`(?i)^,?\s+(?:is\s+)?(?:based|headquartered|located)\s+in\s+$`),
		subjTypes:  orgOrPerson,
		objTypes:   gpe,
	},
	{
		predicate:  kb.PredLocatedIn,
		base:       0.6,
		connective: regexp.MustCompile(`(?i)^\s+in\s+$`),
		subjTypes:  orgOrPerson,
		objTypes:   gpe,
	},
	{
		predicate:  kb.PredPartOf,
		base:       0.85,
		connective: regexp.MustCompile(`(?i)^,?\s+(?:an?\s+)?(?:division|subsidiary|unit|branch|department|part)\s+of\s+$`),
		subjTypes:  org,
		objTypes:   org,
	},
	{
		predicate:  kb.PredPartOf,
		base:       0.8,
		connective: regexp.MustCompile(`(?i)^\s+(?:belongs?\s+to|is\s+part\s+of)\s+$`),
	},
	{
		predicate:  kb.PredOther,
		base:       0.4,
		connective: regexp.MustCompile(`(?i)^\s+(?:acquired|bought|partnered\s+with|merged\s+with|collaborat\w+\s+with|sued|competes?\s+with)\s+$`),
	},
}

// Extractor proposes and filters relations for chunks.
type Extractor struct {
	verifier  Verifier
	threshold float64
	logger    *slog.Logger
}

// NewExtractor creates an extractor. verifier may be nil, in which case
// pattern base confidences are used unrefined.
func NewExtractor(verifier Verifier, threshold float64, logger *slog.Logger) *Extractor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{verifier: verifier, threshold: threshold, logger: logger}
}

// Extract runs relation extraction over a batch of chunks. Chunks with
// fewer than two distinct linked entities are skipped. Proposals sharing a
// rel_id collapse to the highest-confidence one; the same claim evidenced
// by distinct chunks yields parallel edges.
func (e *Extractor) Extract(ctx context.Context, chunks []kb.Chunk, linked map[string][]EntityMention) (*Result, error) {
	byID := make(map[string]Proposal)
	proposed := 0

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, store.Cancelled(err)
		}
		ems := linked[chunk.ChunkID]
		if distinctEntities(ems) < 2 {
			continue
		}
		for _, p := range e.proposeChunk(chunk, ems) {
			proposed++
			if prev, ok := byID[p.Relation.RelID]; !ok || p.Relation.Confidence > prev.Relation.Confidence {
				byID[p.Relation.RelID] = p
			}
		}
	}

	proposals := make([]Proposal, 0, len(byID))
	for _, p := range byID {
		proposals = append(proposals, p)
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].Relation.RelID < proposals[j].Relation.RelID
	})

	if e.verifier != nil && len(proposals) > 0 {
		scores, err := e.verifier.Verify(ctx, proposals)
		if err != nil {
			if store.IsCancelled(err) {
				return nil, err
			}
			// Verification refines confidence but is not load-bearing.
			e.logger.Warn("relation verifier failed, keeping base confidences", "error", err)
		} else {
			for i := range proposals {
				if i < len(scores) && scores[i] >= 0 {
					base := proposals[i].Relation.Confidence
					proposals[i].Relation.Confidence = (base + scores[i]) / 2
				}
			}
		}
	}

	result := &Result{Proposed: proposed}
	for _, p := range proposals {
		if p.Relation.Confidence >= e.threshold {
			result.Relations = append(result.Relations, p.Relation)
		}
	}
	return result, nil
}

// proposeChunk matches templates against every ordered mention pair that
// shares a sentence.
func (e *Extractor) proposeChunk(chunk kb.Chunk, ems []EntityMention) []Proposal {
	var proposals []Proposal
	for _, sent := range sentenceSpans(chunk.Text) {
		inSentence := mentionsWithin(ems, sent)
		if len(inSentence) < 2 {
			continue
		}
		for i := 0; i < len(inSentence); i++ {
			for j := i + 1; j < len(inSentence); j++ {
				a, b := inSentence[i], inSentence[j]
				if a.EntityID == b.EntityID {
					continue
				}
				between := chunk.Text[a.Mention.EndInChunk:b.Mention.StartInChunk]
				tpl, ok := matchTemplate(between, a, b)
				if !ok {
					continue
				}
				subj, obj := a, b
				if tpl.swap {
					subj, obj = b, a
				}
				quote := strings.TrimSpace(chunk.Text[sent.start:sent.end])
				rel := kb.Relation{
					RelID:           ident.RelationID(subj.EntityID, tpl.predicate, obj.EntityID, chunk.ChunkID),
					SubjectEntityID: subj.EntityID,
					Predicate:       tpl.predicate,
					ObjectEntityID:  obj.EntityID,
					Confidence:      tpl.base,
					EvidenceChunkID: chunk.ChunkID,
					EvidenceStart:   sent.start,
					EvidenceEnd:     sent.end,
					EvidenceQuote:   quote,
				}
				proposals = append(proposals, Proposal{
					Relation:    rel,
					Sentence:    quote,
					SubjectName: subj.Mention.SurfaceText,
					ObjectName:  obj.Mention.SurfaceText,
				})
			}
		}
	}
	return proposals
}

func matchTemplate(between string, a, b EntityMention) (template, bool) {
	for _, tpl := range templates {
		if !tpl.connective.MatchString(between) {
			continue
		}
		subj, obj := a, b
		if tpl.swap {
			subj, obj = b, a
		}
		if !typeAllowed(subj.Mention.EntityType, tpl.subjTypes) {
			continue
		}
		if !typeAllowed(obj.Mention.EntityType, tpl.objTypes) {
			continue
		}
		return tpl, true
	}
	return template{}, false
}

func typeAllowed(t kb.EntityType, allowed []kb.EntityType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

type span struct {
	start, end int
}

// sentenceSpans splits text into byte-ranged sentences. A sentence ends at
// '.', '!' or '?' followed by whitespace, or at a blank line.
func sentenceSpans(text string) []span {
	var spans []span
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		terminal := (c == '.' || c == '!' || c == '?') &&
			i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t')
		if terminal || (c == '\n' && i+1 < len(text) && text[i+1] == '\n') {
			end := i
			if terminal {
				end = i + 1
			}
			if strings.TrimSpace(text[start:end]) != "" {
				spans = append(spans, span{start: start, end: end})
			}
			start = end
			for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\t') {
				start++
			}
			i = start - 1
		}
	}
	if start < len(text) && strings.TrimSpace(text[start:]) != "" {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// mentionsWithin returns mentions fully contained in the span, in text
// order, keeping the first mention per entity.
func mentionsWithin(ems []EntityMention, s span) []EntityMention {
	var out []EntityMention
	seen := make(map[string]bool)
	for _, em := range ems {
		if em.Mention.StartInChunk >= s.start && em.Mention.EndInChunk <= s.end && !seen[em.EntityID] {
			seen[em.EntityID] = true
			out = append(out, em)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Mention.StartInChunk < out[j].Mention.StartInChunk
	})
	return out
}

func distinctEntities(ems []EntityMention) int {
	seen := make(map[string]bool)
	for _, em := range ems {
		seen[em.EntityID] = true
	}
	return len(seen)
}
