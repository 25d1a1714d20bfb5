// Package link resolves entity mentions to canonical entities. The linker
// only computes decisions; committing them to storage is the indexer's job,
// which keeps linking replayable and side-effect free.
package link

import (
	"context"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
)

const (
	// DefaultStrongThreshold is the similarity above which a mention links
	// with high confidence.
	DefaultStrongThreshold = 0.90

	// DefaultWeakThreshold is the similarity below which a new canonical
	// entity is created instead of linking.
	DefaultWeakThreshold = 0.70
)

// EntityLookup is the read-side the linker needs from the graph.
type EntityLookup interface {
	// GetEntity fetches a canonical entity by ID; ok is false when absent.
	GetEntity(ctx context.Context, entityID string) (kb.Entity, bool, error)

	// EntitiesByType lists canonical entities of one type, the candidate
	// pool for fuzzy matching.
	EntitiesByType(ctx context.Context, t kb.EntityType) ([]kb.Entity, error)
}

// Decision is the linker's verdict for one mention.
type Decision struct {
	Mention    kb.Mention
	Entity     kb.Entity
	Confidence float64
	CreatedNew bool
	AliasAdded string
}

// Linker maps mentions to canonical entities by exact ID, then fuzzy
// similarity over same-typed candidates.
type Linker struct {
	lookup EntityLookup
	strong float64
	weak   float64
}

// New creates a linker with the given thresholds.
func New(lookup EntityLookup, strong, weak float64) *Linker {
	return &Linker{lookup: lookup, strong: strong, weak: weak}
}

// ContextEmbedding returns the context vector for a mention, nil when
// unavailable. Cosine similarity only participates in scoring when both the
// mention and the candidate have one.
type ContextEmbedding func(mentionID string) []float32

// Link decides a canonical entity for every mention. Decisions within one
// call see each other: two mentions of a brand-new entity in the same batch
// resolve to the same created entity.
func (l *Linker) Link(ctx context.Context, mentions []kb.Mention, contextEmb ContextEmbedding) ([]Decision, error) {
	// Entities created earlier in this batch, keyed by entity ID.
	pending := make(map[string]kb.Entity)

	decisions := make([]Decision, 0, len(mentions))
	for _, m := range mentions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := l.linkOne(ctx, m, contextEmb, pending)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (l *Linker) linkOne(ctx context.Context, m kb.Mention, contextEmb ContextEmbedding, pending map[string]kb.Entity) (Decision, error) {
	norm := ident.NormalizeSurface(m.SurfaceText)
	candidateID := ident.EntityID(m.SurfaceText, m.EntityType)

	// Exact hit: the deterministic ID already folds case and whitespace
	// variants together.
	if e, ok := pending[candidateID]; ok {
		return Decision{Mention: m, Entity: e, Confidence: 1.0}, nil
	}
	entity, ok, err := l.lookup.GetEntity(ctx, candidateID)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Mention: m, Entity: entity, Confidence: 1.0}, nil
	}

	// Fuzzy: best of edit similarity and context-embedding cosine over
	// same-typed candidates.
	candidates, err := l.lookup.EntitiesByType(ctx, m.EntityType)
	if err != nil {
		return Decision{}, err
	}
	for _, e := range pending {
		if e.EntityType == m.EntityType {
			candidates = append(candidates, e)
		}
	}

	var mentionVec []float32
	if contextEmb != nil {
		mentionVec = contextEmb(m.MentionID)
	}

	var best kb.Entity
	bestScore := -1.0
	for _, cand := range candidates {
		score := similarity(norm, cand, mentionVec)
		// Edit similarity wins ties so a lexically identical alias beats a
		// merely semantically close neighbor.
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}

	switch {
	case bestScore >= l.strong:
		d := Decision{
			Mention:    m,
			Entity:     best,
			Confidence: scaleConfidence(bestScore, l.strong, 1.0, 0.85, 0.99),
		}
		if !hasAlias(best, m.SurfaceText) {
			d.AliasAdded = m.SurfaceText
		}
		return d, nil
	case bestScore >= l.weak:
		d := Decision{
			Mention:    m,
			Entity:     best,
			Confidence: scaleConfidence(bestScore, l.weak, l.strong, 0.60, 0.85),
		}
		if !hasAlias(best, m.SurfaceText) {
			d.AliasAdded = m.SurfaceText
		}
		return d, nil
	default:
		// No plausible candidate: the mention founds a new canonical
		// entity, which is its own ground truth.
		e := kb.Entity{
			EntityID:      candidateID,
			CanonicalName: m.SurfaceText,
			EntityType:    m.EntityType,
			MentionCount:  0,
		}
		if mentionVec != nil {
			e.ContextEmbedding = mentionVec
		}
		pending[candidateID] = e
		return Decision{Mention: m, Entity: e, Confidence: 1.0, CreatedNew: true}, nil
	}
}

// similarity scores a mention against a candidate entity: the max of
// normalized edit similarity over the canonical name and all aliases, and
// cosine similarity of context embeddings when both sides carry one.
func similarity(norm string, cand kb.Entity, mentionVec []float32) float64 {
	score := editSimilarity(norm, ident.NormalizeSurface(cand.CanonicalName))
	for _, alias := range cand.Aliases {
		if s := editSimilarity(norm, ident.NormalizeSurface(alias)); s > score {
			score = s
		}
	}
	if mentionVec != nil && len(cand.ContextEmbedding) == len(mentionVec) && len(mentionVec) > 0 {
		if c := cosine(mentionVec, cand.ContextEmbedding); c > score {
			score = c
		}
	}
	return score
}

// editSimilarity is 1 - levenshtein/maxlen, in runes.
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// scaleConfidence maps score from [lo,hi] onto [outLo,outHi] linearly.
func scaleConfidence(score, lo, hi, outLo, outHi float64) float64 {
	if hi <= lo {
		return outHi
	}
	frac := (score - lo) / (hi - lo)
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return outLo + frac*(outHi-outLo)
}

func hasAlias(e kb.Entity, surface string) bool {
	norm := ident.NormalizeSurface(surface)
	if ident.NormalizeSurface(e.CanonicalName) == norm {
		return true
	}
	for _, a := range e.Aliases {
		if ident.NormalizeSurface(a) == norm {
			return true
		}
	}
	return false
}

// Vec is a helper for callers building a ContextEmbedding from a map.
func Vec(m map[string][]float32) ContextEmbedding {
	if m == nil {
		return nil
	}
	return func(id string) []float32 {
		return m[strings.TrimSpace(id)]
	}
}
