package ner

import (
	"context"
	"log/slog"

	"github.com/c360studio/provgraph/kb"
)

// Tagger produces typed mentions for one chunk.
type Tagger interface {
	Tag(ctx context.Context, chunk kb.Chunk) ([]kb.Mention, error)
}

// ClusterLookup maps a surface form to its coreference cluster, empty when
// the surface was not clustered.
type ClusterLookup func(surface string) string

// Extractor runs the pattern tagger over every chunk and escalates
// low-confidence chunks to the fallback tagger when one is configured.
type Extractor struct {
	pattern   Tagger
	fallback  Tagger
	threshold float64
	logger    *slog.Logger
}

// NewExtractor creates an extractor. fallback may be nil; threshold is the
// mean mention confidence below which a chunk is re-tagged.
func NewExtractor(fallback Tagger, threshold float64, logger *slog.Logger) *Extractor {
	return &Extractor{
		pattern:   NewPatternTagger(),
		fallback:  fallback,
		threshold: threshold,
		logger:    logger.With("component", "ner"),
	}
}

// Result summarizes one extraction run.
type Result struct {
	Mentions      []kb.Mention
	ChunksSkipped int
}

// Extract tags all chunks. Chunks with malformed text are skipped and
// counted rather than failing the run. Cluster assignments from the
// coreference pass are attached when the lookup knows the surface.
func (e *Extractor) Extract(ctx context.Context, chunks []kb.Chunk, clusters ClusterLookup) (*Result, error) {
	result := &Result{}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !validChunk(chunk) {
			e.logger.Warn("skipping chunk with malformed text", "chunk_id", chunk.ChunkID)
			result.ChunksSkipped++
			continue
		}

		mentions, err := e.pattern.Tag(ctx, chunk)
		if err != nil {
			return nil, err
		}

		if e.fallback != nil && meanConfidence(mentions) < e.threshold {
			refined, err := e.fallback.Tag(ctx, chunk)
			if err != nil {
				// The fallback is an enhancement; pattern results stand.
				e.logger.Warn("fallback tagger failed, keeping pattern mentions",
					"chunk_id", chunk.ChunkID,
					"error", err)
			} else if len(refined) > 0 {
				mentions = mergeMentions(mentions, refined)
			}
		}

		if clusters != nil {
			for i := range mentions {
				mentions[i].CorefClusterID = clusters(mentions[i].SurfaceText)
			}
		}
		result.Mentions = append(result.Mentions, mentions...)
	}
	return result, nil
}

func meanConfidence(mentions []kb.Mention) float64 {
	if len(mentions) == 0 {
		return 0
	}
	var total float64
	for _, m := range mentions {
		total += m.Confidence
	}
	return total / float64(len(mentions))
}

// mergeMentions unions two mention sets. On a mention_id collision the
// higher-confidence record wins, so a model's typed judgment can override
// a weak pattern guess for the same span.
func mergeMentions(a, b []kb.Mention) []kb.Mention {
	byID := make(map[string]kb.Mention, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, m := range append(a, b...) {
		existing, ok := byID[m.MentionID]
		if !ok {
			byID[m.MentionID] = m
			order = append(order, m.MentionID)
			continue
		}
		if m.Confidence > existing.Confidence {
			byID[m.MentionID] = m
		}
	}
	out := make([]kb.Mention, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
