package ner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/llm"
	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

const taggerSystemPrompt = `You are a named entity recognizer. Extract every entity mention from the text.
Return ONLY a JSON array where each element is:
{"surface": "<exact text as it appears>", "type": "<PERSON|ORG|GPE|LAW|DATE|PRODUCT|CONCEPT|TECH|OTHER>", "confidence": <0.0-1.0>}
The surface must be copied verbatim from the text. Do not invent entities.`

// LLMTagger extracts mentions with a generative model. It is used for
// chunks where the pattern tagger's matches stay below the confidence
// threshold, or for entity types patterns cannot express.
type LLMTagger struct {
	client *llm.Client
	tier   model.GenerativeTier
}

// NewLLMTagger creates a model-backed tagger on the given tier.
func NewLLMTagger(client *llm.Client, tier model.GenerativeTier) *LLMTagger {
	return &LLMTagger{client: client, tier: tier}
}

type taggedEntity struct {
	Surface    string  `json:"surface"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Tag asks the model for mentions and locates each surface in the chunk
// text to recover byte spans. Surfaces the model invented (not present in
// the chunk) are dropped.
func (t *LLMTagger) Tag(ctx context.Context, chunk kb.Chunk) ([]kb.Mention, error) {
	if strings.TrimSpace(chunk.Text) == "" {
		return nil, nil
	}

	resp, err := t.client.Complete(ctx, llm.Request{
		Tier: t.tier,
		Messages: []llm.Message{
			{Role: "system", Content: taggerSystemPrompt},
			{Role: "user", Content: chunk.Text},
		},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSONArray(resp.Content)
	if raw == "" {
		return nil, store.Transient(fmt.Errorf("no JSON array in tagger response"))
	}
	var tagged []taggedEntity
	if err := json.Unmarshal([]byte(raw), &tagged); err != nil {
		return nil, store.Transient(fmt.Errorf("parse tagger response: %w", err))
	}

	var mentions []kb.Mention
	for _, te := range tagged {
		surface := strings.TrimSpace(te.Surface)
		if surface == "" {
			continue
		}
		entityType := parseEntityType(te.Type)
		confidence := te.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.7
		}
		// Every occurrence of the surface becomes a mention, because each
		// offset is a distinct provenance claim.
		for _, start := range allIndexes(chunk.Text, surface) {
			mentions = append(mentions, kb.Mention{
				MentionID:    ident.MentionID(chunk.ChunkID, ident.NormalizeSurface(surface), start),
				ChunkID:      chunk.ChunkID,
				SurfaceText:  surface,
				EntityType:   entityType,
				StartInChunk: start,
				EndInChunk:   start + len(surface),
				Confidence:   confidence,
			})
		}
	}
	return dedupeMentions(mentions), nil
}

func parseEntityType(s string) kb.EntityType {
	t := kb.EntityType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range kb.EntityTypes {
		if t == known {
			return t
		}
	}
	return kb.EntityOther
}

func allIndexes(text, sub string) []int {
	var out []int
	for from := 0; ; {
		i := strings.Index(text[from:], sub)
		if i < 0 {
			return out
		}
		out = append(out, from+i)
		from += i + len(sub)
	}
}
