package ner

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunkOf(id, text string) kb.Chunk {
	return kb.Chunk{ChunkID: id, Text: text}
}

func mentionsByType(mentions []kb.Mention, t kb.EntityType) []kb.Mention {
	var out []kb.Mention
	for _, m := range mentions {
		if m.EntityType == t {
			out = append(out, m)
		}
	}
	return out
}

func TestPatternTaggerOrg(t *testing.T) {
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0",
		"Acme Corporation announced a merger with Globex Industries on March 3, 2024."))
	require.NoError(t, err)

	orgs := mentionsByType(mentions, kb.EntityOrg)
	require.Len(t, orgs, 2)
	assert.Equal(t, "Acme Corporation", orgs[0].SurfaceText)
	assert.Equal(t, "Globex Industries", orgs[1].SurfaceText)

	dates := mentionsByType(mentions, kb.EntityDate)
	require.Len(t, dates, 1)
	assert.Equal(t, "March 3, 2024", dates[0].SurfaceText)
}

func TestPatternTaggerPerson(t *testing.T) {
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0",
		"Dr. Jane Smith presented the findings to the committee."))
	require.NoError(t, err)

	people := mentionsByType(mentions, kb.EntityPerson)
	require.Len(t, people, 1)
	assert.Equal(t, "Jane Smith", people[0].SurfaceText)
	assert.GreaterOrEqual(t, people[0].Confidence, 0.8)
}

func TestPatternTaggerSpansMatchText(t *testing.T) {
	text := "The Clean Air Act of 1970 empowered the EPA to regulate emissions."
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0", text))
	require.NoError(t, err)
	require.NotEmpty(t, mentions)

	for _, m := range mentions {
		assert.Equal(t, text[m.StartInChunk:m.EndInChunk], m.SurfaceText)
	}
	laws := mentionsByType(mentions, kb.EntityLaw)
	require.NotEmpty(t, laws)
	assert.Equal(t, "Clean Air Act of 1970", laws[0].SurfaceText)
}

func TestPatternTaggerGazetteer(t *testing.T) {
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0",
		"The factory in Germany ships parts to San Francisco."))
	require.NoError(t, err)

	gpes := mentionsByType(mentions, kb.EntityGPE)
	surfaces := make([]string, 0, len(gpes))
	for _, m := range gpes {
		surfaces = append(surfaces, m.SurfaceText)
	}
	assert.Contains(t, surfaces, "Germany")
	assert.Contains(t, surfaces, "San Francisco")
}

func TestPatternTaggerEmptyChunk(t *testing.T) {
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0", "   \n\t  "))
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestPatternTaggerDeterministicIDs(t *testing.T) {
	tagger := NewPatternTagger()
	a, err := tagger.Tag(context.Background(), chunkOf("c0", "Acme Corporation builds widgets."))
	require.NoError(t, err)
	b, err := tagger.Tag(context.Background(), chunkOf("c0", "Acme Corporation builds widgets."))
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].MentionID, b[i].MentionID)
	}
}

func TestPatternTaggerIDsUseNormalizedSurface(t *testing.T) {
	tagger := NewPatternTagger()
	mentions, err := tagger.Tag(context.Background(), chunkOf("c0", "Acme  Corporation builds widgets."))
	require.NoError(t, err)
	require.NotEmpty(t, mentions)

	m := mentions[0]
	assert.Equal(t, "Acme  Corporation", m.SurfaceText)
	assert.Equal(t, ident.MentionID("c0", "acme corporation", m.StartInChunk), m.MentionID)
	assert.NotEqual(t, ident.MentionID("c0", m.SurfaceText, m.StartInChunk), m.MentionID)
}

func TestExtractorSkipsMalformedChunks(t *testing.T) {
	e := NewExtractor(nil, 0.5, testLogger())
	chunks := []kb.Chunk{
		chunkOf("c0", "Acme Corporation was founded in 1999."),
		chunkOf("c1", "bad bytes \xff\xfe here"),
	}
	res, err := e.Extract(context.Background(), chunks, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksSkipped)
	assert.NotEmpty(t, res.Mentions)
	for _, m := range res.Mentions {
		assert.Equal(t, "c0", m.ChunkID)
	}
}

func TestExtractorAttachesClusters(t *testing.T) {
	e := NewExtractor(nil, 0.5, testLogger())
	chunks := []kb.Chunk{chunkOf("c0", "Acme Corporation expanded. Acme Corporation hired.")}
	lookup := func(surface string) string {
		if surface == "Acme Corporation" {
			return "coref:abc123"
		}
		return ""
	}
	res, err := e.Extract(context.Background(), chunks, lookup)
	require.NoError(t, err)

	found := false
	for _, m := range res.Mentions {
		if m.SurfaceText == "Acme Corporation" {
			assert.Equal(t, "coref:abc123", m.CorefClusterID)
			found = true
		}
	}
	assert.True(t, found)
}

type stubTagger struct {
	mentions []kb.Mention
	err      error
	calls    int
}

func (s *stubTagger) Tag(_ context.Context, _ kb.Chunk) ([]kb.Mention, error) {
	s.calls++
	return s.mentions, s.err
}

func TestExtractorFallbackOnLowConfidence(t *testing.T) {
	// Bare acronyms tag at 0.5, below the 0.8 threshold, so the fallback
	// runs and its higher-confidence typing wins.
	text := "NATO convened."
	pattern := NewPatternTagger()
	base, err := pattern.Tag(context.Background(), chunkOf("c0", text))
	require.NoError(t, err)
	require.NotEmpty(t, base)

	refined := base[0]
	refined.EntityType = kb.EntityOrg
	refined.Confidence = 0.95
	stub := &stubTagger{mentions: []kb.Mention{refined}}

	e := NewExtractor(stub, 0.8, testLogger())
	res, err := e.Extract(context.Background(), []kb.Chunk{chunkOf("c0", text)}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)

	for _, m := range res.Mentions {
		if m.MentionID == refined.MentionID {
			assert.Equal(t, kb.EntityOrg, m.EntityType)
			assert.Equal(t, 0.95, m.Confidence)
		}
	}
}

func TestExtractorFallbackFailureKeepsPatternResults(t *testing.T) {
	stub := &stubTagger{err: assert.AnError}
	e := NewExtractor(stub, 0.99, testLogger())
	res, err := e.Extract(context.Background(), []kb.Chunk{chunkOf("c0", "ACME released WidgetOS in 2021.")}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Mentions)
}
