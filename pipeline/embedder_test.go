package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/embed"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/model"
)

func newLocalEmbedder(t *testing.T) *Embedder {
	t.Helper()
	client := embed.NewClient(model.NewDefaultRegistry(), testLogger())
	return NewEmbedder(client, model.EmbedLocalSmall, testLogger())
}

func TestEmbedderFillsChunksInPlace(t *testing.T) {
	e := newLocalEmbedder(t)

	chunks := []kb.Chunk{
		{ChunkID: "c-0", Text: "first chunk of text"},
		{ChunkID: "c-1", Text: "second chunk of text"},
	}
	skipped, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	for _, c := range chunks {
		assert.Len(t, c.Embedding, embed.LocalDim)
	}
}

func TestEmbedderSkipsAlreadyEmbedded(t *testing.T) {
	e := newLocalEmbedder(t)
	ctx := context.Background()

	chunks := []kb.Chunk{
		{ChunkID: "c-0", Text: "first chunk of text"},
		{ChunkID: "c-1", Text: "second chunk of text"},
	}
	_, err := e.EmbedChunks(ctx, chunks)
	require.NoError(t, err)
	already := append([]float32(nil), chunks[0].Embedding...)

	chunks[1].Embedding = nil
	skipped, err := e.EmbedChunks(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, already, chunks[0].Embedding)
	assert.Len(t, chunks[1].Embedding, embed.LocalDim)
}

func TestEmbedderReEmbedsWrongDimension(t *testing.T) {
	e := newLocalEmbedder(t)

	chunks := []kb.Chunk{
		{ChunkID: "c-0", Text: "some text", Embedding: make([]float32, 8)},
	}
	skipped, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, chunks[0].Embedding, embed.LocalDim)
}

func TestEmbedderDim(t *testing.T) {
	e := newLocalEmbedder(t)
	dim, err := e.Dim()
	require.NoError(t, err)
	assert.Equal(t, embed.LocalDim, dim)
}

func TestEmbedderEmptySlice(t *testing.T) {
	e := newLocalEmbedder(t)
	skipped, err := e.EmbedChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, skipped)
}
