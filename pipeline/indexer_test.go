package pipeline

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/link"
	"github.com/c360studio/provgraph/store"
	"github.com/c360studio/provgraph/store/cache"
)

func newIndexerFixture(t *testing.T) (*Indexer, *memGraph) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	graph := newMemGraph()
	facade := &store.Facade{
		Blobs:  newMemBlob(),
		Vector: newMemVector(),
		Graph:  graph,
		DB:     newMemDB(),
		Cache:  cache.NewWithClient(client, "test:", testLogger()),
	}
	return NewIndexer(facade, 0, testLogger()), graph
}

// A claim evidenced by two different chunks must produce two predicate
// edges, each keeping its own evidence provenance.
func TestCommitKnowledgeKeepsParallelEvidenceEdges(t *testing.T) {
	indexer, graph := newIndexerFixture(t)

	docID, err := ident.DocID("https://example.com/initech-origins")
	require.NoError(t, err)
	doc := &kb.Document{DocID: docID, Tier: kb.TierB}

	subj := kb.Entity{EntityID: ident.EntityID("elena vargas", kb.EntityPerson), EntityType: kb.EntityPerson, CanonicalName: "Elena Vargas"}
	obj := kb.Entity{EntityID: ident.EntityID("initech systems", kb.EntityOrg), EntityType: kb.EntityOrg, CanonicalName: "Initech Systems"}

	chunkA := ident.ChunkID(docID, 0)
	chunkB := ident.ChunkID(docID, 800)
	decisions := []link.Decision{
		{Mention: kb.Mention{MentionID: ident.MentionID(chunkA, "elena vargas", 4), ChunkID: chunkA, SurfaceText: "Elena Vargas", EntityType: kb.EntityPerson, Confidence: 0.85}, Entity: subj, Confidence: 1.0},
		{Mention: kb.Mention{MentionID: ident.MentionID(chunkB, "initech systems", 12), ChunkID: chunkB, SurfaceText: "Initech Systems", EntityType: kb.EntityOrg, Confidence: 0.85}, Entity: obj, Confidence: 1.0},
	}

	relations := []kb.Relation{
		{
			RelID:           ident.RelationID(subj.EntityID, kb.PredFounded, obj.EntityID, chunkA),
			SubjectEntityID: subj.EntityID,
			Predicate:       kb.PredFounded,
			ObjectEntityID:  obj.EntityID,
			Confidence:      0.9,
			EvidenceChunkID: chunkA,
			EvidenceQuote:   "Elena Vargas founded Initech Systems",
		},
		{
			RelID:           ident.RelationID(subj.EntityID, kb.PredFounded, obj.EntityID, chunkB),
			SubjectEntityID: subj.EntityID,
			Predicate:       kb.PredFounded,
			ObjectEntityID:  obj.EntityID,
			Confidence:      0.8,
			EvidenceChunkID: chunkB,
			EvidenceQuote:   "the company she founded",
		},
	}

	require.NoError(t, indexer.CommitKnowledge(context.Background(), doc, nil, decisions, relations))

	assert.Equal(t, 2, graph.edgeCount("FOUNDED"))

	seen := map[string]bool{}
	graph.mu.Lock()
	for key, props := range graph.edges {
		if len(key) < len("FOUNDED/") || key[:len("FOUNDED/")] != "FOUNDED/" {
			continue
		}
		seen[props["evidence_chunk_id"].(string)] = true
	}
	graph.mu.Unlock()
	assert.True(t, seen[chunkA], "first chunk's provenance survives")
	assert.True(t, seen[chunkB], "second chunk's provenance survives")
}

// Re-ingesting the same relation merges onto the existing edge instead of
// stacking duplicates.
func TestCommitKnowledgeRelationIdempotent(t *testing.T) {
	indexer, graph := newIndexerFixture(t)

	docID, err := ident.DocID("https://example.com/initech-origins")
	require.NoError(t, err)
	doc := &kb.Document{DocID: docID, Tier: kb.TierB}

	subj := kb.Entity{EntityID: ident.EntityID("elena vargas", kb.EntityPerson), EntityType: kb.EntityPerson, CanonicalName: "Elena Vargas"}
	obj := kb.Entity{EntityID: ident.EntityID("initech systems", kb.EntityOrg), EntityType: kb.EntityOrg, CanonicalName: "Initech Systems"}
	chunkA := ident.ChunkID(docID, 0)

	rel := kb.Relation{
		RelID:           ident.RelationID(subj.EntityID, kb.PredFounded, obj.EntityID, chunkA),
		SubjectEntityID: subj.EntityID,
		Predicate:       kb.PredFounded,
		ObjectEntityID:  obj.EntityID,
		Confidence:      0.9,
		EvidenceChunkID: chunkA,
	}
	decisions := []link.Decision{
		{Mention: kb.Mention{MentionID: ident.MentionID(chunkA, "elena vargas", 4), ChunkID: chunkA, SurfaceText: "Elena Vargas", EntityType: kb.EntityPerson, Confidence: 0.85}, Entity: subj, Confidence: 1.0},
	}

	require.NoError(t, indexer.CommitKnowledge(context.Background(), doc, nil, decisions, []kb.Relation{rel}))
	require.NoError(t, indexer.CommitKnowledge(context.Background(), doc, nil, decisions, []kb.Relation{rel}))

	assert.Equal(t, 1, graph.edgeCount("FOUNDED"))
}

// A decision set larger than the batch size splits into one graph
// transaction per batch, and aliases folded before batching survive every
// batch's entity write.
func TestCommitKnowledgeBatchesTransactions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	graph := newMemGraph()
	facade := &store.Facade{
		Blobs:  newMemBlob(),
		Vector: newMemVector(),
		Graph:  graph,
		DB:     newMemDB(),
		Cache:  cache.NewWithClient(client, "test:", testLogger()),
	}
	indexer := NewIndexer(facade, 2, testLogger())

	docID, err := ident.DocID("https://example.com/initech-origins")
	require.NoError(t, err)
	doc := &kb.Document{DocID: docID, Tier: kb.TierB}

	entity := kb.Entity{EntityID: ident.EntityID("initech systems", kb.EntityOrg), EntityType: kb.EntityOrg, CanonicalName: "Initech Systems"}
	var decisions []link.Decision
	for i := 0; i < 5; i++ {
		chunkID := ident.ChunkID(docID, i*100)
		d := link.Decision{
			Mention:    kb.Mention{MentionID: ident.MentionID(chunkID, "initech systems", 0), ChunkID: chunkID, SurfaceText: "Initech Systems", EntityType: kb.EntityOrg, Confidence: 0.85},
			Entity:     entity,
			Confidence: 1.0,
		}
		if i == 4 {
			d.AliasAdded = "Initech"
		}
		decisions = append(decisions, d)
	}

	require.NoError(t, indexer.CommitKnowledge(context.Background(), doc, nil, decisions, nil))

	// 5 decisions at batch size 2 need 3 transactions, plus 1 for the
	// mention-count recompute.
	assert.Equal(t, 4, graph.txCount)
	assert.Equal(t, 5, graph.edgeCount("REFERS_TO"))

	graph.mu.Lock()
	props := graph.nodes["Entity/"+entity.EntityID]
	graph.mu.Unlock()
	require.NotNil(t, props)
	aliases, _ := props["aliases"].([]string)
	assert.Contains(t, aliases, "initech", "alias from the last batch survives the earlier batches' writes")
}
