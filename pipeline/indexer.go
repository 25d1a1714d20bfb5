package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/link"
	"github.com/c360studio/provgraph/store"
)

// graphCommitTimeout is the latency ceiling on one graph transaction.
// Exceeding it is a transient failure so the retry policy applies.
const graphCommitTimeout = 5 * time.Second

// Indexer is the only component that mutates persisted records. It commits
// in two phases: CommitDocument after chunking (document, chunks, location
// map survive a later cancellation) and CommitKnowledge at the index stage
// (mentions, entities, relations, vectors). Every write is an idempotent
// upsert keyed by deterministic IDs, so re-running either phase is a no-op.
type Indexer struct {
	stores *store.Facade
	batch  int
	logger *slog.Logger
}

// DefaultBatchSize caps how many link decisions, relations, or entity
// recounts one graph transaction carries.
const DefaultBatchSize = 100

// NewIndexer creates an indexer over the store facade. batchSize bounds
// the writes per graph transaction; non-positive values use the default.
func NewIndexer(stores *store.Facade, batchSize int, logger *slog.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{stores: stores, batch: batchSize, logger: logger}
}

// CommitDocument persists the raw source, extracted text, location map,
// document row, and the chunk subgraph. Order: blob, relational, graph.
// Chunk nodes and their PART_OF edges land in one transaction with the
// document node, so no edge can exist without both endpoints.
func (x *Indexer) CommitDocument(ctx context.Context, doc *kb.Document, raw []byte, text string, locations *kb.LocationMap, chunks []kb.Chunk) error {
	if _, err := x.stores.Blobs.Put(ctx, store.BlobKey(doc.Tier, doc.DocID, "raw"), raw, store.BlobMeta{"url": doc.URL}); err != nil {
		return err
	}
	if _, err := x.stores.Blobs.Put(ctx, store.BlobKey(doc.Tier, doc.DocID, "text"), []byte(text), nil); err != nil {
		return err
	}
	locJSON, err := json.Marshal(locations)
	if err != nil {
		return fmt.Errorf("indexer: marshal location map: %w", err)
	}
	if _, err := x.stores.Blobs.Put(ctx, store.BlobKey(doc.Tier, doc.DocID, "locmap.json"), locJSON, nil); err != nil {
		return err
	}

	if err := x.stores.DB.UpsertDocument(ctx, doc); err != nil {
		return err
	}

	return x.graphCommit(ctx, func(tx store.GraphTx) error {
		if err := tx.UpsertNode(ctx, "Document", doc.DocID, map[string]any{
			"url":         doc.URL,
			"title":       doc.Title,
			"source_kind": string(doc.SourceKind),
			"tier":        string(doc.Tier),
			"byte_length": doc.ByteLength,
		}); err != nil {
			return err
		}
		for _, c := range chunks {
			props := map[string]any{
				"doc_id":       c.DocID,
				"start_offset": c.StartOffset,
				"end_offset":   c.EndOffset,
				"token_count":  c.TokenCount,
			}
			if c.HeadingPath != "" {
				props["heading_path"] = c.HeadingPath
			}
			if c.PageNumber != nil {
				props["page_number"] = *c.PageNumber
			}
			if c.TimestampMS != nil {
				props["timestamp_ms"] = *c.TimestampMS
			}
			if err := tx.UpsertNode(ctx, "Chunk", c.ChunkID, props); err != nil {
				return err
			}
			if err := tx.UpsertEdge(ctx, c.ChunkID, "PART_OF", doc.DocID, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitKnowledge persists the transform stages' output: entity and
// mention nodes with their edges in graph transactions of at most the
// configured batch size, then chunk vectors, then cache invalidation.
// Nodes go in before any edge that references them; an edge written in a
// later batch may reference nodes a previous batch already committed.
func (x *Indexer) CommitKnowledge(ctx context.Context, doc *kb.Document, chunks []kb.Chunk, decisions []link.Decision, relations []kb.Relation) error {
	// Fold aliases across the whole decision set first, so every batch
	// writes an entity's final alias list and a later batch cannot
	// overwrite an alias recorded by an earlier one.
	entities := make(map[string]kb.Entity, len(decisions))
	for _, d := range decisions {
		e, ok := entities[d.Entity.EntityID]
		if !ok {
			e = d.Entity
		}
		if d.AliasAdded != "" {
			e.Aliases = appendAlias(e.Aliases, d.AliasAdded)
		}
		entities[e.EntityID] = e
	}

	// Mentions sharing a coref cluster chain together; the closure is
	// implicit, COREF_WITH links only neighbors. Chain state crosses
	// batch boundaries.
	lastInCluster := make(map[string]string)

	for start := 0; start < len(decisions); start += x.batch {
		batch := decisions[start:min(start+x.batch, len(decisions))]
		err := x.graphCommit(ctx, func(tx store.GraphTx) error {
			written := make(map[string]bool, len(batch))
			for _, d := range batch {
				e := entities[d.Entity.EntityID]
				if !written[e.EntityID] {
					if err := tx.UpsertNode(ctx, "Entity", e.EntityID, map[string]any{
						"canonical_name": e.CanonicalName,
						"entity_type":    string(e.EntityType),
						"aliases":        e.Aliases,
					}); err != nil {
						return err
					}
					written[e.EntityID] = true
				}

				m := d.Mention
				props := map[string]any{
					"chunk_id":       m.ChunkID,
					"surface_text":   m.SurfaceText,
					"entity_type":    string(m.EntityType),
					"start_in_chunk": m.StartInChunk,
					"end_in_chunk":   m.EndInChunk,
					"confidence":     m.Confidence,
				}
				if m.CorefClusterID != "" {
					props["coref_cluster_id"] = m.CorefClusterID
				}
				if err := tx.UpsertNode(ctx, "Mention", m.MentionID, props); err != nil {
					return err
				}
				if err := tx.UpsertEdge(ctx, m.MentionID, "FOUND_IN", m.ChunkID, nil); err != nil {
					return err
				}
				if err := tx.UpsertEdge(ctx, m.MentionID, "REFERS_TO", e.EntityID, map[string]any{
					"confidence": d.Confidence,
				}); err != nil {
					return err
				}
				if m.CorefClusterID != "" {
					if prev, ok := lastInCluster[m.CorefClusterID]; ok {
						if err := tx.UpsertEdge(ctx, prev, "COREF_WITH", m.MentionID, nil); err != nil {
							return err
						}
					}
					lastInCluster[m.CorefClusterID] = m.MentionID
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for start := 0; start < len(relations); start += x.batch {
		batch := relations[start:min(start+x.batch, len(relations))]
		err := x.graphCommit(ctx, func(tx store.GraphTx) error {
			// Keyed on rel_id: the same claim evidenced by two chunks
			// stays two edges, each keeping its own provenance.
			for _, r := range batch {
				if err := tx.UpsertKeyedEdge(ctx, r.SubjectEntityID, string(r.Predicate), r.ObjectEntityID, "rel_id", map[string]any{
					"rel_id":            r.RelID,
					"confidence":        r.Confidence,
					"evidence_chunk_id": r.EvidenceChunkID,
					"evidence_start":    r.EvidenceStart,
					"evidence_end":      r.EvidenceEnd,
					"evidence_quote":    r.EvidenceQuote,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Recompute mention counts from the graph itself so duplicate
	// ingestion never inflates them.
	entityIDs := make([]string, 0, len(entities))
	for id := range entities {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)
	for start := 0; start < len(entityIDs); start += x.batch {
		batch := entityIDs[start:min(start+x.batch, len(entityIDs))]
		err := x.graphCommit(ctx, func(tx store.GraphTx) error {
			for _, id := range batch {
				if _, err := tx.Run(ctx,
					`MATCH (e:Entity {id: $id})
					 OPTIONAL MATCH (m:Mention)-[:REFERS_TO]->(e)
					 WITH e, count(m) AS c
					 SET e.mention_count = c`,
					map[string]any{"id": id}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		payload := map[string]any{
			"chunk_id": c.ChunkID,
			"doc_id":   c.DocID,
			"tier":     string(doc.Tier),
		}
		if c.HeadingPath != "" {
			payload["heading_path"] = c.HeadingPath
		}
		if c.PageNumber != nil {
			payload["page"] = *c.PageNumber
		}
		if c.TimestampMS != nil {
			payload["timestamp_ms"] = *c.TimestampMS
		}
		if err := x.stores.Vector.Upsert(ctx, c.ChunkID, c.Embedding, payload); err != nil {
			return err
		}
	}

	if err := x.stores.Cache.Delete(ctx, "doc:"+doc.DocID); err != nil {
		// Invalidation is best-effort.
		x.logger.Warn("cache invalidation failed", "doc_id", doc.DocID, "error", err)
	}
	return nil
}

func appendAlias(aliases []string, alias string) []string {
	norm := ident.NormalizeSurface(alias)
	for _, a := range aliases {
		if ident.NormalizeSurface(a) == norm {
			return aliases
		}
	}
	return append(aliases, norm)
}

// graphCommit runs fn in one graph transaction under the commit ceiling.
func (x *Indexer) graphCommit(ctx context.Context, fn func(tx store.GraphTx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, graphCommitTimeout)
	defer cancel()

	err := x.stores.Graph.WithTx(txCtx, fn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return store.Transient(fmt.Errorf("indexer: graph commit exceeded %s: %w", graphCommitTimeout, err))
	}
	return err
}
