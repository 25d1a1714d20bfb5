package store

import (
	"context"
	"time"

	"github.com/c360studio/provgraph/kb"
)

// BlobMeta carries user metadata attached to a stored blob.
type BlobMeta map[string]string

// BlobStore stores raw sources and extracted text under tier-prefixed keys
// (tier-{A..D}/{doc_id}/raw, .../text, .../locmap.json).
type BlobStore interface {
	// Put stores a blob and returns its etag. Puts are idempotent.
	Put(ctx context.Context, key string, data []byte, meta BlobMeta) (string, error)
	// Get returns the blob's bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// BlobKey builds the canonical blob key for a document artifact.
func BlobKey(tier kb.Tier, docID, artifact string) string {
	return "tier-" + string(tier) + "/" + docID + "/" + artifact
}

// VectorHit is one k-NN search result.
type VectorHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// VectorStore indexes chunk embeddings. Dimensionality is fixed at collection
// creation and must match the embedding provider's dim.
type VectorStore interface {
	// EnsureCollection creates the collection at the given dimensionality if
	// it does not exist, and fails if it exists with a different one.
	EnsureCollection(ctx context.Context, dim int) error
	// Upsert writes one vector with its payload, keyed by deterministic ID.
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	// Search returns the k nearest vectors, optionally filtered by exact
	// payload matches.
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorHit, error)
	// Delete removes a vector by ID.
	Delete(ctx context.Context, id string) error
}

// GraphTx is a transactional batch of graph writes. Edges written inside a
// transaction must reference nodes upserted in the same transaction or
// already present; the commit fails otherwise, which is how the indexer
// guarantees no orphan edges.
type GraphTx interface {
	UpsertNode(ctx context.Context, label, id string, props map[string]any) error
	// UpsertEdge merges the single edge of this label between the two
	// nodes. Use it for structural edges (PART_OF, FOUND_IN, REFERS_TO)
	// where one edge per endpoint pair is the model.
	UpsertEdge(ctx context.Context, srcID, label, dstID string, props map[string]any) error
	// UpsertKeyedEdge merges an edge identified by the key property in
	// props, so the same endpoint pair can carry parallel edges of one
	// label. Relation edges use rel_id here: independent evidence chunks
	// for the same claim stay separate edges.
	UpsertKeyedEdge(ctx context.Context, srcID, label, dstID, key string, props map[string]any) error
	Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// GraphStore is the document/entity graph.
type GraphStore interface {
	// WithTx runs fn inside a single transaction, committing on nil return
	// and rolling back on error.
	WithTx(ctx context.Context, fn func(tx GraphTx) error) error
	// Query runs a read-only query.
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// RelationalStore persists jobs, progress events, and document metadata.
type RelationalStore interface {
	SaveJob(ctx context.Context, job *kb.Job) error
	GetJob(ctx context.Context, jobID string) (*kb.Job, error)

	AppendProgress(ctx context.Context, ev *kb.ProgressEvent) error
	ListProgress(ctx context.Context, jobID string, fromSeq int64) ([]kb.ProgressEvent, error)
	MaxProgressSeq(ctx context.Context, jobID string) (int64, error)

	UpsertDocument(ctx context.Context, doc *kb.Document) error
	GetDocument(ctx context.Context, docID string) (*kb.Document, error)

	// PruneProgress deletes progress events for jobs updated before cutoff,
	// returning the number of rows removed.
	PruneProgress(ctx context.Context, cutoff time.Time) (int64, error)
	// PruneJobs expires terminal jobs updated before cutoff.
	PruneJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is a typed key/value store with TTL plus pub/sub fan-out.
// Semantics are at-least-once; cache invalidation is best-effort.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get unmarshals the cached value into dest and reports whether the key
	// was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a receive channel for the topic and a cancel func
	// that closes the subscription.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// Facade bundles the five capability stores. It is explicit configuration
// passed to each component at construction; no component reaches for a
// global.
type Facade struct {
	Blobs  BlobStore
	Vector VectorStore
	Graph  GraphStore
	DB     RelationalStore
	Cache  Cache
}
