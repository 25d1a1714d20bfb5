// Package kb defines the knowledge-base data model: documents, chunks,
// mentions, entities, relations, and the provenance links between them.
// Every record carries a deterministic identifier so that re-ingesting the
// same source is a pure no-op at the store level.
package kb

import "time"

// SourceKind classifies the origin of an ingested document.
type SourceKind string

const (
	SourceWeb   SourceKind = "web"
	SourcePDF   SourceKind = "pdf"
	SourceVideo SourceKind = "video"
	SourceOther SourceKind = "other"
)

// Tier is the quality bucket used to segregate stored content.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// EntityType classifies entity mentions.
type EntityType string

const (
	EntityPerson  EntityType = "PERSON"
	EntityOrg     EntityType = "ORG"
	EntityGPE     EntityType = "GPE"
	EntityLaw     EntityType = "LAW"
	EntityDate    EntityType = "DATE"
	EntityProduct EntityType = "PRODUCT"
	EntityConcept EntityType = "CONCEPT"
	EntityTech    EntityType = "TECH"
	EntityOther   EntityType = "OTHER"
)

// EntityTypes lists all known entity types.
var EntityTypes = []EntityType{
	EntityPerson, EntityOrg, EntityGPE, EntityLaw, EntityDate,
	EntityProduct, EntityConcept, EntityTech, EntityOther,
}

// Predicate is the typed label on a directed edge between two entities.
type Predicate string

const (
	PredEmployedBy Predicate = "EMPLOYED_BY"
	PredFounded    Predicate = "FOUNDED"
	PredCites      Predicate = "CITES"
	PredLocatedIn  Predicate = "LOCATED_IN"
	PredPartOf     Predicate = "PART_OF"
	PredAuthoredBy Predicate = "AUTHORED_BY"
	PredOther      Predicate = "OTHER"
)

// Document is one ingested source.
type Document struct {
	DocID        string     `json:"doc_id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	SourceKind   SourceKind `json:"source_kind"`
	IngestedAt   time.Time  `json:"ingested_at"`
	Tier         Tier       `json:"tier"`
	QualityScore float64    `json:"quality_score"`
	ByteLength   int        `json:"byte_length"`
}

// Chunk is a byte-addressable substring of a document's extracted text.
// Offsets are UTF-8 byte offsets, half-open [StartOffset, EndOffset).
type Chunk struct {
	ChunkID     string    `json:"chunk_id"`
	DocID       string    `json:"doc_id"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Text        string    `json:"text"`
	TokenCount  int       `json:"token_count"`
	HeadingPath string    `json:"heading_path,omitempty"`
	PageNumber  *int      `json:"page_number,omitempty"`
	TimestampMS *int64    `json:"timestamp_ms,omitempty"`
	Embedding   []float32 `json:"-"`
}

// Mention is a typed span inside a chunk.
type Mention struct {
	MentionID      string     `json:"mention_id"`
	ChunkID        string     `json:"chunk_id"`
	SurfaceText    string     `json:"surface_text"`
	EntityType     EntityType `json:"entity_type"`
	StartInChunk   int        `json:"start_in_chunk"`
	EndInChunk     int        `json:"end_in_chunk"`
	Confidence     float64    `json:"confidence"`
	CorefClusterID string     `json:"coref_cluster_id,omitempty"`
}

// Entity is a canonical identity across documents. Merged entities keep the
// first ID and accumulate aliases.
type Entity struct {
	EntityID         string     `json:"entity_id"`
	CanonicalName    string     `json:"canonical_name"`
	EntityType       EntityType `json:"entity_type"`
	Aliases          []string   `json:"aliases,omitempty"`
	MentionCount     int        `json:"mention_count"`
	ContextEmbedding []float32  `json:"-"`
}

// Relation is a typed, directed, evidence-backed edge between two entities.
// Relations are owned by their evidence chunk.
type Relation struct {
	RelID           string    `json:"rel_id"`
	SubjectEntityID string    `json:"subject_entity_id"`
	Predicate       Predicate `json:"predicate"`
	ObjectEntityID  string    `json:"object_entity_id"`
	Confidence      float64   `json:"confidence"`
	EvidenceChunkID string    `json:"evidence_chunk_id"`
	EvidenceStart   int       `json:"evidence_start"`
	EvidenceEnd     int       `json:"evidence_end"`
	EvidenceQuote   string    `json:"evidence_quote"`
}
