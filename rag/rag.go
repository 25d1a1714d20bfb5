// Package rag answers queries over the ingested corpus. Retrieval hits are
// turned into numbered sources for the generative model, and the model's
// citation markers are grounded back to exact byte ranges before the answer
// is returned. An answer that cites nothing resolvable is an error, not a
// best effort.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/provgraph/embed"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/llm"
	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

const (
	// DefaultK is the number of nearest chunks retrieved per query.
	DefaultK = 8

	// maxK bounds how many chunks a single query may request.
	maxK = 50

	// globOverfetch widens the vector search when a heading glob filter
	// will discard hits after the fact.
	globOverfetch = 4
)

// NoEvidenceAnswer is returned when retrieval finds nothing to cite.
const NoEvidenceAnswer = "No evidence found in the indexed sources for this query."

// Query is one retrieval question. Filters are exact payload matches;
// the heading_path filter additionally accepts doublestar globs over the
// heading hierarchy with segments separated by "/" (e.g. "Guide/**").
type Query struct {
	Text    string            `json:"query"`
	K       int               `json:"k,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Citation grounds one [n] marker to a byte range in a stored chunk.
type Citation struct {
	Index       int    `json:"index"`
	DocID       string `json:"doc_id"`
	DocURL      string `json:"doc_url"`
	DocTitle    string `json:"doc_title"`
	ChunkID     string `json:"chunk_id"`
	ByteRange   [2]int `json:"byte_range"`
	PageNumber  *int   `json:"page,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	Quote       string `json:"quote"`
}

// Answer is the resolver's output.
type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// Generator is the slice of the generative client the resolver needs.
type Generator interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// source is one retrieved chunk with everything the prompt and the
// grounding pass need.
type source struct {
	chunkID   string
	doc       *kb.Document
	text      string
	start     int
	end       int
	anchor    kb.Anchor
	relations []string
}

// Resolver runs the retrieve-generate-ground loop.
type Resolver struct {
	stores         *store.Facade
	embed          *embed.Client
	embedTier      model.EmbeddingTier
	gen            Generator
	genTier        model.GenerativeTier
	defaultK       int
	graphExpansion bool
	logger         *slog.Logger
}

// ResolverDeps bundles the resolver's collaborators.
type ResolverDeps struct {
	Stores         *store.Facade
	Embed          *embed.Client
	EmbeddingTier  model.EmbeddingTier
	Generator      Generator
	GenerativeTier model.GenerativeTier
	DefaultK       int
	GraphExpansion bool
	Logger         *slog.Logger
}

// NewResolver assembles a resolver.
func NewResolver(deps ResolverDeps) *Resolver {
	k := deps.DefaultK
	if k <= 0 {
		k = DefaultK
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		stores:         deps.Stores,
		embed:          deps.Embed,
		embedTier:      deps.EmbeddingTier,
		gen:            deps.Generator,
		genTier:        deps.GenerativeTier,
		defaultK:       k,
		graphExpansion: deps.GraphExpansion,
		logger:         logger,
	}
}

// Resolve answers one query. When retrieval finds no chunks the answer is
// the no-evidence response with zero citations; when the model's output
// cannot be grounded the whole resolution fails with a data integrity
// error rather than returning unverifiable text.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, store.Validation(fmt.Errorf("query text is empty"))
	}
	k := q.K
	if k <= 0 {
		k = r.defaultK
	}
	if k > maxK {
		k = maxK
	}

	vec, err := r.embed.EmbedOne(ctx, r.embedTier, q.Text)
	if err != nil {
		return nil, err
	}

	exact, headingGlob, err := splitFilters(q.Filters)
	if err != nil {
		return nil, err
	}
	fetchK := k
	if headingGlob != "" {
		fetchK = k * globOverfetch
	}
	hits, err := r.stores.Vector.Search(ctx, vec, fetchK, exact)
	if err != nil {
		return nil, err
	}
	if headingGlob != "" {
		hits = filterByHeading(hits, headingGlob)
		if len(hits) > k {
			hits = hits[:k]
		}
	}
	if len(hits) == 0 {
		return &Answer{Text: NoEvidenceAnswer}, nil
	}

	sources, err := r.loadSources(ctx, hits)
	if err != nil {
		return nil, err
	}

	resp, err := r.gen.Complete(ctx, llm.Request{
		Tier: r.genTier,
		Messages: []llm.Message{
			{Role: "system", Content: answerSystemPrompt},
			{Role: "user", Content: buildPrompt(q.Text, sources)},
		},
	})
	if err != nil {
		return nil, err
	}

	citations, err := groundCitations(resp.Content, sources)
	if err != nil {
		return nil, err
	}
	if len(citations) == 0 {
		return nil, store.DataIntegrity(
			fmt.Errorf("answer cites none of the %d retrieved sources", len(sources)))
	}
	return &Answer{Text: resp.Content, Citations: citations}, nil
}

// splitFilters separates the heading glob from exact payload filters. A
// heading_path value without glob metacharacters stays an exact filter.
func splitFilters(filters map[string]string) (map[string]string, string, error) {
	if len(filters) == 0 {
		return nil, "", nil
	}
	exact := make(map[string]string, len(filters))
	glob := ""
	for key, val := range filters {
		if key == "heading_path" && strings.ContainsAny(val, "*?[{") {
			if !doublestar.ValidatePattern(val) {
				return nil, "", store.Validation(fmt.Errorf("invalid heading_path glob %q", val))
			}
			glob = val
			continue
		}
		exact[key] = val
	}
	if len(exact) == 0 {
		exact = nil
	}
	return exact, glob, nil
}

// filterByHeading keeps hits whose heading path matches the glob. Heading
// segments are separated by " > " in payloads and by "/" in patterns.
func filterByHeading(hits []store.VectorHit, pattern string) []store.VectorHit {
	var kept []store.VectorHit
	for _, hit := range hits {
		heading, _ := hit.Payload["heading_path"].(string)
		path := strings.ReplaceAll(heading, " > ", "/")
		if ok, _ := doublestar.Match(pattern, path); ok {
			kept = append(kept, hit)
		}
	}
	return kept
}

// loadSources materializes each hit: document record, chunk text sliced
// from the text blob, and the anchor from the location map. Per-document
// artifacts are fetched once however many chunks hit.
func (r *Resolver) loadSources(ctx context.Context, hits []store.VectorHit) ([]source, error) {
	type docArtifacts struct {
		doc    *kb.Document
		text   string
		locmap *kb.LocationMap
	}
	cache := make(map[string]*docArtifacts)

	sources := make([]source, 0, len(hits))
	for _, hit := range hits {
		chunkID, _ := hit.Payload["chunk_id"].(string)
		docID, _ := hit.Payload["doc_id"].(string)
		if chunkID == "" || docID == "" {
			return nil, store.DataIntegrity(
				fmt.Errorf("vector point %s has no chunk_id/doc_id payload", hit.ID))
		}

		arts, ok := cache[docID]
		if !ok {
			doc, err := r.stores.DB.GetDocument(ctx, docID)
			if err != nil {
				return nil, fmt.Errorf("rag: load document %s: %w", docID, err)
			}
			textBytes, err := r.stores.Blobs.Get(ctx, store.BlobKey(doc.Tier, docID, "text"))
			if err != nil {
				return nil, fmt.Errorf("rag: load text for %s: %w", docID, err)
			}
			locBytes, err := r.stores.Blobs.Get(ctx, store.BlobKey(doc.Tier, docID, "locmap.json"))
			if err != nil {
				return nil, fmt.Errorf("rag: load location map for %s: %w", docID, err)
			}
			locmap := &kb.LocationMap{}
			if err := json.Unmarshal(locBytes, locmap); err != nil {
				return nil, store.DataIntegrity(fmt.Errorf("rag: location map for %s: %w", docID, err))
			}
			arts = &docArtifacts{doc: doc, text: string(textBytes), locmap: locmap}
			cache[docID] = arts
		}

		start, end, err := r.chunkOffsets(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if start < 0 || end > len(arts.text) || start >= end {
			return nil, store.DataIntegrity(
				fmt.Errorf("chunk %s range [%d,%d) outside document of %d bytes", chunkID, start, end, len(arts.text)))
		}

		src := source{
			chunkID: chunkID,
			doc:     arts.doc,
			text:    arts.text[start:end],
			start:   start,
			end:     end,
			anchor:  arts.locmap.Resolve(start),
		}
		if r.graphExpansion {
			src.relations = r.chunkRelations(ctx, chunkID)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// chunkOffsets reads the chunk's byte range from the graph. A chunk in the
// vector index but absent from the graph means the stores disagree.
func (r *Resolver) chunkOffsets(ctx context.Context, chunkID string) (int, int, error) {
	rows, err := r.stores.Graph.Query(ctx,
		`MATCH (c:Chunk {id: $id})
		 RETURN c.start_offset AS start_offset, c.end_offset AS end_offset`,
		map[string]any{"id": chunkID})
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, store.DataIntegrity(
			fmt.Errorf("chunk %s indexed in vectors but missing from graph", chunkID))
	}
	return intFromRow(rows[0], "start_offset"), intFromRow(rows[0], "end_offset"), nil
}

// chunkRelations collects relations evidenced by this chunk to enrich the
// prompt. Failures degrade to an unexpanded source.
func (r *Resolver) chunkRelations(ctx context.Context, chunkID string) []string {
	rows, err := r.stores.Graph.Query(ctx,
		`MATCH (s:Entity)-[rel]->(o:Entity)
		 WHERE rel.evidence_chunk_id = $chunk_id
		 RETURN s.canonical_name AS subject, type(rel) AS predicate, o.canonical_name AS object`,
		map[string]any{"chunk_id": chunkID})
	if err != nil {
		r.logger.Warn("graph expansion failed", "chunk_id", chunkID, "error", err)
		return nil
	}
	var lines []string
	for _, row := range rows {
		subj, _ := row["subject"].(string)
		pred, _ := row["predicate"].(string)
		obj, _ := row["object"].(string)
		if subj == "" || pred == "" || obj == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", subj, pred, obj))
	}
	return lines
}

func intFromRow(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
