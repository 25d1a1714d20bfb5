package pipeline

import (
	"context"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// candidatePoolLimit bounds the fuzzy-match candidate pool per entity type.
const candidatePoolLimit = 2000

// GraphEntityLookup serves the linker's read-side from the graph store.
// It never writes; entity creation stays with the indexer.
type GraphEntityLookup struct {
	graph store.GraphStore
}

// NewGraphEntityLookup wraps a graph store.
func NewGraphEntityLookup(graph store.GraphStore) *GraphEntityLookup {
	return &GraphEntityLookup{graph: graph}
}

// GetEntity fetches one canonical entity by ID.
func (g *GraphEntityLookup) GetEntity(ctx context.Context, entityID string) (kb.Entity, bool, error) {
	rows, err := g.graph.Query(ctx,
		`MATCH (e:Entity {id: $id})
		 RETURN e.id AS id, e.canonical_name AS canonical_name,
		        e.entity_type AS entity_type, e.aliases AS aliases,
		        e.mention_count AS mention_count`,
		map[string]any{"id": entityID})
	if err != nil {
		return kb.Entity{}, false, err
	}
	if len(rows) == 0 {
		return kb.Entity{}, false, nil
	}
	return entityFromRow(rows[0]), true, nil
}

// EntitiesByType lists the fuzzy-match candidate pool for one type.
func (g *GraphEntityLookup) EntitiesByType(ctx context.Context, t kb.EntityType) ([]kb.Entity, error) {
	rows, err := g.graph.Query(ctx,
		`MATCH (e:Entity {entity_type: $type})
		 RETURN e.id AS id, e.canonical_name AS canonical_name,
		        e.entity_type AS entity_type, e.aliases AS aliases,
		        e.mention_count AS mention_count
		 LIMIT $limit`,
		map[string]any{"type": string(t), "limit": candidatePoolLimit})
	if err != nil {
		return nil, err
	}
	entities := make([]kb.Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, entityFromRow(row))
	}
	return entities, nil
}

func entityFromRow(row map[string]any) kb.Entity {
	e := kb.Entity{}
	if v, ok := row["id"].(string); ok {
		e.EntityID = v
	}
	if v, ok := row["canonical_name"].(string); ok {
		e.CanonicalName = v
	}
	if v, ok := row["entity_type"].(string); ok {
		e.EntityType = kb.EntityType(v)
	}
	if vals, ok := row["aliases"].([]any); ok {
		for _, v := range vals {
			if s, ok := v.(string); ok {
				e.Aliases = append(e.Aliases, s)
			}
		}
	}
	if v, ok := row["mention_count"].(int64); ok {
		e.MentionCount = int(v)
	}
	return e
}
