// Package vector implements store.VectorStore on qdrant. Point IDs are
// deterministic UUIDs derived from chunk IDs so replays upsert in place.
package vector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/c360studio/provgraph/store"
)

// pointNamespace seeds deterministic point UUIDs.
var pointNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// Config holds qdrant connection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// Store is a qdrant-backed vector store.
type Store struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger
}

// New connects to qdrant.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector: collection is required")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: connect qdrant: %w", err)
	}

	return &Store{client: client, collection: cfg.Collection, logger: logger}, nil
}

// EnsureCollection creates the collection at the given dimensionality if it
// does not exist. An existing collection with a different dimensionality is a
// configuration error, not a transient one.
func (s *Store) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return store.Transient(fmt.Errorf("vector: check collection: %w", err))
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, s.collection)
		if err != nil {
			return store.Transient(fmt.Errorf("vector: collection info: %w", err))
		}
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			if got := int(params.GetSize()); got != dim {
				return store.Validation(fmt.Errorf(
					"vector: collection %s has dim %d, embedding provider has dim %d",
					s.collection, got, dim))
			}
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return store.Transient(fmt.Errorf("vector: create collection: %w", err))
	}
	s.logger.Info("Created vector collection", "collection", s.collection, "dim", dim)
	return nil
}

// PointID derives the deterministic qdrant point UUID for a record ID.
func PointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

// Upsert writes one vector. The original record ID is kept in the payload
// under "id" since qdrant point IDs must be numeric or UUID.
func (s *Store) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged["id"] = id

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(PointID(id)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(merged),
		}},
	})
	if err != nil {
		return store.Transient(fmt.Errorf("vector: upsert %s: %w", id, err))
	}
	return nil
}

// Search returns the k nearest vectors, filtered by exact payload matches.
func (s *Store) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]store.VectorHit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var must []*qdrant.Condition
		for field, value := range filter {
			must = append(must, qdrant.NewMatch(field, value))
		}
		query.Filter = &qdrant.Filter{Must: must}
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("vector: search: %w", err))
	}

	hits := make([]store.VectorHit, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.GetPayload()))
		for key, value := range p.GetPayload() {
			payload[key] = valueToAny(value)
		}
		id, _ := payload["id"].(string)
		hits = append(hits, store.VectorHit{ID: id, Score: p.GetScore(), Payload: payload})
	}
	return hits, nil
}

// Delete removes a vector by record ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(PointID(id))),
	})
	if err != nil {
		return store.Transient(fmt.Errorf("vector: delete %s: %w", id, err))
	}
	return nil
}

// valueToAny converts a qdrant payload value to a plain Go value.
func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	default:
		return nil
	}
}
