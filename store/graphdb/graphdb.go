// Package graphdb implements store.GraphStore on neo4j. Nodes are keyed by
// deterministic IDs and all writes are MERGE-based upserts, so replaying a
// batch is a no-op.
package graphdb

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/c360studio/provgraph/store"
)

// labelPattern restricts node and edge labels to identifier characters.
// Labels are interpolated into cypher text, so they must never carry user input.
var labelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store is a neo4j-backed graph store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// New connects to neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graphdb: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, store.Transient(fmt.Errorf("graphdb: verify connectivity: %w", err))
	}
	return &Store{driver: driver, database: cfg.Database, logger: logger}, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// WithTx runs fn inside a single write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.GraphTx) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&tx{inner: mtx})
	})
	if err != nil {
		// Untagged driver errors classify as transient; tagged errors from fn
		// (validation, data integrity, cancelled) pass through unchanged.
		if store.KindOf(err) != store.KindTransient {
			return err
		}
		return store.Transient(fmt.Errorf("graphdb: transaction: %w", err))
	}
	return nil
}

// Query runs a read-only query.
func (s *Store) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return runAndCollect(ctx, mtx, query, params)
	})
	if err != nil {
		return nil, store.Transient(fmt.Errorf("graphdb: query: %w", err))
	}
	return rows.([]map[string]any), nil
}

// tx adapts a managed neo4j transaction to store.GraphTx.
type tx struct {
	inner neo4j.ManagedTransaction
}

// UpsertNode merges a node by ID and overlays its properties.
func (t *tx) UpsertNode(ctx context.Context, label, id string, props map[string]any) error {
	if !labelPattern.MatchString(label) {
		return store.Validation(fmt.Errorf("graphdb: invalid node label %q", label))
	}
	if props == nil {
		props = map[string]any{}
	}
	query := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", label)
	_, err := t.inner.Run(ctx, query, map[string]any{"id": id, "props": props})
	if err != nil {
		return fmt.Errorf("graphdb: upsert node %s/%s: %w", label, id, err)
	}
	return nil
}

// UpsertEdge merges an edge between two existing nodes. A missing endpoint
// is a data-integrity failure that rolls the batch back: edges must only be
// written after both endpoints exist in the same transaction.
func (t *tx) UpsertEdge(ctx context.Context, srcID, label, dstID string, props map[string]any) error {
	if !labelPattern.MatchString(label) {
		return store.Validation(fmt.Errorf("graphdb: invalid edge label %q", label))
	}
	if props == nil {
		props = map[string]any{}
	}
	query := fmt.Sprintf(
		"MATCH (a {id: $src}) MATCH (b {id: $dst}) MERGE (a)-[r:%s]->(b) SET r += $props RETURN count(r) AS n",
		label)
	result, err := t.inner.Run(ctx, query, map[string]any{"src": srcID, "dst": dstID, "props": props})
	if err != nil {
		return fmt.Errorf("graphdb: upsert edge %s-%s->%s: %w", srcID, label, dstID, err)
	}
	record, err := result.Single(ctx)
	if err != nil || record == nil {
		return store.DataIntegrity(fmt.Errorf(
			"graphdb: edge %s-%s->%s references a missing endpoint", srcID, label, dstID))
	}
	return nil
}

// UpsertKeyedEdge merges an edge on the key property instead of the label
// alone, so parallel edges of one type can exist between two nodes. The key
// value must be present in props.
func (t *tx) UpsertKeyedEdge(ctx context.Context, srcID, label, dstID, key string, props map[string]any) error {
	if !labelPattern.MatchString(label) {
		return store.Validation(fmt.Errorf("graphdb: invalid edge label %q", label))
	}
	if !labelPattern.MatchString(key) {
		return store.Validation(fmt.Errorf("graphdb: invalid edge key %q", key))
	}
	keyValue, ok := props[key]
	if !ok {
		return store.Validation(fmt.Errorf("graphdb: keyed edge %s is missing %s", label, key))
	}
	query := fmt.Sprintf(
		"MATCH (a {id: $src}) MATCH (b {id: $dst}) MERGE (a)-[r:%s {%s: $key}]->(b) SET r += $props RETURN count(r) AS n",
		label, key)
	result, err := t.inner.Run(ctx, query, map[string]any{
		"src": srcID, "dst": dstID, "key": keyValue, "props": props,
	})
	if err != nil {
		return fmt.Errorf("graphdb: upsert edge %s-%s->%s: %w", srcID, label, dstID, err)
	}
	record, err := result.Single(ctx)
	if err != nil || record == nil {
		return store.DataIntegrity(fmt.Errorf(
			"graphdb: edge %s-%s->%s references a missing endpoint", srcID, label, dstID))
	}
	return nil
}

// Run executes an arbitrary statement inside the transaction.
func (t *tx) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return runAndCollect(ctx, t.inner, query, params)
}

func runAndCollect(ctx context.Context, mtx neo4j.ManagedTransaction, query string, params map[string]any) ([]map[string]any, error) {
	result, err := mtx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for result.Next(ctx) {
		rows = append(rows, result.Record().AsMap())
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
