package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/provgraph/extract"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memDB is an in-memory RelationalStore.
type memDB struct {
	mu     sync.Mutex
	jobs   map[string]kb.Job
	events map[string][]kb.ProgressEvent
	docs   map[string]kb.Document
}

func newMemDB() *memDB {
	return &memDB{
		jobs:   make(map[string]kb.Job),
		events: make(map[string][]kb.ProgressEvent),
		docs:   make(map[string]kb.Document),
	}
}

func (m *memDB) SaveJob(_ context.Context, job *kb.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = *job
	return nil
}

func (m *memDB) GetJob(_ context.Context, jobID string) (*kb.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := job
	return &out, nil
}

func (m *memDB) AppendProgress(_ context.Context, ev *kb.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.JobID] = append(m.events[ev.JobID], *ev)
	return nil
}

func (m *memDB) ListProgress(_ context.Context, jobID string, fromSeq int64) ([]kb.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kb.ProgressEvent
	for _, ev := range m.events[jobID] {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memDB) MaxProgressSeq(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := int64(-1)
	for _, ev := range m.events[jobID] {
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}

func (m *memDB) UpsertDocument(_ context.Context, doc *kb.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.docs[doc.DocID]; ok {
		doc.IngestedAt = existing.IngestedAt
	}
	m.docs[doc.DocID] = *doc
	return nil
}

func (m *memDB) GetDocument(_ context.Context, docID string) (*kb.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := doc
	return &out, nil
}

func (m *memDB) PruneProgress(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memDB) PruneJobs(context.Context, time.Time) (int64, error)    { return 0, nil }

// memBlob is an in-memory BlobStore.
type memBlob struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{blobs: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, key string, data []byte, _ store.BlobMeta) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return fmt.Sprintf("etag-%d", len(data)), nil
}

func (m *memBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (m *memBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// memVector is an in-memory VectorStore.
type memVector struct {
	mu       sync.Mutex
	dim      int
	vectors  map[string][]float32
	payloads map[string]map[string]any
}

func newMemVector() *memVector {
	return &memVector{
		vectors:  make(map[string][]float32),
		payloads: make(map[string]map[string]any),
	}
}

func (m *memVector) EnsureCollection(_ context.Context, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim != 0 && m.dim != dim {
		return store.Validation(fmt.Errorf("collection exists with dim %d", m.dim))
	}
	m.dim = dim
	return nil
}

func (m *memVector) Upsert(_ context.Context, id string, vector []float32, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[id] = vector
	m.payloads[id] = payload
	return nil
}

func (m *memVector) Search(context.Context, []float32, int, map[string]string) ([]store.VectorHit, error) {
	return nil, nil
}

func (m *memVector) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	return nil
}

// memGraph is an in-memory GraphStore recording upserts.
type memGraph struct {
	mu      sync.Mutex
	nodes   map[string]map[string]any
	edges   map[string]map[string]any
	txCount int
}

func newMemGraph() *memGraph {
	return &memGraph{
		nodes: make(map[string]map[string]any),
		edges: make(map[string]map[string]any),
	}
}

func (g *memGraph) WithTx(_ context.Context, fn func(tx store.GraphTx) error) error {
	g.mu.Lock()
	g.txCount++
	g.mu.Unlock()
	return fn(&memGraphTx{g: g})
}

func (g *memGraph) Query(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (g *memGraph) nodeCount(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key := range g.nodes {
		if len(key) > len(label) && key[:len(label)+1] == label+"/" {
			n++
		}
	}
	return n
}

func (g *memGraph) edgeCount(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key := range g.edges {
		if len(key) > len(label) && key[:len(label)+1] == label+"/" {
			n++
		}
	}
	return n
}

type memGraphTx struct {
	g *memGraph
}

func (t *memGraphTx) UpsertNode(_ context.Context, label, id string, props map[string]any) error {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	t.g.nodes[label+"/"+id] = props
	return nil
}

func (t *memGraphTx) UpsertEdge(_ context.Context, srcID, label, dstID string, props map[string]any) error {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	t.g.edges[label+"/"+srcID+"->"+dstID] = props
	return nil
}

func (t *memGraphTx) UpsertKeyedEdge(_ context.Context, srcID, label, dstID, key string, props map[string]any) error {
	keyValue, ok := props[key]
	if !ok {
		return store.Validation(fmt.Errorf("keyed edge %s is missing %s", label, key))
	}
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	t.g.edges[label+"/"+srcID+"->"+dstID+"#"+fmt.Sprint(keyValue)] = props
	return nil
}

func (t *memGraphTx) Run(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

// memQueue is an in-memory priority JobQueue.
type memQueue struct {
	mu      sync.Mutex
	entries []queueEntry
}

type queueEntry struct {
	jobID    string
	priority int
}

func newMemQueue() *memQueue { return &memQueue{} }

func (q *memQueue) Enqueue(_ context.Context, jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, queueEntry{jobID: jobID, priority: priority})
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].priority < q.entries[j].priority
	})
	return nil
}

func (q *memQueue) Next(context.Context) (Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return &memClaim{q: q, entry: entry}, nil
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type memClaim struct {
	q     *memQueue
	entry queueEntry
}

func (c *memClaim) JobID() string { return c.entry.jobID }

func (c *memClaim) StartHeartbeat(context.Context) func() { return func() {} }

func (c *memClaim) Ack() error { return nil }

func (c *memClaim) Retry(time.Duration) error {
	return c.q.Enqueue(context.Background(), c.entry.jobID, c.entry.priority)
}

func (c *memClaim) Release() error {
	return c.q.Enqueue(context.Background(), c.entry.jobID, c.entry.priority)
}

// stubExtractor serves fixed text for any URL without network access.
type stubExtractor struct {
	text string
	meta extract.Metadata
	err  error
}

func (s *stubExtractor) Kind() kb.SourceKind   { return kb.SourceWeb }
func (s *stubExtractor) Matches(string) bool   { return true }
func (s *stubExtractor) Validate(string) error { return nil }

func (s *stubExtractor) Extract(_ context.Context, url string) (*extract.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &extract.Result{
		Raw:       []byte(s.text),
		Text:      s.text,
		Locations: kb.NewLocationMap(kb.Anchor{}),
		Meta:      s.meta,
	}, nil
}

var _ extract.Extractor = (*stubExtractor)(nil)

func requireNoLeak(t *testing.T, q *memQueue) {
	t.Helper()
	if q.depth() != 0 {
		t.Fatalf("queue still holds %d entries", q.depth())
	}
}
