package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
	"github.com/c360studio/provgraph/store/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory RelationalStore covering the progress methods.
type memStore struct {
	mu        sync.Mutex
	events    map[string][]kb.ProgressEvent
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]kb.ProgressEvent)}
}

func (m *memStore) AppendProgress(_ context.Context, ev *kb.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, existing := range m.events[ev.JobID] {
		if existing.Seq == ev.Seq {
			return store.DataIntegrity(errors.New("duplicate seq"))
		}
	}
	m.events[ev.JobID] = append(m.events[ev.JobID], *ev)
	return nil
}

func (m *memStore) ListProgress(_ context.Context, jobID string, fromSeq int64) ([]kb.ProgressEvent, error) {
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

func (m *memStore) MaxProgressSeq(_ context.Context, jobID string) (int64, error) {
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

func (m *memStore) SaveJob(context.Context, *kb.Job) error { return nil }
func (m *memStore) GetJob(context.Context, string) (*kb.Job, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) UpsertDocument(context.Context, *kb.Document) error { return nil }
func (m *memStore) GetDocument(context.Context, string) (*kb.Document, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) PruneProgress(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memStore) PruneJobs(context.Context, time.Time) (int64, error)    { return 0, nil }

func recvEvent(t *testing.T, ch <-chan kb.ProgressEvent) kb.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return kb.ProgressEvent{}
	}
}

func requireClosed(t *testing.T, ch <-chan kb.ProgressEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected closed stream")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func TestEmitAssignsSequentialSeqs(t *testing.T) {
	db := newMemStore()
	bus := NewBus(db, nil, testLogger())
	ctx := context.Background()

	for i, stage := range []kb.Stage{kb.StageQueued, kb.StageExtract, kb.StageChunk} {
		ev, err := bus.Emit(ctx, "job-1", stage, i*10, "", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Seq)
	}

	rows, err := db.ListProgress(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, kb.StageChunk, rows[2].Stage)
}

func TestEmitClampsPercentMonotone(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	ev, err := bus.Emit(ctx, "job-1", kb.StageNER, 50, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 50, ev.Percent)

	// A stage reporting less than an earlier stage holds at the high-water mark.
	ev, err = bus.Emit(ctx, "job-1", kb.StageLink, 30, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 50, ev.Percent)

	ev, err = bus.Emit(ctx, "job-1", kb.StageComplete, 130, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 100, ev.Percent)
}

func TestEmitAfterTerminalFails(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	_, err := bus.Emit(ctx, "job-1", kb.StageComplete, 100, "", nil)
	require.NoError(t, err)

	_, err = bus.Emit(ctx, "job-1", kb.StageIndex, 95, "", nil)
	require.Error(t, err)
	assert.True(t, store.IsValidation(err))
}

func TestFailedAppendDoesNotConsumeSeq(t *testing.T) {
	db := newMemStore()
	bus := NewBus(db, nil, testLogger())
	ctx := context.Background()

	db.appendErr = store.Transient(errors.New("db down"))
	_, err := bus.Emit(ctx, "job-1", kb.StageQueued, 0, "", nil)
	require.Error(t, err)

	db.appendErr = nil
	ev, err := bus.Emit(ctx, "job-1", kb.StageQueued, 0, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Seq)
}

func TestSeqResumesFromDurableLog(t *testing.T) {
	db := newMemStore()
	ctx := context.Background()

	first := NewBus(db, nil, testLogger())
	_, err := first.Emit(ctx, "job-1", kb.StageQueued, 0, "", nil)
	require.NoError(t, err)
	_, err = first.Emit(ctx, "job-1", kb.StageExtract, 15, "", nil)
	require.NoError(t, err)

	// A new bus instance over the same store continues the sequence.
	second := NewBus(db, nil, testLogger())
	ev, err := second.Emit(ctx, "job-1", kb.StageChunk, 25, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)
	assert.Equal(t, 25, ev.Percent)
}

func TestSubscribeReplaysThenCloses(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	stages := []kb.Stage{kb.StageQueued, kb.StageExtract, kb.StageComplete}
	for i, stage := range stages {
		_, err := bus.Emit(ctx, "job-1", stage, i*50, "", nil)
		require.NoError(t, err)
	}

	ch, cancel, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	for i, stage := range stages {
		ev := recvEvent(t, ch)
		assert.Equal(t, int64(i), ev.Seq)
		assert.Equal(t, stage, ev.Stage)
	}
	requireClosed(t, ch)
}

func TestSubscribeFromSeqSkipsEarlierEvents(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	for i, stage := range []kb.Stage{kb.StageQueued, kb.StageExtract, kb.StageChunk} {
		_, err := bus.Emit(ctx, "job-1", stage, i*10, "", nil)
		require.NoError(t, err)
	}

	ch, cancel, err := bus.Subscribe(ctx, "job-1", 2)
	require.NoError(t, err)
	defer cancel()

	ev := recvEvent(t, ch)
	assert.Equal(t, int64(2), ev.Seq)
	assert.Equal(t, kb.StageChunk, ev.Stage)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	_, err = bus.Emit(ctx, "job-1", kb.StageExtract, 15, "fetching", nil)
	require.NoError(t, err)

	ev := recvEvent(t, ch)
	assert.Equal(t, kb.StageExtract, ev.Stage)
	assert.Equal(t, "fetching", ev.Message)

	_, err = bus.Emit(ctx, "job-1", kb.StageError, 15, "boom", nil)
	require.NoError(t, err)

	ev = recvEvent(t, ch)
	assert.Equal(t, kb.StageError, ev.Stage)
	requireClosed(t, ch)
}

func TestSubscribersAreIndependent(t *testing.T) {
	bus := NewBus(newMemStore(), nil, testLogger())
	ctx := context.Background()

	_, err := bus.Emit(ctx, "job-1", kb.StageQueued, 0, "", nil)
	require.NoError(t, err)

	a, cancelA, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancelA()
	b, cancelB, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancelB()

	_, err = bus.Emit(ctx, "job-1", kb.StageComplete, 100, "", nil)
	require.NoError(t, err)

	for _, ch := range []<-chan kb.ProgressEvent{a, b} {
		assert.Equal(t, int64(0), recvEvent(t, ch).Seq)
		assert.Equal(t, int64(1), recvEvent(t, ch).Seq)
		requireClosed(t, ch)
	}
}

func TestSubscribeAcrossBusInstancesViaPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := cache.NewWithClient(client, "test:", testLogger())

	db := newMemStore()
	ctx := context.Background()

	emitter := NewBus(db, shared, testLogger())
	follower := NewBus(db, shared, testLogger())

	ch, cancel, err := follower.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	_, err = emitter.Emit(ctx, "job-1", kb.StageExtract, 15, "", nil)
	require.NoError(t, err)
	_, err = emitter.Emit(ctx, "job-1", kb.StageComplete, 100, "", nil)
	require.NoError(t, err)

	assert.Equal(t, kb.StageExtract, recvEvent(t, ch).Stage)
	assert.Equal(t, kb.StageComplete, recvEvent(t, ch).Stage)
	requireClosed(t, ch)
}

func TestLiveAndPubSubDeliveryIsDeduplicated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := cache.NewWithClient(client, "test:", testLogger())

	// Subscriber on the emitting bus sees each event once even though it
	// arrives on both the in-process feed and the pub/sub mirror.
	bus := NewBus(newMemStore(), shared, testLogger())
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	_, err = bus.Emit(ctx, "job-1", kb.StageExtract, 15, "", nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, "job-1", kb.StageComplete, 100, "", nil)
	require.NoError(t, err)

	var seqs []int64
	for ev := range ch {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{0, 1}, seqs)
}
