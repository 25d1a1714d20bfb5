// Package progress implements the per-job ordered event bus. Every emitted
// event is assigned a strictly increasing seq, appended durably to the
// relational store, published on the cache pub/sub topic job:{job_id}, and
// fanned out to in-process subscribers. Subscribers replay the durable log
// from any seq and then follow live events, deduplicated by seq, until a
// terminal event closes the stream.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// Topic returns the pub/sub topic carrying a job's events.
func Topic(jobID string) string {
	return "job:" + jobID
}

const subscriberBuffer = 64

type jobStream struct {
	nextSeq     int64
	lastPercent int
	loaded      bool
	closed      bool
	subs        map[int]chan kb.ProgressEvent
	nextSubID   int
}

// Bus fans progress events out to durable storage, pub/sub, and attached
// subscribers. cache may be nil, in which case fan-out is in-process only.
type Bus struct {
	db     store.RelationalStore
	cache  store.Cache
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobStream
}

// NewBus creates a bus over the durable store and optional cache.
func NewBus(db store.RelationalStore, cache store.Cache, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		db:     db,
		cache:  cache,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*jobStream),
	}
}

// Emit records one event for a job. The bus assigns the seq, clamps the
// percent so it never decreases, appends the event durably, then fans it
// out. Emitting after a terminal event fails; a terminal stage closes every
// attached subscriber after delivery.
func (b *Bus) Emit(ctx context.Context, jobID string, stage kb.Stage, percent int, message string, counters map[string]int64) (*kb.ProgressEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, err := b.streamLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if js.closed {
		return nil, store.Validation(fmt.Errorf("progress: job %s stream is closed", jobID))
	}

	if percent < js.lastPercent {
		percent = js.lastPercent
	}
	if percent > 100 {
		percent = 100
	}

	ev := &kb.ProgressEvent{
		JobID:     jobID,
		Seq:       js.nextSeq,
		EmittedAt: b.now().UTC(),
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Counters:  counters,
	}

	// Durable append first. Seq advances only once the event is recorded,
	// so a failed append leaves no gap.
	if err := b.db.AppendProgress(ctx, ev); err != nil {
		return nil, err
	}
	js.nextSeq++
	js.lastPercent = percent

	if b.cache != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = b.cache.Publish(ctx, Topic(jobID), payload)
		}
		if err != nil {
			// Pub/sub is a best-effort mirror of the durable log.
			b.logger.Warn("progress publish failed", "job_id", jobID, "seq", ev.Seq, "error", err)
		}
	}

	for id, ch := range js.subs {
		select {
		case ch <- *ev:
		default:
			// A subscriber that cannot keep up loses live delivery; it can
			// resubscribe and replay from the durable log.
			b.logger.Warn("progress subscriber lagging, dropping", "job_id", jobID, "subscriber", id)
			close(ch)
			delete(js.subs, id)
		}
	}

	if stage.Terminal() {
		js.closed = true
		for id, ch := range js.subs {
			close(ch)
			delete(js.subs, id)
		}
	}
	return ev, nil
}

// streamLocked returns the job's stream state, initializing seq and percent
// from the durable log on first touch.
func (b *Bus) streamLocked(ctx context.Context, jobID string) (*jobStream, error) {
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{subs: make(map[int]chan kb.ProgressEvent)}
		b.jobs[jobID] = js
	}
	if js.loaded {
		return js, nil
	}

	maxSeq, err := b.db.MaxProgressSeq(ctx, jobID)
	if err != nil {
		return nil, err
	}
	js.nextSeq = maxSeq + 1
	if maxSeq >= 0 {
		tail, err := b.db.ListProgress(ctx, jobID, maxSeq)
		if err != nil {
			return nil, err
		}
		if len(tail) > 0 {
			last := tail[len(tail)-1]
			js.lastPercent = last.Percent
			js.closed = last.Stage.Terminal()
		}
	}
	js.loaded = true
	return js, nil
}

// Subscribe returns a stream of the job's events with seq >= fromSeq:
// first the durable log, then live events, in order and without
// duplicates. The stream closes after delivering a terminal event, when
// ctx ends, or when cancel is called. Each subscriber is independent.
func (b *Bus) Subscribe(ctx context.Context, jobID string, fromSeq int64) (<-chan kb.ProgressEvent, func(), error) {
	// Attach the live feeds before reading the log so no event falls in
	// between; duplicates are removed by seq.
	live := b.register(jobID)

	var pubsub <-chan []byte
	var pubsubCancel func()
	if b.cache != nil {
		var err error
		pubsub, pubsubCancel, err = b.cache.Subscribe(ctx, Topic(jobID))
		if err != nil {
			b.logger.Warn("progress pub/sub subscribe failed, using local feed only",
				"job_id", jobID, "error", err)
			pubsub, pubsubCancel = nil, nil
		}
	}

	out := make(chan kb.ProgressEvent, subscriberBuffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.unregister(jobID, live)
			if pubsubCancel != nil {
				pubsubCancel()
			}
		})
	}

	go func() {
		defer close(out)
		defer cancel()

		last := fromSeq - 1
		deliver := func(ev kb.ProgressEvent) (terminal, ok bool) {
			if ev.Seq <= last {
				return false, true
			}
			select {
			case out <- ev:
				last = ev.Seq
				return ev.Stage.Terminal(), true
			case <-ctx.Done():
				return false, false
			case <-stop:
				return false, false
			}
		}

		replay, err := b.db.ListProgress(ctx, jobID, fromSeq)
		if err != nil {
			b.logger.Warn("progress replay failed", "job_id", jobID, "error", err)
			return
		}
		for _, ev := range replay {
			if terminal, ok := deliver(ev); terminal || !ok {
				return
			}
		}

		for {
			select {
			case ev, ok := <-live.ch:
				if !ok {
					return
				}
				if terminal, ok := deliver(ev); terminal || !ok {
					return
				}
			case payload, ok := <-pubsub:
				if !ok {
					pubsub = nil
					continue
				}
				var ev kb.ProgressEvent
				if err := json.Unmarshal(payload, &ev); err != nil {
					b.logger.Warn("progress pub/sub payload malformed", "job_id", jobID, "error", err)
					continue
				}
				if terminal, ok := deliver(ev); terminal || !ok {
					return
				}
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return out, cancel, nil
}

type liveSub struct {
	id int
	ch chan kb.ProgressEvent
}

func (b *Bus) register(jobID string) *liveSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{subs: make(map[int]chan kb.ProgressEvent)}
		b.jobs[jobID] = js
	}
	sub := &liveSub{id: js.nextSubID, ch: make(chan kb.ProgressEvent, subscriberBuffer)}
	js.nextSubID++
	if js.closed {
		// Terminal already emitted; the subscriber gets everything from
		// the replay and the live feed just reports end of stream.
		close(sub.ch)
	} else {
		js.subs[sub.id] = sub.ch
	}
	return sub
}

func (b *Bus) unregister(jobID string, sub *liveSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	if ch, ok := js.subs[sub.id]; ok {
		close(ch)
		delete(js.subs, sub.id)
	}
}

// Forget drops a job's in-memory stream state. Called after job expiry so
// the bus does not grow without bound.
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for id, ch := range js.subs {
		close(ch)
		delete(js.subs, id)
	}
	delete(b.jobs, jobID)
}
