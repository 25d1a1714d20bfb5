package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// StreamName is the JetStream work-queue stream holding pending jobs.
const StreamName = "INGEST_JOBS"

const subjectPrefix = "ingest.jobs."

func prioritySubject(priority int) string {
	return fmt.Sprintf("%sp%02d", subjectPrefix, priority)
}

func priorityConsumer(priority int) string {
	return fmt.Sprintf("ingest-workers-p%02d", priority)
}

// Claim is a job handed to exactly one worker. The worker must heartbeat
// while processing and finish with exactly one of Ack, Retry, or Release;
// a claim whose heartbeats stop is redelivered after the visibility
// timeout with its attempt count unchanged.
type Claim interface {
	JobID() string
	// StartHeartbeat extends the claim's visibility until the returned
	// stop function is called.
	StartHeartbeat(ctx context.Context) (stop func())
	// Ack removes the job from the queue.
	Ack() error
	// Retry returns the job to the queue after the delay.
	Retry(delay time.Duration) error
	// Release returns the job to the queue immediately.
	Release() error
}

// JobQueue is the durable priority queue between the job manager and the
// worker pool. Lower priority numbers are claimed first; within one
// priority, jobs are FIFO.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
	// Next claims the highest-priority pending job, or returns (nil, nil)
	// when the queue is empty.
	Next(ctx context.Context) (Claim, error)
}

// Queue is the JetStream-backed JobQueue. One work-queue stream carries a
// subject per priority; a filtered durable consumer per subject lets Next
// poll priorities in ascending order without touching lower-priority
// messages. AckWait is the heartbeat visibility timeout.
type Queue struct {
	js        jetstream.JetStream
	consumers []jetstream.Consumer
	ackWait   time.Duration
	logger    *slog.Logger
}

// NewQueue connects to JetStream and declares the stream and per-priority
// consumers. Declaration is idempotent across restarts.
func NewQueue(ctx context.Context, nc *nats.Conn, ackWait time.Duration, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + "*"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, store.Transient(fmt.Errorf("queue: declare stream %s: %w", StreamName, err))
	}

	q := &Queue{js: js, ackWait: ackWait, logger: logger}
	for p := kb.PriorityHighest; p <= kb.PriorityLowest; p++ {
		consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Durable:       priorityConsumer(p),
			FilterSubject: prioritySubject(p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    -1,
		})
		if err != nil {
			return nil, store.Transient(fmt.Errorf("queue: declare consumer p%02d: %w", p, err))
		}
		q.consumers = append(q.consumers, consumer)
	}
	return q, nil
}

// Enqueue publishes a job onto its priority subject.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) error {
	priority = clampPriority(priority)
	if _, err := q.js.Publish(ctx, prioritySubject(priority), []byte(jobID)); err != nil {
		return store.Transient(fmt.Errorf("queue: enqueue %s: %w", jobID, err))
	}
	return nil
}

// Next polls consumers in ascending priority order so a higher-priority
// job always overtakes pending lower-priority work.
func (q *Queue) Next(ctx context.Context) (Claim, error) {
	for i, consumer := range q.consumers {
		if err := ctx.Err(); err != nil {
			return nil, store.Cancelled(err)
		}
		batch, err := consumer.FetchNoWait(1)
		if err != nil {
			q.logger.Warn("queue fetch failed", "priority", i+1, "error", err)
			continue
		}
		for msg := range batch.Messages() {
			return &jsClaim{msg: msg, heartbeat: q.ackWait / 3, logger: q.logger}, nil
		}
		if err := batch.Error(); err != nil {
			q.logger.Warn("queue batch error", "priority", i+1, "error", err)
		}
	}
	return nil, nil
}

func clampPriority(p int) int {
	if p < kb.PriorityHighest {
		return kb.PriorityHighest
	}
	if p > kb.PriorityLowest {
		return kb.PriorityLowest
	}
	return p
}

type jsClaim struct {
	msg       jetstream.Msg
	heartbeat time.Duration
	logger    *slog.Logger
}

func (c *jsClaim) JobID() string { return string(c.msg.Data()) }

func (c *jsClaim) StartHeartbeat(ctx context.Context) func() {
	interval := c.heartbeat
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.msg.InProgress(); err != nil {
					c.logger.Warn("claim heartbeat failed", "job_id", c.JobID(), "error", err)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (c *jsClaim) Ack() error { return c.msg.Ack() }

func (c *jsClaim) Retry(delay time.Duration) error { return c.msg.NakWithDelay(delay) }

func (c *jsClaim) Release() error { return c.msg.Nak() }
