package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// pollInterval is how long an idle worker waits before polling the queue
// again.
const pollInterval = 500 * time.Millisecond

// Pool runs jobs claimed from the queue. One job occupies one worker for
// its whole duration; stages inside the job run sequentially.
type Pool struct {
	queue       JobQueue
	manager     *Manager
	runner      *Runner
	db          store.RelationalStore
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(queue JobQueue, manager *Manager, runner *Runner, db store.RelationalStore, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:       queue,
		manager:     manager,
		runner:      runner,
		db:          db,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the workers. It fails if the pool is already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(runCtx, id)
		}(i)
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	return nil
}

// Stop signals the workers and waits for in-flight jobs to release their
// claims.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claim, err := p.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("queue poll failed", "worker", id, "error", err)
		}
		if claim == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		p.process(ctx, claim)
	}
}

// process runs one claimed job attempt and settles the claim.
func (p *Pool) process(ctx context.Context, claim Claim) {
	jobID := claim.JobID()
	job, err := p.db.GetJob(ctx, jobID)
	if err != nil {
		// A job record that cannot be loaded cannot be run; drop the
		// message if the record is gone, requeue on a transient fault.
		if store.KindOf(err) == store.KindTransient {
			_ = claim.Release()
		} else {
			p.logger.Warn("dropping claim for unloadable job", "job_id", jobID, "error", err)
			_ = claim.Ack()
		}
		return
	}
	if job.Status.Terminal() {
		// Cancelled or finalized while queued.
		_ = claim.Ack()
		return
	}
	if p.manager.CancelRequested(ctx, jobID) {
		p.finish(ctx, claim, func() error { return p.manager.FinishCancelled(ctx, job) })
		return
	}

	stopHeartbeat := claim.StartHeartbeat(ctx)
	defer stopHeartbeat()

	if err := p.manager.MarkRunning(ctx, job); err != nil {
		p.logger.Warn("marking job running failed, releasing claim", "job_id", jobID, "error", err)
		_ = claim.Release()
		return
	}

	jobsInFlight.Inc()
	defer jobsInFlight.Dec()
	p.logger.Info("job attempt started",
		"job_id", jobID, "url", job.URL, "attempt", job.AttemptCount)

	docID, runErr := p.runner.Run(ctx, job, p.manager.CancelRequested, func(pctx context.Context, status kb.JobStatus) {
		p.manager.MarkPhase(pctx, job, status)
	})
	if runErr == nil {
		p.finish(ctx, claim, func() error { return p.manager.FinishCompleted(ctx, job, docID) })
		p.logger.Info("job completed", "job_id", jobID, "doc_id", docID, "attempts", job.AttemptCount)
		return
	}

	if ctx.Err() != nil {
		// Pool shutdown, not a user cancellation: give the claim back so
		// another worker picks the job up with its attempt intact.
		_ = claim.Release()
		return
	}

	switch DecideRetry(runErr, job.AttemptCount, job.MaxAttempts) {
	case VerdictCancel:
		p.finish(ctx, claim, func() error { return p.manager.FinishCancelled(ctx, job) })
		p.logger.Info("job cancelled", "job_id", jobID)
	case VerdictRetry:
		if err := p.manager.MarkRetrying(ctx, job, runErr); err != nil {
			p.logger.Error("marking job for retry failed", "job_id", jobID, "error", err)
		}
		backoff := RetryBackoff(job.AttemptCount)
		if err := claim.Retry(backoff); err != nil {
			p.logger.Error("claim retry failed", "job_id", jobID, "error", err)
		}
		p.logger.Warn("job attempt failed, retrying",
			"job_id", jobID, "attempt", job.AttemptCount, "backoff", backoff, "error", runErr)
	default:
		p.finish(ctx, claim, func() error { return p.manager.FinishFailed(ctx, job, runErr) })
		p.logger.Error("job failed", "job_id", jobID, "attempts", job.AttemptCount, "error", runErr)
	}
}

// finish finalizes the job record then settles the queue message. The
// order matters: if finalization fails the claim is redelivered and the
// terminal transition retried.
func (p *Pool) finish(ctx context.Context, claim Claim, finalize func() error) {
	if err := finalize(); err != nil {
		p.logger.Error("job finalization failed, releasing claim",
			"job_id", claim.JobID(), "error", err)
		_ = claim.Release()
		return
	}
	_ = claim.Ack()
}
