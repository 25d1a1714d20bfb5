package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/progress"
	"github.com/c360studio/provgraph/store"
)

const (
	statusCacheTTL = 60 * time.Second
	cancelFlagTTL  = 24 * time.Hour

	// DefaultPriority is used when a submission does not specify one.
	DefaultPriority = 5
)

func statusKey(jobID string) string { return "job:status:" + jobID }
func cancelKey(jobID string) string { return "job:cancel:" + jobID }

// Manager owns the job lifecycle: submission, status, cancellation, and
// retry. Workers report attempt outcomes back through it so every status
// transition and terminal progress event goes through one place.
type Manager struct {
	db       store.RelationalStore
	cache    store.Cache
	queue    JobQueue
	bus      *progress.Bus
	validate URLValidator
	logger   *slog.Logger

	maxAutoRetries   int
	maxManualRetries int
	now              func() time.Time
}

// URLValidator rejects URLs no extractor can safely fetch, so bad
// submissions fail before a worker is occupied. Satisfied by
// extract.Registry. May be nil to skip the check.
type URLValidator interface {
	Validate(url string) error
}

// NewManager wires the manager over its stores and queue.
func NewManager(db store.RelationalStore, cache store.Cache, queue JobQueue, bus *progress.Bus, validate URLValidator, maxAuto, maxManual int, logger *slog.Logger) *Manager {
	if maxAuto <= 0 {
		maxAuto = 3
	}
	if maxManual <= 0 {
		maxManual = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:               db,
		cache:            cache,
		queue:            queue,
		bus:              bus,
		validate:         validate,
		logger:           logger,
		maxAutoRetries:   maxAuto,
		maxManualRetries: maxManual,
		now:              time.Now,
	}
}

// Submit validates the URL, persists the job, emits the QUEUED event at
// seq 0, and enqueues it.
func (m *Manager) Submit(ctx context.Context, url string, priority int) (*kb.Job, error) {
	if _, err := ident.NormalizeURL(url); err != nil {
		return nil, store.Validation(err)
	}
	if m.validate != nil {
		if err := m.validate.Validate(url); err != nil {
			return nil, err
		}
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	priority = clampPriority(priority)

	now := m.now().UTC()
	job := &kb.Job{
		JobID:       uuid.NewString(),
		URL:         url,
		Priority:    priority,
		Status:      kb.JobQueued,
		MaxAttempts: m.maxAutoRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.db.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	if _, err := m.bus.Emit(ctx, job.JobID, kb.StageQueued, 0, "queued", nil); err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(ctx, job.JobID, priority); err != nil {
		return nil, err
	}
	jobsSubmitted.Inc()
	m.logger.Info("job submitted", "job_id", job.JobID, "url", url, "priority", priority)
	return job, nil
}

// Status returns the job record, cache first with a 60s TTL.
func (m *Manager) Status(ctx context.Context, jobID string) (*kb.Job, error) {
	var cached kb.Job
	found, err := m.cache.Get(ctx, statusKey(jobID), &cached)
	if err == nil && found {
		return &cached, nil
	}
	if err != nil {
		m.logger.Warn("status cache read failed", "job_id", jobID, "error", err)
	}

	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(ctx, statusKey(jobID), job, statusCacheTTL); err != nil {
		m.logger.Warn("status cache write failed", "job_id", jobID, "error", err)
	}
	return job, nil
}

// Cancel requests cancellation. A job still queued is finalized
// immediately; a running job observes the flag at its next stage boundary.
// Partial work already committed by the indexer remains (upserts are
// idempotent).
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return store.Validation(fmt.Errorf("job %s is already %s", jobID, job.Status))
	}

	if err := m.cache.Set(ctx, cancelKey(jobID), true, cancelFlagTTL); err != nil {
		return err
	}
	if job.Status == kb.JobQueued {
		return m.FinishCancelled(ctx, job)
	}
	m.logger.Info("cancellation requested", "job_id", jobID, "status", job.Status)
	return nil
}

// CancelRequested reports whether a cancel flag is set for the job. Workers
// check it at stage boundaries.
func (m *Manager) CancelRequested(ctx context.Context, jobID string) bool {
	var flag bool
	found, err := m.cache.Get(ctx, cancelKey(jobID), &flag)
	if err != nil {
		m.logger.Warn("cancel flag read failed", "job_id", jobID, "error", err)
		return false
	}
	return found && flag
}

// Retry re-enqueues a failed job. Automatic retries are budgeted at
// max_automatic_retries; manual retries extend the budget and bump the
// job's priority by two.
func (m *Manager) Retry(ctx context.Context, jobID string, manual bool) error {
	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != kb.JobFailed {
		return store.Validation(fmt.Errorf("job %s is %s, only FAILED jobs can be retried", jobID, job.Status))
	}
	limit := m.maxAutoRetries
	if manual {
		limit = m.maxManualRetries
	}
	if job.AttemptCount >= limit {
		return store.Validation(fmt.Errorf("job %s exhausted its %d attempts", jobID, limit))
	}

	if manual {
		job.Priority = clampPriority(job.Priority - 2)
		// A manual retry clears any stale cancel flag.
		if err := m.cache.Delete(ctx, cancelKey(jobID)); err != nil {
			m.logger.Warn("cancel flag clear failed", "job_id", jobID, "error", err)
		}
	}
	job.Status = kb.JobRetrying
	job.MaxAttempts = limit
	job.UpdatedAt = m.now().UTC()
	if err := m.db.SaveJob(ctx, job); err != nil {
		return err
	}

	backoff := RetryBackoff(job.AttemptCount)
	job.Status = kb.JobQueued
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	jobRetries.Inc()

	priority := job.Priority
	time.AfterFunc(backoff, func() {
		enqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.queue.Enqueue(enqCtx, jobID, priority); err != nil {
			m.logger.Error("retry enqueue failed", "job_id", jobID, "error", err)
		}
	})
	m.logger.Info("job retry scheduled", "job_id", jobID, "backoff", backoff, "manual", manual)
	return nil
}

// MarkRunning records a worker picking the job up for an attempt.
func (m *Manager) MarkRunning(ctx context.Context, job *kb.Job) error {
	job.AttemptCount++
	job.Status = kb.JobExtracting
	job.UpdatedAt = m.now().UTC()
	return m.saveAndInvalidate(ctx, job)
}

// MarkPhase advances the coarse job status while stages run.
func (m *Manager) MarkPhase(ctx context.Context, job *kb.Job, status kb.JobStatus) {
	if job.Status == status {
		return
	}
	job.Status = status
	job.UpdatedAt = m.now().UTC()
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		m.logger.Warn("phase update failed", "job_id", job.JobID, "status", status, "error", err)
	}
}

// FinishCompleted finalizes a successful job and emits the COMPLETE event.
func (m *Manager) FinishCompleted(ctx context.Context, job *kb.Job, docID string) error {
	job.Status = kb.JobCompleted
	job.ResultDocID = docID
	job.LastError = ""
	job.UpdatedAt = m.now().UTC()
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	if _, err := m.bus.Emit(ctx, job.JobID, kb.StageComplete, 100, "", map[string]int64{"attempts": int64(job.AttemptCount)}); err != nil {
		return err
	}
	jobsFinished.WithLabelValues(string(kb.JobCompleted)).Inc()
	return nil
}

// FinishFailed finalizes a failed job. The terminal event carries the
// failure message; its percent stays frozen at the last completed stage
// because the bus never lets percent decrease.
func (m *Manager) FinishFailed(ctx context.Context, job *kb.Job, cause error) error {
	job.Status = kb.JobFailed
	job.LastError = cause.Error()
	job.UpdatedAt = m.now().UTC()
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	if _, err := m.bus.Emit(ctx, job.JobID, kb.StageError, 0, job.LastError, nil); err != nil {
		return err
	}
	jobsFinished.WithLabelValues(string(kb.JobFailed)).Inc()
	return nil
}

// FinishCancelled finalizes a cancelled job.
func (m *Manager) FinishCancelled(ctx context.Context, job *kb.Job) error {
	job.Status = kb.JobCancelled
	job.UpdatedAt = m.now().UTC()
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	if _, err := m.bus.Emit(ctx, job.JobID, kb.StageError, 0, "cancelled", nil); err != nil {
		return err
	}
	jobsFinished.WithLabelValues(string(kb.JobCancelled)).Inc()
	return nil
}

// MarkRetrying records a transient failure that will be retried. Attempt
// count stays as incremented by MarkRunning; the queue redelivers after
// backoff.
func (m *Manager) MarkRetrying(ctx context.Context, job *kb.Job, cause error) error {
	job.Status = kb.JobRetrying
	job.LastError = cause.Error()
	job.UpdatedAt = m.now().UTC()
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	job.Status = kb.JobQueued
	if err := m.saveAndInvalidate(ctx, job); err != nil {
		return err
	}
	jobRetries.Inc()
	return nil
}

func (m *Manager) saveAndInvalidate(ctx context.Context, job *kb.Job) error {
	if err := m.db.SaveJob(ctx, job); err != nil {
		return err
	}
	if err := m.cache.Delete(ctx, statusKey(job.JobID)); err != nil {
		m.logger.Warn("status cache invalidation failed", "job_id", job.JobID, "error", err)
	}
	return nil
}
