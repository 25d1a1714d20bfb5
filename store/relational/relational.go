// Package relational implements store.RelationalStore on postgres via gorm.
// It owns the jobs, progress_events, and documents_meta tables.
package relational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// jobRow is the persisted form of kb.Job.
type jobRow struct {
	JobID        string `gorm:"primaryKey;column:job_id"`
	URL          string `gorm:"column:url;not null"`
	Priority     int    `gorm:"column:priority;not null"`
	Status       string `gorm:"column:status;not null;index"`
	AttemptCount int    `gorm:"column:attempt_count;not null"`
	MaxAttempts  int    `gorm:"column:max_attempts;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
	LastError    string    `gorm:"column:last_error"`
	ResultDocID  string    `gorm:"column:result_doc_id"`
}

func (jobRow) TableName() string { return "jobs" }

// progressRow is one append-only progress event, keyed by (job_id, seq).
type progressRow struct {
	JobID     string    `gorm:"primaryKey;column:job_id"`
	Seq       int64     `gorm:"primaryKey;column:seq;autoIncrement:false"`
	EmittedAt time.Time `gorm:"column:emitted_at;not null"`
	Stage     string    `gorm:"column:stage;not null"`
	Percent   int       `gorm:"column:percent;not null"`
	Message   string    `gorm:"column:message"`
	Counters  []byte    `gorm:"column:counters;type:jsonb"`
}

func (progressRow) TableName() string { return "progress_events" }

// documentRow is document metadata; the content itself lives in blob storage.
type documentRow struct {
	DocID        string    `gorm:"primaryKey;column:doc_id"`
	URL          string    `gorm:"column:url;not null;uniqueIndex"`
	Title        string    `gorm:"column:title"`
	SourceKind   string    `gorm:"column:source_kind;not null"`
	IngestedAt   time.Time `gorm:"column:ingested_at;not null"`
	Tier         string    `gorm:"column:tier;not null"`
	QualityScore float64   `gorm:"column:quality_score"`
	ByteLength   int       `gorm:"column:byte_length;not null"`
}

func (documentRow) TableName() string { return "documents_meta" }

// Store is a postgres-backed relational store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New opens the database and migrates the schema.
func New(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("relational: open: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}, &progressRow{}, &documentRow{}); err != nil {
		return nil, fmt.Errorf("relational: migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveJob inserts or fully updates a job record.
func (s *Store) SaveJob(ctx context.Context, job *kb.Job) error {
	row := jobRow{
		JobID:        job.JobID,
		URL:          job.URL,
		Priority:     job.Priority,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		LastError:    job.LastError,
		ResultDocID:  job.ResultDocID,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return store.Transient(fmt.Errorf("relational: save job %s: %w", job.JobID, err))
	}
	return nil
}

// GetJob loads a job by ID, or store.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*kb.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("relational: job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Transient(fmt.Errorf("relational: get job %s: %w", jobID, err))
	}
	return &kb.Job{
		JobID:        row.JobID,
		URL:          row.URL,
		Priority:     row.Priority,
		Status:       kb.JobStatus(row.Status),
		AttemptCount: row.AttemptCount,
		MaxAttempts:  row.MaxAttempts,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		LastError:    row.LastError,
		ResultDocID:  row.ResultDocID,
	}, nil
}

// AppendProgress writes one progress event. Replays of the same (job_id, seq)
// are ignored, which gives the bus at-least-once durability.
func (s *Store) AppendProgress(ctx context.Context, ev *kb.ProgressEvent) error {
	counters, err := marshalCounters(ev.Counters)
	if err != nil {
		return fmt.Errorf("relational: marshal counters: %w", err)
	}
	row := progressRow{
		JobID:     ev.JobID,
		Seq:       ev.Seq,
		EmittedAt: ev.EmittedAt,
		Stage:     string(ev.Stage),
		Percent:   ev.Percent,
		Message:   ev.Message,
		Counters:  counters,
	}
	err = s.db.WithContext(ctx).
		Where("job_id = ? AND seq = ?", ev.JobID, ev.Seq).
		FirstOrCreate(&progressRow{}, row).Error
	if err != nil {
		return store.Transient(fmt.Errorf("relational: append progress %s/%d: %w", ev.JobID, ev.Seq, err))
	}
	return nil
}

// ListProgress returns events with seq >= fromSeq in seq order.
func (s *Store) ListProgress(ctx context.Context, jobID string, fromSeq int64) ([]kb.ProgressEvent, error) {
	var rows []progressRow
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq >= ?", jobID, fromSeq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, store.Transient(fmt.Errorf("relational: list progress %s: %w", jobID, err))
	}
	events := make([]kb.ProgressEvent, 0, len(rows))
	for _, row := range rows {
		counters, err := unmarshalCounters(row.Counters)
		if err != nil {
			return nil, fmt.Errorf("relational: unmarshal counters: %w", err)
		}
		events = append(events, kb.ProgressEvent{
			JobID:     row.JobID,
			Seq:       row.Seq,
			EmittedAt: row.EmittedAt,
			Stage:     kb.Stage(row.Stage),
			Percent:   row.Percent,
			Message:   row.Message,
			Counters:  counters,
		})
	}
	return events, nil
}

// MaxProgressSeq returns the highest seq recorded for a job, or -1 if none.
func (s *Store) MaxProgressSeq(ctx context.Context, jobID string) (int64, error) {
	var max *int64
	err := s.db.WithContext(ctx).
		Model(&progressRow{}).
		Where("job_id = ?", jobID).
		Select("MAX(seq)").
		Scan(&max).Error
	if err != nil {
		return 0, store.Transient(fmt.Errorf("relational: max seq %s: %w", jobID, err))
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

// UpsertDocument writes document metadata keyed by doc_id. Re-ingesting the
// same document keeps the original ingested_at.
func (s *Store) UpsertDocument(ctx context.Context, doc *kb.Document) error {
	var existing documentRow
	err := s.db.WithContext(ctx).First(&existing, "doc_id = ?", doc.DocID).Error
	if err == nil {
		// Already present: refresh mutable fields only.
		updates := map[string]any{
			"title":         doc.Title,
			"tier":          string(doc.Tier),
			"quality_score": doc.QualityScore,
			"byte_length":   doc.ByteLength,
		}
		if err := s.db.WithContext(ctx).Model(&documentRow{}).
			Where("doc_id = ?", doc.DocID).Updates(updates).Error; err != nil {
			return store.Transient(fmt.Errorf("relational: update document %s: %w", doc.DocID, err))
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Transient(fmt.Errorf("relational: lookup document %s: %w", doc.DocID, err))
	}

	row := documentRow{
		DocID:        doc.DocID,
		URL:          doc.URL,
		Title:        doc.Title,
		SourceKind:   string(doc.SourceKind),
		IngestedAt:   doc.IngestedAt,
		Tier:         string(doc.Tier),
		QualityScore: doc.QualityScore,
		ByteLength:   doc.ByteLength,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return store.Transient(fmt.Errorf("relational: create document %s: %w", doc.DocID, err))
	}
	return nil
}

// GetDocument loads document metadata, or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, docID string) (*kb.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, "doc_id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("relational: document %s: %w", docID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Transient(fmt.Errorf("relational: get document %s: %w", docID, err))
	}
	return &kb.Document{
		DocID:        row.DocID,
		URL:          row.URL,
		Title:        row.Title,
		SourceKind:   kb.SourceKind(row.SourceKind),
		IngestedAt:   row.IngestedAt,
		Tier:         kb.Tier(row.Tier),
		QualityScore: row.QualityScore,
		ByteLength:   row.ByteLength,
	}, nil
}

// PruneProgress deletes progress events belonging to jobs last updated
// before cutoff.
func (s *Store) PruneProgress(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("job_id IN (?)", s.db.Model(&jobRow{}).Select("job_id").Where("updated_at < ?", cutoff)).
		Delete(&progressRow{})
	if result.Error != nil {
		return 0, store.Transient(fmt.Errorf("relational: prune progress: %w", result.Error))
	}
	return result.RowsAffected, nil
}

// PruneJobs expires terminal jobs last updated before cutoff.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("updated_at < ? AND status IN ?", cutoff,
			[]string{string(kb.JobCompleted), string(kb.JobFailed), string(kb.JobCancelled)}).
		Delete(&jobRow{})
	if result.Error != nil {
		return 0, store.Transient(fmt.Errorf("relational: prune jobs: %w", result.Error))
	}
	return result.RowsAffected, nil
}
