package kb

import "time"

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobQueued       JobStatus = "QUEUED"
	JobExtracting   JobStatus = "EXTRACTING"
	JobTransforming JobStatus = "TRANSFORMING"
	JobLoading      JobStatus = "LOADING"
	JobCompleted    JobStatus = "COMPLETED"
	JobFailed       JobStatus = "FAILED"
	JobCancelled    JobStatus = "CANCELLED"
	JobRetrying     JobStatus = "RETRYING"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority bounds: lower number runs first.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
)

// Job is one end-to-end unit of ingestion work.
type Job struct {
	JobID        string    `json:"job_id"`
	URL          string    `json:"url"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastError    string    `json:"last_error,omitempty"`
	ResultDocID  string    `json:"result_doc_id,omitempty"`
}

// Stage identifies a pipeline stage in progress events.
type Stage string

const (
	StageQueued   Stage = "QUEUED"
	StageExtract  Stage = "EXTRACT"
	StageChunk    Stage = "CHUNK"
	StageCoref    Stage = "COREF"
	StageNER      Stage = "NER"
	StageLink     Stage = "LINK"
	StageRelate   Stage = "RELATE"
	StageEmbed    Stage = "EMBED"
	StageIndex    Stage = "INDEX"
	StageComplete Stage = "COMPLETE"
	StageError    Stage = "ERROR"
)

// Terminal reports whether an event at this stage closes the job's stream.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// ProgressEvent is one ordered, immutable record of a job's advancement.
// Seq is strictly increasing per job starting at 0; Percent is monotone
// non-decreasing across a job's event stream.
type ProgressEvent struct {
	JobID     string           `json:"job_id"`
	Seq       int64            `json:"seq"`
	EmittedAt time.Time        `json:"emitted_at"`
	Stage     Stage            `json:"stage"`
	Percent   int              `json:"percent"`
	Message   string           `json:"message,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}
