// Package httpapi exposes the ingestion and query surface over HTTP: job
// submission, status, cancellation, retry, an SSE progress stream, and the
// query endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/rag"
	"github.com/c360studio/provgraph/store"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// sseHeartbeatInterval is how often an idle stream writes a comment line so
// intermediaries keep the connection open.
const sseHeartbeatInterval = 15 * time.Second

// JobService is the job lifecycle surface the API fronts.
type JobService interface {
	Submit(ctx context.Context, url string, priority int) (*kb.Job, error)
	Status(ctx context.Context, jobID string) (*kb.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, manual bool) error
}

// ProgressSource feeds the SSE stream.
type ProgressSource interface {
	Subscribe(ctx context.Context, jobID string, fromSeq int64) (<-chan kb.ProgressEvent, func(), error)
}

// QueryService answers retrieval queries.
type QueryService interface {
	Resolve(ctx context.Context, q rag.Query) (*rag.Answer, error)
}

// Server holds the API's collaborators.
type Server struct {
	jobs     JobService
	progress ProgressSource
	query    QueryService
	logger   *slog.Logger
}

// NewServer wires the API over its services.
func NewServer(jobs JobService, progress ProgressSource, query QueryService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: jobs, progress: progress, query: query, logger: logger}
}

// Register installs all handlers on the mux:
//
//	POST /ingest
//	GET  /jobs/{id}
//	POST /jobs/{id}/cancel
//	POST /jobs/{id}/retry
//	GET  /jobs/{id}/stream
//	POST /query
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /jobs/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /query", s.handleQuery)
}

// IngestRequest is the body of POST /ingest.
type IngestRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority,omitempty"`
}

// IngestResponse is the 202 body of POST /ingest.
type IngestResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Submit(r.Context(), req.URL, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{
		JobID:     job.JobID,
		StatusURL: "/jobs/" + job.JobID,
		StreamURL: "/jobs/" + job.JobID + "/stream",
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	manual := r.URL.Query().Get("manual") == "true"
	if err := s.jobs.Retry(r.Context(), r.PathValue("id"), manual); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	fromSeq := int64(0)
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "from_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		fromSeq = parsed
	}

	// Reject unknown jobs before committing to an event stream.
	if _, err := s.jobs.Status(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel, err := s.progress.Subscribe(r.Context(), jobID, fromSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				// Terminal event delivered; the stream is complete.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("progress event marshal failed", "job_id", jobID, "error", err)
				return
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
			heartbeat.Reset(sseHeartbeatInterval)
		}
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var q rag.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ans, err := s.query.Resolve(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// writeError maps the error taxonomy to HTTP statuses. Validation failures
// are the client's fault, integrity failures mean the stores disagree, and
// everything else is a retryable server condition.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case store.IsValidation(err):
		status = http.StatusBadRequest
	case store.IsDataIntegrity(err):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing left to do.
		_ = err
	}
}
