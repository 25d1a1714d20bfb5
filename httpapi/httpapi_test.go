package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/rag"
	"github.com/c360studio/provgraph/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubJobs struct {
	job       *kb.Job
	submitErr error
	statusErr error
	cancelErr error
	retryErr  error

	gotURL      string
	gotPriority int
	gotManual   bool
	cancelledID string
}

func (s *stubJobs) Submit(_ context.Context, url string, priority int) (*kb.Job, error) {
	s.gotURL, s.gotPriority = url, priority
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return s.job, nil
}

func (s *stubJobs) Status(context.Context, string) (*kb.Job, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.job, nil
}

func (s *stubJobs) Cancel(_ context.Context, jobID string) error {
	s.cancelledID = jobID
	return s.cancelErr
}

func (s *stubJobs) Retry(_ context.Context, _ string, manual bool) error {
	s.gotManual = manual
	return s.retryErr
}

type stubProgress struct {
	events     chan kb.ProgressEvent
	subscribed bool
	gotFromSeq int64
}

func (s *stubProgress) Subscribe(_ context.Context, _ string, fromSeq int64) (<-chan kb.ProgressEvent, func(), error) {
	s.subscribed = true
	s.gotFromSeq = fromSeq
	return s.events, func() {}, nil
}

type stubQuery struct {
	answer *rag.Answer
	err    error
}

func (s *stubQuery) Resolve(context.Context, rag.Query) (*rag.Answer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.answer, nil
}

type apiFixture struct {
	jobs     *stubJobs
	progress *stubProgress
	query    *stubQuery
	mux      *http.ServeMux
}

func newAPIFixture() *apiFixture {
	jobs := &stubJobs{job: &kb.Job{
		JobID:    "job-1",
		URL:      "https://example.com/a",
		Status:   kb.JobQueued,
		Priority: 5,
	}}
	progress := &stubProgress{events: make(chan kb.ProgressEvent, 8)}
	query := &stubQuery{answer: &rag.Answer{Text: "answer [1]."}}

	mux := http.NewServeMux()
	NewServer(jobs, progress, query, testLogger()).Register(mux)
	return &apiFixture{jobs: jobs, progress: progress, query: query, mux: mux}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestAccepted(t *testing.T) {
	f := newAPIFixture()

	rec := doJSON(t, f.mux, http.MethodPost, "/ingest", `{"url":"https://example.com/a","priority":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "https://example.com/a", f.jobs.gotURL)
	assert.Equal(t, 3, f.jobs.gotPriority)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "/jobs/job-1", resp.StatusURL)
	assert.Equal(t, "/jobs/job-1/stream", resp.StreamURL)
}

func TestIngestRejectsMissingURL(t *testing.T) {
	f := newAPIFixture()
	rec := doJSON(t, f.mux, http.MethodPost, "/ingest", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture()
	rec := doJSON(t, f.mux, http.MethodPost, "/ingest", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestValidationErrorMapsTo400(t *testing.T) {
	f := newAPIFixture()
	f.jobs.submitErr = store.Validation(assert.AnError)
	rec := doJSON(t, f.mux, http.MethodPost, "/ingest", `{"url":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatus(t *testing.T) {
	f := newAPIFixture()

	rec := doJSON(t, f.mux, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job kb.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, kb.JobQueued, job.Status)
}

func TestJobStatusNotFound(t *testing.T) {
	f := newAPIFixture()
	f.jobs.statusErr = store.ErrNotFound
	rec := doJSON(t, f.mux, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	f := newAPIFixture()
	rec := doJSON(t, f.mux, http.MethodPost, "/jobs/job-1/cancel", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "job-1", f.jobs.cancelledID)
}

func TestCancelTerminalJob(t *testing.T) {
	f := newAPIFixture()
	f.jobs.cancelErr = store.Validation(assert.AnError)
	rec := doJSON(t, f.mux, http.MethodPost, "/jobs/job-1/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryManualFlag(t *testing.T) {
	f := newAPIFixture()

	rec := doJSON(t, f.mux, http.MethodPost, "/jobs/job-1/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, f.jobs.gotManual)

	rec = doJSON(t, f.mux, http.MethodPost, "/jobs/job-1/retry?manual=true", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, f.jobs.gotManual)
}

func TestQuery(t *testing.T) {
	f := newAPIFixture()
	f.query.answer = &rag.Answer{
		Text:      "The campus opened in 2003 [1].",
		Citations: []rag.Citation{{Index: 1, ChunkID: "c-1", Quote: "opened in 2003"}},
	}

	rec := doJSON(t, f.mux, http.MethodPost, "/query", `{"query":"when?","k":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var ans rag.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, f.query.answer.Text, ans.Text)
	require.Len(t, ans.Citations, 1)
	assert.Equal(t, "opened in 2003", ans.Citations[0].Quote)
}

func TestQueryUngroundedAnswerMapsTo422(t *testing.T) {
	f := newAPIFixture()
	f.query.err = store.DataIntegrity(assert.AnError)
	rec := doJSON(t, f.mux, http.MethodPost, "/query", `{"query":"when?"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStreamDeliversEventsAndClosesOnTerminal(t *testing.T) {
	f := newAPIFixture()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	now := time.Now().UTC()
	f.progress.events <- kb.ProgressEvent{JobID: "job-1", Seq: 2, EmittedAt: now, Stage: kb.StageChunk, Percent: 25}
	f.progress.events <- kb.ProgressEvent{JobID: "job-1", Seq: 3, EmittedAt: now, Stage: kb.StageComplete, Percent: 100}
	close(f.progress.events)

	resp, err := http.Get(srv.URL + "/jobs/job-1/stream?from_seq=2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The channel is closed, so the body terminates after both events.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "id: 2\n")
	assert.Contains(t, text, `"stage":"CHUNK"`)
	assert.Contains(t, text, "id: 3\n")
	assert.Contains(t, text, `"stage":"COMPLETE"`)
	assert.Equal(t, int64(2), f.progress.gotFromSeq)
}

func TestStreamRejectsBadFromSeq(t *testing.T) {
	f := newAPIFixture()
	rec := doJSON(t, f.mux, http.MethodGet, "/jobs/job-1/stream?from_seq=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.progress.subscribed)
}

func TestStreamUnknownJob(t *testing.T) {
	f := newAPIFixture()
	f.jobs.statusErr = store.ErrNotFound
	rec := doJSON(t, f.mux, http.MethodGet, "/jobs/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, f.progress.subscribed)
}
