package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/provgraph/chunk"
	"github.com/c360studio/provgraph/coref"
	"github.com/c360studio/provgraph/extract"
	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/link"
	"github.com/c360studio/provgraph/ner"
	"github.com/c360studio/provgraph/progress"
	"github.com/c360studio/provgraph/relate"
	"github.com/c360studio/provgraph/store"
)

// Per-stage deadlines. A stage exceeding its deadline fails transiently
// and the retry policy applies.
var stageTimeouts = map[kb.Stage]time.Duration{
	kb.StageExtract: 60 * time.Second,
	kb.StageChunk:   10 * time.Second,
	kb.StageCoref:   30 * time.Second,
	kb.StageNER:     60 * time.Second,
	kb.StageLink:    30 * time.Second,
	kb.StageRelate:  60 * time.Second,
	kb.StageEmbed:   60 * time.Second,
	kb.StageIndex:   15 * time.Second,
}

// Cumulative percent reported when each stage completes.
var stagePercents = map[kb.Stage]int{
	kb.StageExtract: 15,
	kb.StageChunk:   25,
	kb.StageCoref:   35,
	kb.StageNER:     50,
	kb.StageLink:    65,
	kb.StageRelate:  75,
	kb.StageEmbed:   85,
	kb.StageIndex:   95,
}

// CancelCheck reports whether cancellation was requested for a job.
type CancelCheck func(ctx context.Context, jobID string) bool

// PhaseCallback lets the runner report coarse job status transitions.
type PhaseCallback func(ctx context.Context, status kb.JobStatus)

// Runner executes the stage chain for one job: extract, chunk, coref, ner,
// link, relate, embed, index. Stages are strictly ordered; every stage
// checks for cancellation at entry. All stages except the indexer return
// transformations only, so an attempt can be replayed from the start.
type Runner struct {
	extractors *extract.Registry
	chunker    *chunk.Chunker
	coref      *coref.Resolver
	ner        *ner.Extractor
	linker     *link.Linker
	relate     *relate.Extractor
	embedder   *Embedder
	indexer    *Indexer
	bus        *progress.Bus
	logger     *slog.Logger
	now        func() time.Time
}

// RunnerDeps bundles the stage components.
type RunnerDeps struct {
	Extractors *extract.Registry
	Chunker    *chunk.Chunker
	// Coref may be nil to disable the advisory coreference stage.
	Coref    *coref.Resolver
	NER      *ner.Extractor
	Linker   *link.Linker
	Relate   *relate.Extractor
	Embedder *Embedder
	Indexer  *Indexer
	Bus      *progress.Bus
	Logger   *slog.Logger
}

// NewRunner assembles a runner from its stage components.
func NewRunner(deps RunnerDeps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		extractors: deps.Extractors,
		chunker:    deps.Chunker,
		coref:      deps.Coref,
		ner:        deps.NER,
		linker:     deps.Linker,
		relate:     deps.Relate,
		embedder:   deps.Embedder,
		indexer:    deps.Indexer,
		bus:        deps.Bus,
		logger:     logger,
		now:        time.Now,
	}
}

// Run processes one job attempt end to end and returns the resulting
// document ID. Errors carry the kind tags the retry policy needs.
func (r *Runner) Run(ctx context.Context, job *kb.Job, cancelled CancelCheck, phase PhaseCallback) (string, error) {
	if cancelled == nil {
		cancelled = func(context.Context, string) bool { return false }
	}
	if phase == nil {
		phase = func(context.Context, kb.JobStatus) {}
	}
	jobID := job.JobID

	// EXTRACT
	phase(ctx, kb.JobExtracting)
	extractor, err := r.extractors.ForURL(job.URL)
	if err != nil {
		return "", err
	}
	var extracted *extract.Result
	err = r.stage(ctx, jobID, kb.StageExtract, cancelled, func(sctx context.Context) error {
		var err error
		extracted, err = extractor.Extract(sctx, job.URL)
		return err
	})
	if err != nil {
		return "", err
	}
	docID, err := ident.DocID(job.URL)
	if err != nil {
		return "", store.Validation(err)
	}
	score, tier := scoreQuality(extracted.Text, extracted.Meta)
	doc := &kb.Document{
		DocID:        docID,
		URL:          job.URL,
		Title:        extracted.Meta.Title,
		SourceKind:   extractor.Kind(),
		IngestedAt:   r.now().UTC(),
		Tier:         tier,
		QualityScore: score,
		ByteLength:   len(extracted.Text),
	}
	r.emit(ctx, jobID, kb.StageExtract, "extracted", map[string]int64{
		"bytes": int64(len(extracted.Text)),
	})

	// CHUNK, committed immediately so the document survives a later
	// cancellation or failure.
	phase(ctx, kb.JobTransforming)
	var chunks []kb.Chunk
	err = r.stage(ctx, jobID, kb.StageChunk, cancelled, func(sctx context.Context) error {
		var err error
		chunks, err = r.chunker.Split(docID, extracted.Text, extracted.Locations)
		if err != nil {
			return err
		}
		return r.indexer.CommitDocument(sctx, doc, extracted.Raw, extracted.Text, extracted.Locations, chunks)
	})
	if err != nil {
		return "", err
	}
	r.emit(ctx, jobID, kb.StageChunk, "chunked", map[string]int64{
		"chunks": int64(len(chunks)),
	})

	// COREF, advisory: failure downgrades to a warning and the job
	// continues without cluster IDs.
	var clusters *coref.Result
	if r.coref != nil {
		err = r.stage(ctx, jobID, kb.StageCoref, cancelled, func(sctx context.Context) error {
			var err error
			clusters, err = r.coref.Resolve(sctx, chunks)
			return err
		})
		if err != nil {
			if store.IsCancelled(err) {
				return "", err
			}
			r.logger.Warn("coreference failed, continuing without clusters",
				"job_id", jobID, "error", err)
			clusters = nil
		}
	}
	r.emit(ctx, jobID, kb.StageCoref, "coreference resolved", map[string]int64{
		"clusters": int64(clusters.Clusters()),
	})

	// NER
	var mentions *ner.Result
	err = r.stage(ctx, jobID, kb.StageNER, cancelled, func(sctx context.Context) error {
		var err error
		mentions, err = r.ner.Extract(sctx, chunks, clusters.ClusterFor)
		return err
	})
	if err != nil {
		return "", err
	}
	r.emit(ctx, jobID, kb.StageNER, "mentions extracted", map[string]int64{
		"mentions":       int64(len(mentions.Mentions)),
		"chunks_skipped": int64(mentions.ChunksSkipped),
	})

	// LINK
	var decisions []link.Decision
	err = r.stage(ctx, jobID, kb.StageLink, cancelled, func(sctx context.Context) error {
		var err error
		decisions, err = r.linker.Link(sctx, mentions.Mentions, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	created := int64(0)
	for _, d := range decisions {
		if d.CreatedNew {
			created++
		}
	}
	r.emit(ctx, jobID, kb.StageLink, "entities linked", map[string]int64{
		"entities_found": int64(len(decisions)),
		"entities_new":   created,
	})

	// RELATE
	var relations *relate.Result
	err = r.stage(ctx, jobID, kb.StageRelate, cancelled, func(sctx context.Context) error {
		var err error
		relations, err = r.relate.Extract(sctx, chunks, linkedByChunk(decisions))
		return err
	})
	if err != nil {
		return "", err
	}
	r.emit(ctx, jobID, kb.StageRelate, "relations extracted", map[string]int64{
		"relations": int64(len(relations.Relations)),
	})

	// EMBED
	phase(ctx, kb.JobLoading)
	var skipped int
	err = r.stage(ctx, jobID, kb.StageEmbed, cancelled, func(sctx context.Context) error {
		var err error
		skipped, err = r.embedder.EmbedChunks(sctx, chunks)
		return err
	})
	if err != nil {
		return "", err
	}
	r.emit(ctx, jobID, kb.StageEmbed, "chunks embedded", map[string]int64{
		"embedded": int64(len(chunks) - skipped),
		"skipped":  int64(skipped),
	})

	// INDEX
	err = r.stage(ctx, jobID, kb.StageIndex, cancelled, func(sctx context.Context) error {
		return r.indexer.CommitKnowledge(sctx, doc, chunks, decisions, relations.Relations)
	})
	if err != nil {
		return "", err
	}
	r.emit(ctx, jobID, kb.StageIndex, "indexed", nil)

	return docID, nil
}

// stage runs fn under the stage deadline with a cancellation check at
// entry, records metrics, and retags a stage-level deadline as transient.
func (r *Runner) stage(ctx context.Context, jobID string, stage kb.Stage, cancelled CancelCheck, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return store.Cancelled(err)
	}
	if cancelled(ctx, jobID) {
		return store.Cancelled(fmt.Errorf("job %s cancellation requested", jobID))
	}

	timeout, ok := stageTimeouts[stage]
	if !ok {
		timeout = time.Minute
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := fn(sctx)
	stageDuration.WithLabelValues(string(stage)).Observe(r.now().Sub(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = store.Transient(fmt.Errorf("stage %s exceeded %s: %w", stage, timeout, err))
		}
		stageFailures.WithLabelValues(string(stage), string(store.KindOf(err))).Inc()
	}
	return err
}

// emit publishes the stage-completion event. Emission failure never fails
// the job; the durable log is behind the same store the stage just wrote.
func (r *Runner) emit(ctx context.Context, jobID string, stage kb.Stage, message string, counters map[string]int64) {
	if _, err := r.bus.Emit(ctx, jobID, stage, stagePercents[stage], message, counters); err != nil {
		r.logger.Warn("progress emit failed", "job_id", jobID, "stage", stage, "error", err)
	}
}

// linkedByChunk regroups link decisions for the relation extractor.
func linkedByChunk(decisions []link.Decision) map[string][]relate.EntityMention {
	out := make(map[string][]relate.EntityMention)
	for _, d := range decisions {
		out[d.Mention.ChunkID] = append(out[d.Mention.ChunkID], relate.EntityMention{
			Mention:  d.Mention,
			EntityID: d.Entity.EntityID,
		})
	}
	return out
}

// scoreQuality assigns a naive 0-10 quality score and storage tier from
// what the extractor reported.
func scoreQuality(text string, meta extract.Metadata) (float64, kb.Tier) {
	score := 5.0
	if meta.Title != "" {
		score += 2
	}
	if meta.Author != "" {
		score += 1
	}
	if len(text) >= 2000 {
		score += 2
	} else if len(text) < 300 {
		score -= 2
	}
	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}

	switch {
	case score >= 8:
		return score, kb.TierA
	case score >= 6:
		return score, kb.TierB
	case score >= 4:
		return score, kb.TierC
	default:
		return score, kb.TierD
	}
}
