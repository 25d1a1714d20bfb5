package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/provgraph/store"
)

// GCStats summarizes one sweep.
type GCStats struct {
	EntitiesSwept  int64
	ProgressPruned int64
	JobsPruned     int64
}

// GC is the scheduled sweep: canonical entities nobody mentions anymore
// are deleted, and progress events and terminal jobs past the retention
// window are pruned. It never runs concurrently with itself and is meant
// to be scheduled outside ingestion load.
type GC struct {
	stores    *store.Facade
	retention time.Duration
	logger    *slog.Logger
}

// NewGC creates a sweeper with the given job retention window.
func NewGC(stores *store.Facade, retention time.Duration, logger *slog.Logger) *GC {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GC{stores: stores, retention: retention, logger: logger}
}

// Run performs one sweep.
func (g *GC) Run(ctx context.Context) (GCStats, error) {
	var stats GCStats

	err := g.stores.Graph.WithTx(ctx, func(tx store.GraphTx) error {
		rows, err := tx.Run(ctx,
			`MATCH (e:Entity)
			 WHERE coalesce(e.mention_count, 0) = 0
			 DETACH DELETE e
			 RETURN count(e) AS swept`,
			nil)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if n, ok := rows[0]["swept"].(int64); ok {
				stats.EntitiesSwept = n
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	cutoff := time.Now().UTC().Add(-g.retention)
	if stats.ProgressPruned, err = g.stores.DB.PruneProgress(ctx, cutoff); err != nil {
		return stats, err
	}
	if stats.JobsPruned, err = g.stores.DB.PruneJobs(ctx, cutoff); err != nil {
		return stats, err
	}

	gcSweeps.WithLabelValues("entities").Add(float64(stats.EntitiesSwept))
	gcSweeps.WithLabelValues("progress_events").Add(float64(stats.ProgressPruned))
	gcSweeps.WithLabelValues("jobs").Add(float64(stats.JobsPruned))
	g.logger.Info("gc sweep finished",
		"entities_swept", stats.EntitiesSwept,
		"progress_pruned", stats.ProgressPruned,
		"jobs_pruned", stats.JobsPruned)
	return stats, nil
}
