// Package pipeline orchestrates one catalog synchronization run:
// snapshot scrape, diff, delta apply, enrichment, and index publish.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchvine/catalog-sync/internal/differ"
	"github.com/watchvine/catalog-sync/internal/enrich"
	"github.com/watchvine/catalog-sync/internal/index"
	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/resilience"
	"github.com/watchvine/catalog-sync/internal/snapshot"
	"github.com/watchvine/catalog-sync/internal/store"
)

// ErrRunInProgress is returned when a run starts while another is
// still active. Overlapping runs are skipped, never queued.
var ErrRunInProgress = eris.New("pipeline: run already in progress")

// Pipeline drives the sync stages in order. At most one run is
// active at a time.
type Pipeline struct {
	store     store.Store
	source    snapshot.Source
	engine    *enrich.Engine
	builder   *index.Builder
	differCfg differ.Config

	running atomic.Bool
}

// New creates a Pipeline with all dependencies.
func New(st store.Store, source snapshot.Source, engine *enrich.Engine, builder *index.Builder, differCfg differ.Config) *Pipeline {
	return &Pipeline{
		store:     st,
		source:    source,
		engine:    engine,
		builder:   builder,
		differCfg: differCfg,
	}
}

// Running reports whether a run is currently active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Run executes one full pipeline run and returns its report. A scrape
// or diff failure aborts before any catalog write. Enrichment trouble
// degrades coverage but the run continues; an index failure leaves
// the previous generation serving. The report is always persisted,
// whatever the outcome.
func (p *Pipeline) Run(ctx context.Context) (*model.RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	run, err := p.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: run starting")

	report := &model.RunReport{
		RunID:     run.ID,
		Status:    model.RunStatusRunning,
		StartedAt: run.StartedAt,
	}

	trackStage := func(name string, fn func() error) error {
		stageID, stageErr := p.store.CreateStage(ctx, run.ID, name)
		if stageErr != nil {
			log.Warn("pipeline: failed to create stage", zap.String("stage", name), zap.Error(stageErr))
		}

		start := time.Now()
		fnErr := fn()
		duration := time.Since(start).Milliseconds()

		result := model.StageResult{Name: name, Duration: duration}
		if fnErr != nil {
			result.Status = model.StageStatusFailed
			result.Error = fnErr.Error()
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			result.Status = model.StageStatusComplete
			log.Info("pipeline: stage complete",
				zap.String("stage", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if stageID != "" {
			if completeErr := p.store.CompleteStage(ctx, stageID, &result); completeErr != nil {
				log.Warn("pipeline: failed to complete stage", zap.String("stage", name), zap.Error(completeErr))
			}
		}
		report.Stages = append(report.Stages, result)
		return fnErr
	}

	finish := func(status model.RunStatus, runErr error) (*model.RunReport, error) {
		report.Status = status
		report.FinishedAt = time.Now().UTC()
		if runErr != nil {
			report.Error = runErr.Error()
		}
		if saveErr := p.store.CompleteRun(ctx, run.ID, report); saveErr != nil {
			log.Warn("pipeline: failed to persist report", zap.Error(saveErr))
		}
		log.Info("pipeline: run finished",
			zap.String("status", string(status)),
			zap.Int("scanned", report.Counts.Scanned),
			zap.Int("added", report.Counts.Added),
			zap.Int("removed", report.Counts.Removed),
			zap.Int("enriched", report.Counts.Enriched),
			zap.Int("indexed", report.Counts.Indexed),
		)
		return report, runErr
	}

	// SCRAPE
	var records []model.RawRecord
	if err := trackStage("scrape", func() error {
		var fetchErr error
		records, fetchErr = p.source.Fetch(ctx)
		if fetchErr != nil {
			return fetchErr
		}
		report.Counts.Scanned = len(records)
		return nil
	}); err != nil {
		return finish(model.RunStatusFailed, eris.Wrap(err, "pipeline: scrape"))
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, err)
	}

	// DIFF
	var delta *differ.Delta
	if err := trackStage("diff", func() error {
		existing, listErr := p.store.ListItemStates(ctx)
		if listErr != nil {
			return listErr
		}
		var diffErr error
		delta, diffErr = differ.Diff(records, existing, p.differCfg)
		return diffErr
	}); err != nil {
		if resilience.IsAnomaly(err) {
			log.Warn("pipeline: snapshot anomaly, catalog untouched", zap.Error(err))
		}
		return finish(model.RunStatusFailed, eris.Wrap(err, "pipeline: diff"))
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, err)
	}

	// APPLY_DELTA
	if err := trackStage("apply_delta", func() error {
		upserts := make([]model.CatalogItem, 0, len(delta.ToAdd)+len(delta.ToRecheck))
		upserts = append(upserts, delta.ToAdd...)
		upserts = append(upserts, delta.ToRecheck...)
		if applyErr := p.store.UpsertItems(ctx, upserts); applyErr != nil {
			return applyErr
		}
		if applyErr := p.store.IncrementAbsentRuns(ctx, delta.CandidateRemoved); applyErr != nil {
			return applyErr
		}
		if applyErr := p.store.DeleteItems(ctx, delta.ToRemove); applyErr != nil {
			return applyErr
		}
		report.Counts.Added = len(delta.ToAdd)
		report.Counts.Rechecked = len(delta.ToRecheck)
		report.Counts.CandidateRemoved = len(delta.CandidateRemoved)
		report.Counts.Removed = len(delta.ToRemove)
		return nil
	}); err != nil {
		return finish(model.RunStatusFailed, eris.Wrap(err, "pipeline: apply delta"))
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, err)
	}

	// ENRICH. Failures here leave items at earlier stages; the run
	// continues so everything already embedded still gets indexed.
	degraded := false
	if err := trackStage("enrich", func() error {
		result, enrichErr := p.engine.Run(ctx)
		if result != nil {
			report.Counts.Enriched = result.Enriched
			report.Counts.Failed = result.Failed
		}
		return enrichErr
	}); err != nil {
		if ctx.Err() != nil {
			return finish(model.RunStatusFailed, err)
		}
		degraded = true
	}
	if report.Counts.Failed > 0 {
		degraded = true
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, err)
	}

	// BUILD_INDEX
	var gen *index.Generation
	if err := trackStage("build_index", func() error {
		var buildErr error
		var buildResult *index.BuildResult
		gen, buildResult, buildErr = p.builder.Assemble(ctx)
		if buildErr != nil {
			return buildErr
		}
		if buildResult != nil {
			report.Counts.Indexed = buildResult.Indexed
		}
		return nil
	}); err != nil {
		return finish(model.RunStatusPartial, eris.Wrap(err, "pipeline: build index"))
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, err)
	}

	// PUBLISH
	if gen == nil {
		report.Stages = append(report.Stages, model.StageResult{
			Name:   "publish",
			Status: model.StageStatusSkipped,
		})
		log.Info("pipeline: nothing to publish")
	} else {
		if err := trackStage("publish", func() error {
			if publishErr := p.builder.Publish(ctx, gen); publishErr != nil {
				return publishErr
			}
			report.Generation = int64(gen.Manifest.Generation)
			return nil
		}); err != nil {
			return finish(model.RunStatusPartial, eris.Wrap(err, "pipeline: publish"))
		}
	}

	if degraded {
		return finish(model.RunStatusPartial, nil)
	}
	return finish(model.RunStatusComplete, nil)
}
