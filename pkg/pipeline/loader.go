// Package pipeline coordinates fetch, merge, train, and score for a city as
// a cancellable, progress-reporting run, and owns the TTL cache of results.
// At most one run per city is in flight at a time; concurrent callers attach
// to the existing run and share its result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/features"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/grid"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/observability"
	"github.com/kass/sitescout/pkg/revenue"
)

// scoreChunk is how many rows are scored between progress updates.
const scoreChunk = 100

// Store persists completed runs. Persistence is best-effort: a store failure
// is logged, never surfaced to the caller.
type Store interface {
	SaveRun(ctx context.Context, rs *CityResultSet) error
}

// LoadOptions modify a single LoadCityData call.
type LoadOptions struct {
	// ForceRefresh runs the full pipeline even when a fresh cache entry
	// exists.
	ForceRefresh bool
	// OnProgress receives this caller's status events while the run is
	// active. Callers that attach to a run already in flight see events
	// from that point on.
	OnProgress ProgressFunc
}

// run is one in-flight pipeline execution. Its context is detached from any
// single caller; waiters come and go while the run proceeds.
type run struct {
	id     string
	city   *config.CityConfig
	cancel context.CancelFunc
	done   chan struct{}
	result *CityResultSet
	err    error

	// guarded by the loader mutex
	stage     Stage
	waiters   int
	observers []ProgressFunc
}

// Loader is the pipeline entry point. It owns the per-city single-flight
// discipline and guarantees the cache is only ever replaced by a fully
// successful run.
type Loader struct {
	cfg      config.Config
	registry *config.Registry
	cache    *Cache
	fetcher  *fetch.Fetcher
	engineer *features.Engineer
	clock    Clock
	logger   *slog.Logger
	store    Store

	mu   sync.Mutex
	runs map[string]*run
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderClock replaces the loader's wall clock, for deterministic budget
// and timestamp tests.
func WithLoaderClock(clock Clock) LoaderOption {
	return func(l *Loader) { l.clock = clock }
}

// WithLoaderLogger sets the logger for run lifecycle and degradation events.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithStore attaches best-effort persistence of completed runs.
func WithStore(s Store) LoaderOption {
	return func(l *Loader) { l.store = s }
}

// NewLoader wires the pipeline together around a city registry, a result
// cache, and a fetcher.
func NewLoader(cfg config.Config, registry *config.Registry, cache *Cache, fetcher *fetch.Fetcher, opts ...LoaderOption) *Loader {
	l := &Loader{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		fetcher:  fetcher,
		clock:    systemClock{},
		logger:   slog.Default(),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.engineer = features.NewEngineer(features.WithLogger(l.logger))
	return l
}

// LoadCityData returns the cached result set for a city or runs the full
// pipeline to produce one. It is the sole programmatic entry point.
//
// A fresh cache entry short-circuits everything: the cached pointer is
// returned and no progress events fire. Otherwise the caller attaches to the
// in-flight run for the city, starting one if none exists. ctx bounds this
// caller's wait only; the run itself is cancelled when its last waiter
// leaves while data is still being fetched. Later stages run to completion
// so the finished work can still land in the cache.
func (l *Loader) LoadCityData(ctx context.Context, cityID string, opts LoadOptions) (*CityResultSet, error) {
	city, err := l.registry.Get(cityID)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRefresh {
		if rs, ok := l.cache.Get(cityID); ok {
			observability.RecordCacheHit()
			return rs, nil
		}
	}
	observability.RecordCacheMiss()

	l.mu.Lock()
	r, active := l.runs[cityID]
	if !active {
		// The run outlives any one caller, so its context is detached
		// from theirs.
		runCtx, cancel := context.WithCancel(context.Background())
		r = &run{
			id:     uuid.NewString(),
			city:   city,
			cancel: cancel,
			done:   make(chan struct{}),
			stage:  StageIdle,
		}
		l.runs[cityID] = r
		go l.execute(runCtx, r)
	}
	r.waiters++
	if opts.OnProgress != nil {
		r.observers = append(r.observers, opts.OnProgress)
	}
	l.mu.Unlock()

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		l.abandon(r)
		return nil, ctx.Err()
	}
}

// abandon detaches a waiter whose context ended. The run keeps going for the
// remaining waiters; when the last one leaves before fetching has finished
// the run is cancelled.
func (l *Loader) abandon(r *run) {
	l.mu.Lock()
	r.waiters--
	cancelRun := r.waiters == 0 && r.stage <= StageFetching
	l.mu.Unlock()
	if cancelRun {
		l.logger.Info("cancelling run, all waiters gone",
			"city_id", r.city.ID, "run_id", r.id)
		r.cancel()
	}
}

// execute drives one run to a terminal state, publishes the outcome to every
// waiter, and retires the run from the registry.
func (l *Loader) execute(ctx context.Context, r *run) {
	started := l.clock.Now()
	logger := l.logger.With("city_id", r.city.ID, "run_id", r.id)
	t := &tracker{
		cityID:  r.city.ID,
		runID:   r.id,
		clock:   l.clock,
		started: started,
		emit:    func(ev models.ProgressEvent) { l.emit(r, ev) },
	}

	logger.Info("pipeline run starting")
	rs, err := l.runPipeline(ctx, r, t, logger)

	if err == nil {
		finished := l.clock.Now()
		rs.FetchedAt = finished
		rs.GenerationTime = finished.Sub(started)
		l.cache.Put(r.city.ID, rs)
		l.setStage(r, StageCached)
		t.step(StageCached, "result cached", percentCached, len(rs.Rows))
		observability.RecordRunCompleted(rs.GenerationTime, finished)
		logger.Info("pipeline run cached",
			"rows", len(rs.Rows),
			"dropped", rs.DroppedRows,
			"degradations", len(rs.Degradations),
			"elapsed", rs.GenerationTime)
		if l.store != nil {
			if serr := l.store.SaveRun(ctx, rs); serr != nil {
				logger.Warn("failed to persist run", "error", serr)
			}
		}
		r.result = rs
	} else {
		l.setStage(r, StageFailed)
		var perr *PipelineError
		if errors.As(err, &perr) {
			observability.RecordRunFailed(perr.Stage.String())
		}
		logger.Error("pipeline run failed", "error", err)
		r.err = err
	}

	l.mu.Lock()
	delete(l.runs, r.city.ID)
	l.mu.Unlock()
	r.cancel()
	close(r.done)
}

// runPipeline executes the stage sequence for one run. Every failure is
// wrapped in a PipelineError naming the stage, and the wall-clock budget is
// checked at each stage boundary.
func (l *Loader) runPipeline(ctx context.Context, r *run, t *tracker, logger *slog.Logger) (*CityResultSet, error) {
	city := r.city
	fail := func(stage Stage, err error) (*CityResultSet, error) {
		return nil, &PipelineError{Stage: stage, CityID: city.ID, Err: err}
	}

	// Fetching covers grid generation and the concurrent source fan-out.
	if err := l.advance(r, StageFetching, t.started); err != nil {
		return fail(StageFetching, err)
	}
	points, err := grid.GenerateForCity(city, l.cfg.MaxGridPoints)
	if err != nil {
		return fail(StageFetching, err)
	}
	t.total = len(points)
	t.step(StageFetching, "generated location grid", percentGrid, 0)

	t.step(StageFetching, "fetching external sources", percentFetchStart, 0)
	bundle, err := l.fetcher.FetchAll(ctx, *city)
	if err != nil {
		return fail(StageFetching, err)
	}
	for _, d := range bundle.Degradations {
		observability.RecordSourceFallback(d.Source)
	}
	t.step(StageFetching, "sources resolved", percentFetchDone, 0)

	if err := l.advance(r, StageMerging, t.started); err != nil {
		return fail(StageMerging, err)
	}
	t.step(StageMerging, "merging features", percentMergeStart, 0)
	rows, stats, err := l.engineer.Build(points, bundle, *city)
	if err != nil {
		return fail(StageMerging, err)
	}
	t.step(StageMerging, "feature table ready", percentMergeDone, len(rows))

	// Training is a blocking unit: once started it runs to completion.
	if err := l.advance(r, StageTraining, t.started); err != nil {
		return fail(StageTraining, err)
	}
	t.step(StageTraining, "training revenue model", percentTrainStart, len(rows))
	model, metrics, err := revenue.Train(rows, l.trainConfig())
	if err != nil {
		return fail(StageTraining, err)
	}
	if metrics.LowVariance {
		logger.Warn("prediction variance below floor, treat model as low-confidence",
			"variance", metrics.Variance)
	}
	t.step(StageTraining, "model trained", percentTrainDone, len(rows))

	if err := l.advance(r, StageScoring, t.started); err != nil {
		return fail(StageScoring, err)
	}
	if err := l.score(model, rows, t); err != nil {
		return fail(StageScoring, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].PredictedRevenue > rows[j].PredictedRevenue
	})

	return &CityResultSet{
		CityID:       city.ID,
		RunID:        r.id,
		Rows:         rows,
		Competitors:  bundle.Competitors.Records,
		Model:        model,
		Metrics:      metrics,
		Provenance:   provenanceSummary(bundle),
		Degradations: bundle.Degradations,
		DroppedRows:  stats.Dropped,
	}, nil
}

// score fills PredictedRevenue on every row, emitting chunked progress.
func (l *Loader) score(model *revenue.Forest, rows []models.FeatureRow, t *tracker) error {
	t.step(StageScoring, "scoring locations", percentScoreStart, 0)
	for start := 0; start < len(rows); start += scoreChunk {
		end := start + scoreChunk
		if end > len(rows) {
			end = len(rows)
		}
		preds, err := model.Predict(rows[start:end])
		if err != nil {
			return err
		}
		for i, p := range preds {
			rows[start+i].PredictedRevenue = p
		}
		frac := float64(end) / float64(len(rows))
		pct := percentScoreStart + (percentScoreDone-percentScoreStart)*frac
		t.step(StageScoring, "scoring locations", pct, end)
	}
	return nil
}

// advance moves the run to the next stage after checking the wall-clock
// budget.
func (l *Loader) advance(r *run, stage Stage, started time.Time) error {
	elapsed := l.clock.Now().Sub(started)
	if l.cfg.PipelineBudget > 0 && elapsed > l.cfg.PipelineBudget {
		return &PipelineTimeoutError{Stage: stage, Elapsed: elapsed, Budget: l.cfg.PipelineBudget}
	}
	l.setStage(r, stage)
	return nil
}

func (l *Loader) setStage(r *run, stage Stage) {
	l.mu.Lock()
	r.stage = stage
	l.mu.Unlock()
}

// emit delivers an event to the observers registered at call time. Delivery
// is synchronous, outside the loader lock.
func (l *Loader) emit(r *run, ev models.ProgressEvent) {
	l.mu.Lock()
	observers := make([]ProgressFunc, len(r.observers))
	copy(observers, r.observers)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// trainConfig maps the runtime tuning onto the trainer defaults.
func (l *Loader) trainConfig() revenue.Config {
	cfg := revenue.DefaultConfig()
	if l.cfg.MinTrainingRows > 0 {
		cfg.MinTrainingRows = l.cfg.MinTrainingRows
	}
	cfg.VarianceFloor = l.cfg.VarianceFloor
	cfg.Seed = l.cfg.Seed
	if l.cfg.ModelTrees > 0 {
		cfg.Trees = l.cfg.ModelTrees
	}
	if l.cfg.ModelFolds > 0 {
		cfg.Folds = l.cfg.ModelFolds
	}
	return cfg
}

func provenanceSummary(b fetch.Bundle) map[string]string {
	return map[string]string{
		"demographics": b.Demographics.Provenance.String(),
		"competitors":  b.Competitors.Provenance.String(),
		"traffic":      b.Traffic.Provenance.String(),
	}
}
