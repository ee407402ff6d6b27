// Package pipeline drives an event through imagery acquisition, building and
// infrastructure assessment and report generation, recording every step as a
// compare-and-set status transition on its Analysis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/geodata"
	"github.com/mr1hm/disaster-sentinel/internal/imagery"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/quota"
	"github.com/mr1hm/disaster-sentinel/internal/report"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
	"github.com/mr1hm/disaster-sentinel/internal/scheduler"
	"github.com/mr1hm/disaster-sentinel/internal/storage"
	"github.com/mr1hm/disaster-sentinel/internal/worker"
)

const (
	QuotaReachedMessage = "imagery quota reached"
	InterruptedMessage  = "interrupted"

	sweepBatch        = 50
	defaultRadiusDeg  = 0.2
	defaultMaxBuild   = 1000
	defaultStageLimit = 2 * time.Minute
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrInFlight      = errors.New("analysis already in flight for event")
	ErrQueueFull     = errors.New("pipeline queue full")
)

type Store interface {
	repository.EventRepository
	repository.AnalysisRepository
	repository.DamageRepository
}

type QuotaGuard interface {
	Allow(ctx context.Context, b quota.Budget) (bool, error)
	Record(ctx context.Context, b quota.Budget, amount int) error
}

type Geodata interface {
	Lookup(ctx context.Context, center geo.Point, radiusDeg float64) *geodata.Features
}

type Reporter interface {
	Generate(ctx context.Context, e *models.Event, a *models.Analysis) *models.Report
}

type Runner struct {
	store   Store
	quota   QuotaGuard
	imagery imagery.Provider
	geodata Geodata
	objects storage.Store
	reports Reporter
	cfg     config.PipelineConfig
	pool    *worker.WorkerPool
	now     func() time.Time
}

func NewRunner(store Store, guard QuotaGuard, img imagery.Provider, gd Geodata, objects storage.Store, reports Reporter, cfg config.PipelineConfig, workers config.WorkerConfig) *Runner {
	if cfg.BBoxRadiusDeg <= 0 {
		cfg.BBoxRadiusDeg = defaultRadiusDeg
	}
	if cfg.MaxBuildings <= 0 {
		cfg.MaxBuildings = defaultMaxBuild
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageLimit
	}
	r := &Runner{
		store:   store,
		quota:   guard,
		imagery: img,
		geodata: gd,
		objects: objects,
		reports: reports,
		cfg:     cfg,
		now:     time.Now,
	}
	r.pool = worker.NewWorkerPool(workers.Count, workers.BufferSize, func(ctx context.Context, eventID string) error {
		_, err := r.Run(ctx, eventID)
		return err
	})
	return r
}

func (r *Runner) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Stop waits for queued and running analyses to finish.
func (r *Runner) Stop() {
	r.pool.Stop()
}

// Submit queues a background run. It returns false when the event already has a
// queued or running analysis or the queue is full.
func (r *Runner) Submit(eventID string) bool {
	return r.pool.Submit(eventID)
}

// HasInFlight reports whether the event has an analysis queued, running, or
// persisted in a non-terminal status.
func (r *Runner) HasInFlight(ctx context.Context, eventID string) (bool, error) {
	if r.pool.InFlight(eventID) {
		return true, nil
	}
	return r.store.HasInFlightAnalysis(ctx, eventID)
}

// Trigger is the manual entry point used by the API.
func (r *Runner) Trigger(ctx context.Context, eventID string) error {
	if _, err := r.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		return err
	}
	busy, err := r.HasInFlight(ctx, eventID)
	if err != nil {
		return err
	}
	if busy {
		return ErrInFlight
	}
	if !r.Submit(eventID) {
		if r.pool.InFlight(eventID) {
			return ErrInFlight
		}
		return ErrQueueFull
	}
	return nil
}

// Sweep submits active events that have never been through the pipeline.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	events, err := r.store.ListUntriggered(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list untriggered events: %w", err)
	}

	submitted := 0
	for _, e := range events {
		busy, err := r.HasInFlight(ctx, e.ID)
		if err != nil {
			slog.Warn("in-flight check failed", "event_id", e.ID, "error", err)
			continue
		}
		if busy {
			continue
		}
		if r.Submit(e.ID) {
			submitted++
		}
	}
	if submitted > 0 {
		slog.Info("pipeline sweep submitted events", "count", submitted)
	}
	return submitted, nil
}

// RecoverInterrupted fails analyses left in a non-terminal status by a previous process.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int64, error) {
	after := r.cfg.InterruptedAfter
	if after <= 0 {
		after = 30 * time.Minute
	}
	n, err := r.store.FailStaleAnalyses(ctx, r.now().Add(-after), InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted analyses: %w", err)
	}
	if n > 0 {
		slog.Warn("marked interrupted analyses as failed", "count", n)
		metrics.PipelineRuns.WithLabelValues(string(models.StatusError)).Add(float64(n))
	}
	return n, nil
}

func (r *Runner) Jobs(sched config.ScheduleConfig) []scheduler.Job {
	return []scheduler.Job{{
		Name:        "pipeline_sweep",
		Interval:    sched.PipelineSweepInterval,
		SkipInitial: true,
		Run: func(ctx context.Context) error {
			_, err := r.Sweep(ctx)
			return err
		},
	}}
}

// Run executes the whole pipeline for one event synchronously and returns the
// analysis id. A returned error means the analysis ended in the error status
// or could not be created.
func (r *Runner) Run(ctx context.Context, eventID string) (string, error) {
	event, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrEventNotFound
		}
		return "", fmt.Errorf("load event: %w", err)
	}

	now := r.now().UTC()
	id := uuid.NewString()
	a := &models.Analysis{
		ID:        id,
		JobID:     uuid.NewString()[:8],
		EventID:   eventID,
		Status:    models.StatusFetchingImagery,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateAnalysis(ctx, a); err != nil {
		return "", err
	}
	if err := r.store.MarkPipelineTriggered(ctx, eventID); err != nil {
		slog.Warn("failed to mark event triggered", "event_id", eventID, "error", err)
	}
	slog.Info("pipeline started", "event_id", eventID, "analysis_id", id, "job_id", a.JobID)

	run := &run{Runner: r, event: event, analysis: a}
	if err := run.execute(ctx); err != nil {
		run.fail(err)
		return id, err
	}
	metrics.PipelineRuns.WithLabelValues(string(run.analysis.Status)).Inc()
	return id, nil
}

// run carries the state of one analysis through its stages.
type run struct {
	*Runner
	event    *models.Event
	analysis *models.Analysis
}

func (p *run) execute(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pipeline panic: %v", rec)
		}
	}()

	ok, err := p.quota.Allow(ctx, quota.BudgetImagery)
	if err != nil {
		return fmt.Errorf("check imagery quota: %w", err)
	}
	if !ok {
		slog.Warn("imagery quota reached, skipping event", "event_id", p.event.ID)
		return p.transition(ctx, models.StatusImageryUnavailable, repository.AnalysisUpdate{ErrorMessage: QuotaReachedMessage})
	}

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"imagery", p.acquireImagery},
		{"assessment", p.assessBuildings},
		{"report", p.generateReport},
	}
	for _, s := range stages {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		err := s.fn(sctx)
		cancel()
		metrics.PipelineStageDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s stage: %w", s.name, err)
		}
	}
	slog.Info("pipeline complete", "event_id", p.event.ID, "analysis_id", p.analysis.ID, "slug", p.analysis.PublicSlug)
	return nil
}

func (p *run) transition(ctx context.Context, to models.AnalysisStatus, u repository.AnalysisUpdate) error {
	if err := p.store.TransitionAnalysis(ctx, p.analysis.ID, p.analysis.Status, to, u); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", p.analysis.Status, to, err)
	}
	p.analysis.Status = to
	return nil
}

// fail moves the analysis to error from whatever stage it reached.
func (p *run) fail(cause error) {
	slog.Error("pipeline failed", "event_id", p.event.ID, "analysis_id", p.analysis.ID, "status", p.analysis.Status, "error", cause)
	metrics.PipelineRuns.WithLabelValues(string(models.StatusError)).Inc()

	if p.analysis.Status.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.transition(ctx, models.StatusError, repository.AnalysisUpdate{ErrorMessage: cause.Error()}); err != nil {
		slog.Error("failed to record pipeline error", "analysis_id", p.analysis.ID, "error", err)
	}
}

func (p *run) acquireImagery(ctx context.Context) error {
	res, err := p.imagery.Acquire(ctx, p.event)
	if err != nil {
		return err
	}
	if res.UnitsUsed > 0 {
		if err := p.quota.Record(ctx, quota.BudgetImagery, res.UnitsUsed); err != nil {
			slog.Error("failed to record imagery usage", "units", res.UnitsUsed, "error", err)
		}
	}

	format := res.Format
	if format == "" {
		format = "png"
	}
	contentType := "image/" + format
	if format == "jpg" {
		contentType = "image/jpeg"
	}
	prefix := fmt.Sprintf("thumbnails/%s/", p.analysis.ID)
	preURL := storage.PutOrPlaceholder(ctx, p.objects, prefix+"pre."+format, res.PreImage, contentType)
	postURL := storage.PutOrPlaceholder(ctx, p.objects, prefix+"post."+format, res.PostImage, contentType)

	baseline := baselineSnapshot(res.Stats, p.now())
	if err := p.transition(ctx, models.StatusAssessingBuildings, repository.AnalysisUpdate{
		DamageGeometry:   res.Geometry,
		Stats:            res.Stats,
		PreThumbnailURL:  preURL,
		PostThumbnailURL: postURL,
		RecoveryHistory:  []models.RecoverySnapshot{baseline},
	}); err != nil {
		return err
	}
	p.analysis.DamageGeometry = res.Geometry
	p.analysis.Stats = res.Stats
	p.analysis.PreThumbnailURL = preURL
	p.analysis.PostThumbnailURL = postURL
	p.analysis.RecoveryHistory = []models.RecoverySnapshot{baseline}
	return nil
}

func baselineSnapshot(stats *models.DamageStats, now time.Time) models.RecoverySnapshot {
	s := models.RecoverySnapshot{Date: now.UTC().Format("2006-01-02")}
	if stats != nil {
		s.TotalAffectedKM2 = stats.AreaKM2
		s.HighSeverityKM2 = roundTo(stats.AreaKM2*stats.HighSeverityPct/100, 2)
		s.FloodExtentKM2 = stats.FloodExtentKM2
	}
	return s
}

func (p *run) assessBuildings(ctx context.Context) error {
	center := geo.Point{X: p.event.Longitude, Y: p.event.Latitude}
	features := p.geodata.Lookup(ctx, center, p.cfg.BBoxRadiusDeg)
	polygons := geo.PreparePolygons(p.analysis.DamageGeometry)

	a := Assess(p.analysis.ID, p.event.ID, features, polygons, p.cfg.MaxBuildings)
	if err := p.store.InsertAssessment(ctx, a.Buildings, a.Infrastructure); err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}

	stats := models.DamageStats{}
	if p.analysis.Stats != nil {
		stats = *p.analysis.Stats
	}
	stats.BuildingsAssessed = len(a.Buildings)
	stats.DestroyedCount = a.ClassCounts[3]
	stats.MajorDamageCount = a.ClassCounts[2]
	stats.MinorDamageCount = a.ClassCounts[1]

	population := estimatePopulation(p.event, &stats, p.now())

	if err := p.transition(ctx, models.StatusGeneratingReport, repository.AnalysisUpdate{
		Stats:          &stats,
		Infrastructure: &a.Summary,
		Population:     population,
	}); err != nil {
		return err
	}
	p.analysis.Stats = &stats
	p.analysis.Infrastructure = &a.Summary
	p.analysis.Population = population

	slog.Info("building assessment complete",
		"analysis_id", p.analysis.ID,
		"buildings", len(a.Buildings),
		"facilities", len(a.Infrastructure),
		"synthetic_geodata", features.Synthetic,
	)
	return nil
}

func (p *run) generateReport(ctx context.Context) error {
	r := p.reports.Generate(ctx, p.event, p.analysis)
	slug := report.NewSlug()
	if err := p.transition(ctx, models.StatusComplete, repository.AnalysisUpdate{
		Report:     r,
		PublicSlug: slug,
	}); err != nil {
		return err
	}
	p.analysis.Report = r
	p.analysis.PublicSlug = slug
	return nil
}
