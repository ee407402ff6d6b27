// Command sentinel-tick runs every scheduled job once and exits. It is meant
// for cron deployments that do not keep the API server running.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mr1hm/disaster-sentinel/internal/alerting"
	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geodata"
	"github.com/mr1hm/disaster-sentinel/internal/imagery"
	"github.com/mr1hm/disaster-sentinel/internal/ingestion"
	"github.com/mr1hm/disaster-sentinel/internal/logging"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/notify"
	"github.com/mr1hm/disaster-sentinel/internal/pipeline"
	"github.com/mr1hm/disaster-sentinel/internal/quota"
	"github.com/mr1hm/disaster-sentinel/internal/recovery"
	"github.com/mr1hm/disaster-sentinel/internal/report"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
	"github.com/mr1hm/disaster-sentinel/internal/scheduler"
	"github.com/mr1hm/disaster-sentinel/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, "sentinel-tick")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, os.Args[1:])
	stop()
	if err != nil {
		logging.Fatalf("tick finished with failed jobs: %v", err)
	}
	slog.Info("tick complete")
}

// run executes the selected jobs once, phase by phase. An empty only list
// selects every job.
func run(ctx context.Context, cfg *config.Config, only []string) error {
	db, err := repository.NewSQLiteDB(cfg.DB.Path, cfg.DB.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	fanout := notify.NewFanout(broadcast.NewHub(), notify.SinksFromConfig(cfg.Notify)...)
	defer fanout.Close()

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initialize object storage: %w", err)
	}

	guard := quota.NewGuard(db, cfg.Quota)
	runner := pipeline.NewRunner(
		db,
		guard,
		imagery.NewProvider(cfg.Imagery),
		geodata.NewProvider(geodata.NewCache(cfg.Geodata, db), geodata.NewOverpassClient(cfg.Geodata.OverpassURL, cfg.Geodata.Timeout), cfg.Geodata.CacheTTL),
		objects,
		report.NewGenerator(cfg.Report, guard),
		cfg.Pipeline,
		cfg.Worker,
	)
	runner.Start(ctx)
	if _, err := runner.RecoverInterrupted(ctx); err != nil {
		slog.Error("failed to recover interrupted analyses", "error", err)
	}

	mgr := ingestion.NewManager(cfg, db, fanout)
	sched := scheduler.New(cfg.Schedule.TaskTimeout)

	selected := func(jobs []scheduler.Job) []scheduler.Job {
		if len(only) == 0 {
			return jobs
		}
		return slices.DeleteFunc(jobs, func(j scheduler.Job) bool { return !slices.Contains(only, j.Name) })
	}

	// each phase sees what the previous one wrote
	var errs []error
	if err := sched.RunAll(ctx, selected(mgr.Jobs(cfg.Schedule))...); err != nil {
		errs = append(errs, err)
	}
	if err := sched.RunAll(ctx, selected(runner.Jobs(cfg.Schedule))...); err != nil {
		errs = append(errs, err)
	}
	// drain the analyses the sweep queued so alerts and recovery see their results
	runner.Stop()

	late := append(alerting.NewWatcher(db, fanout).Jobs(cfg.Schedule), recovery.NewTracker(db, fanout).Jobs(cfg.Schedule)...)
	if err := sched.RunAll(ctx, selected(late)...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
