package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mr1hm/disaster-sentinel/internal/alerting"
	"github.com/mr1hm/disaster-sentinel/internal/api"
	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geodata"
	"github.com/mr1hm/disaster-sentinel/internal/groundtruth"
	internalgrpc "github.com/mr1hm/disaster-sentinel/internal/grpc"
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
	logging.Setup(cfg.Logging.Level, "sentinel")
	metrics.Init()

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	db, err := repository.NewSQLiteDB(cfg.DB.Path, cfg.DB.MaxOpenConns)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.NewHub()
	fanout := notify.NewFanout(hub, notify.SinksFromConfig(cfg.Notify)...)
	snapshot := func(ctx context.Context) ([]broadcast.Envelope, error) {
		return notify.Snapshot(ctx, db)
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logging.Fatalf("Failed to initialize object storage: %v", err)
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

	// analyses left mid-flight by a previous process
	if _, err := runner.RecoverInterrupted(ctx); err != nil {
		slog.Error("failed to recover interrupted analyses", "error", err)
	}

	mgr := ingestion.NewManager(cfg, db, fanout)
	if cfg.Pipeline.AutoTrigger {
		mgr.OnNewEvent(runner.Submit)
	}
	watcher := alerting.NewWatcher(db, fanout)
	tracker := recovery.NewTracker(db, fanout)
	classifier := groundtruth.NewClassifier(cfg.Ground.ClassifierURL, cfg.Ground.ClassifierToken, cfg.Sources.HTTPTimeout)
	reports := groundtruth.NewService(db, objects, classifier, cfg.Ground)

	sched := scheduler.New(cfg.Schedule.TaskTimeout)
	sched.Add(mgr.Jobs(cfg.Schedule)...)
	sched.Add(runner.Jobs(cfg.Schedule)...)
	sched.Add(watcher.Jobs(cfg.Schedule)...)
	sched.Add(tracker.Jobs(cfg.Schedule)...)
	sched.Start(ctx)

	var grpcServer *internalgrpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = internalgrpc.NewServer(hub, snapshot)
		go func() {
			grpcAddr := fmt.Sprintf(":%d", cfg.GRPC.Port)
			if err := grpcServer.Start(grpcAddr); err != nil {
				logging.Fatalf("gRPC server error: %v", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))
	router.Use(api.RateLimitMiddleware(cfg.RateLimit.RPS))

	handler := api.NewHandler(api.Deps{
		Store:       db,
		Pipeline:    runner,
		Alerts:      watcher,
		GroundTruth: reports,
		Quota:       guard,
		Hub:         hub,
		Snapshot:    snapshot,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	sched.Stop()
	runner.Stop()
	hub.Close() // ends live streams so GracefulStop can return
	if grpcServer != nil {
		grpcServer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	fanout.Close()

	slog.Info("shutdown complete")
}
