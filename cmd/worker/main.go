package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-scheduler/internal/bootstrap"
	"github.com/jwalitptl/notify-scheduler/internal/config"
	"github.com/jwalitptl/notify-scheduler/internal/handler/health"
	"github.com/jwalitptl/notify-scheduler/internal/handler/prometheus"
	"github.com/jwalitptl/notify-scheduler/internal/middleware"
	"github.com/jwalitptl/notify-scheduler/internal/worker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

// setupHealthCheck serves liveness, readiness and metrics for the worker.
func setupHealthCheck(cfg *config.Config, res *bootstrap.Resources, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(log))

	health.NewHandler(res.HealthChecks()).RegisterRoutes(engine)
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, prometheus.New(cfg.Metrics.Namespace, res.Registry, res.Registry).Handler())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "Failed to load config")
	}
	if cfg.Queue.Backend == config.BackendMemory {
		logger.NewLogger(nil).Fatal(errors.New("memory queue is process local"), "Standalone worker needs the redis or postgres queue backend")
	}

	log := logger.NewLogger(cfg.ToLoggerConfig()).With("service", "notify-worker")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	res, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "Failed to initialize resources")
	}
	defer res.Close()

	healthSrv := setupHealthCheck(cfg, res, log)

	dispatcher := worker.NewDispatcher(res.Queue, res.NewSenders(), res.Publisher, cfg.ToWorkerConfig(), log, res.Metrics)
	cleanup := worker.NewCleanupWorker(res.Queue, cfg.Queue.Retention, cfg.Worker.CleanupInterval, log)

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()
	go cleanup.Start(ctx)

	log.Info("Worker started",
		"worker_id", dispatcher.ID(),
		"concurrency", cfg.Worker.Concurrency,
		"queue_backend", cfg.Queue.Backend)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-done:
		// Run only returns early on a startup error.
		log.Fatal(err, "Dispatcher stopped unexpectedly")
	}
	log.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Dispatcher shutdown incomplete, unfinished jobs were released")
	}
	<-done

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health check server forced to shutdown")
	}

	log.Info("Worker exited properly")
}
