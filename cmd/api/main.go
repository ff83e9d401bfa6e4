package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwalitptl/notify-scheduler/internal/bootstrap"
	"github.com/jwalitptl/notify-scheduler/internal/config"
	"github.com/jwalitptl/notify-scheduler/internal/handler/admin"
	"github.com/jwalitptl/notify-scheduler/internal/handler/health"
	notificationHandler "github.com/jwalitptl/notify-scheduler/internal/handler/notification"
	"github.com/jwalitptl/notify-scheduler/internal/handler/prometheus"
	"github.com/jwalitptl/notify-scheduler/internal/handler/stats"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/router"
	notificationService "github.com/jwalitptl/notify-scheduler/internal/service/notification"
	"github.com/jwalitptl/notify-scheduler/internal/worker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "Failed to load configuration")
	}

	log := logger.NewLogger(cfg.ToLoggerConfig()).With("service", "notify-api")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	res, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "Failed to initialize resources")
	}
	defer res.Close()

	if mem, ok := res.Limiter.(*ratelimit.MemoryLimiter); ok {
		go mem.RunCleanup(ctx)
	}

	// Initialize services and handlers
	svc := notificationService.NewService(res.Queue, res.NewScorer(), log, res.Metrics)

	var metricsHandler *prometheus.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = prometheus.New(cfg.Metrics.Namespace, res.Registry, res.Registry)
	}

	r, err := router.NewRouter(
		notificationHandler.NewHandler(svc),
		stats.NewHandler(svc, res.Limiter),
		admin.NewHandler(res.Limiter, log),
		health.NewHandler(res.HealthChecks()),
		metricsHandler,
		res.Limiter,
		log,
		router.RouterConfig{
			GlobalRate:    cfg.Server.GlobalRate,
			GlobalBurst:   cfg.Server.GlobalBurst,
			UserRateLimit: cfg.RateLimit.Enabled,
			MetricsPath:   cfg.Metrics.Path,
		},
	)
	if err != nil {
		log.Fatal(err, "Failed to create router")
	}
	r.Setup()

	// Start the dispatcher in-process when configured
	var dispatcher *worker.Dispatcher
	dispatchDone := make(chan error, 1)
	if cfg.Worker.Embedded {
		dispatcher = worker.NewDispatcher(res.Queue, res.NewSenders(), res.Publisher, cfg.ToWorkerConfig(), log, res.Metrics)
		go func() { dispatchDone <- dispatcher.Run(ctx) }()
		go worker.NewCleanupWorker(res.Queue, cfg.Queue.Retention, cfg.Worker.CleanupInterval, log).Start(ctx)
		log.Info("Embedded dispatcher started", "worker_id", dispatcher.ID())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("Starting server", "port", cfg.Server.Port, "queue_backend", cfg.Queue.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	if dispatcher != nil {
		workerCtx, cancelWorker := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancelWorker()
		if err := dispatcher.Shutdown(workerCtx); err != nil {
			log.Error(err, "Dispatcher shutdown incomplete, unfinished jobs were released")
		}
		if err := <-dispatchDone; err != nil {
			log.Error(err, "Dispatcher stopped with error")
		}
	}

	log.Info("Server exited properly")
}
