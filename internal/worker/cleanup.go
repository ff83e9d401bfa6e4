package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

// CleanupWorker periodically removes terminal jobs past their retention.
type CleanupWorker struct {
	queue           queue.Queue
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *logger.Logger
}

func NewCleanupWorker(q queue.Queue, retention, cleanupInterval time.Duration, logger *logger.Logger) *CleanupWorker {
	if retention <= 0 {
		retention = queue.DefaultRetention
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	return &CleanupWorker{
		queue:           q,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		logger:          logger,
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				w.logger.Error(err, "Failed to clean up finished jobs")
			}
		}
	}
}

func (w *CleanupWorker) Cleanup(ctx context.Context) (int, error) {
	removed, err := w.queue.Clean(ctx, w.retention)
	if err != nil {
		return 0, fmt.Errorf("failed to clean finished jobs: %w", err)
	}
	if removed > 0 {
		w.logger.Info("Cleaned up finished jobs", "removed", removed, "retention", w.retention.String())
	}
	return removed, nil
}
