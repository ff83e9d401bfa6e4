package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
	"github.com/jwalitptl/notify-scheduler/internal/worker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

func TestCleanupRemovesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock()
	q := queue.NewMemoryQueue(queue.Config{Now: clock.Now})

	id, err := q.Add(ctx, queuetest.Payload(90))
	require.NoError(t, err)
	lease, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, q.Complete(ctx, id, "w1", model.JobResult{Success: true, Attempts: 1}))

	w := worker.NewCleanupWorker(q, 24*time.Hour, time.Hour, logger.Nop())

	removed, err := w.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clock.Advance(25 * time.Hour)
	removed, err = w.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Status(ctx, id)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
