package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

func TestInstrumentedQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, cfg queue.Config) queue.Queue {
		return queue.NewInstrumented(queue.NewMemoryQueue(cfg), metrics.NewNop())
	})
}

func TestInstrumentedRecordsDepth(t *testing.T) {
	m := metrics.NewNop()
	q := queue.NewInstrumented(queue.NewMemoryQueue(queue.Config{}), m)
	ctx := context.Background()

	_, err := q.Add(ctx, queuetest.Payload(90))
	require.NoError(t, err)
	_, err = q.Add(ctx, queuetest.Payload(10))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)

	_, err = q.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("delayed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("add", "success")))

	_, err = q.Status(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("status", "success")))
}
