// Package queuetest holds the behaviour suite every queue backend must pass.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty queue using cfg.
type Factory func(t *testing.T, cfg queue.Config) queue.Queue

func Payload(score int) model.JobPayload {
	return model.JobPayload{
		UserID:  "u1",
		Channel: model.ChannelWebhook,
		Message: "alert",
		Score:   score,
		Target:  "https://example.com/hook",
		Metadata: model.Metadata{
			"source": model.String("billing"),
			"amount": model.Number("12.50"),
			"tags":   model.List(model.String("a"), model.Int(2)),
		},
	}
}

// Run executes the suite against a backend.
func Run(t *testing.T, newQueue Factory) {
	setup := func(t *testing.T, cfg queue.Config) (queue.Queue, *Clock) {
		clock := NewClock()
		cfg.Now = clock.Now
		q := newQueue(t, cfg)
		t.Cleanup(func() { _ = q.Close() })
		return q, clock
	}
	ctx := context.Background()

	t.Run("AddGetStatus", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(85))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, model.PriorityCritical, job.Priority)
		assert.Equal(t, 85, job.Score)
		assert.True(t, Payload(85).Metadata.Equal(job.Metadata))

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateWaiting, st.State)
		assert.Equal(t, 0, st.Claims)
		assert.Nil(t, st.Result)
	})

	t.Run("RejectsInvalidPayload", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		_, err := q.Add(ctx, model.JobPayload{UserID: "u1", Channel: model.ChannelEmail, Message: "x"})
		assert.Error(t, err)
	})

	t.Run("UnknownJob", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		_, err := q.Get(ctx, "missing")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		_, err = q.Status(ctx, "missing")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		assert.ErrorIs(t, q.Complete(ctx, "missing", "w", model.JobResult{}), queue.ErrJobNotFound)
	})

	t.Run("DelayedUntilEligible", func(t *testing.T) {
		q, clock := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(40))
		require.NoError(t, err)

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateDelayed, st.State)

		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, lease)

		clock.Advance(5 * time.Second)
		lease, err = q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, id, lease.Job.ID)
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		q, clock := setup(t, queue.Config{})
		var ids []string
		for _, score := range []int{10, 40, 70, 90, 95} {
			id, err := q.Add(ctx, Payload(score))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		clock.Advance(31 * time.Second)

		want := []string{ids[3], ids[4], ids[2], ids[1], ids[0]}
		for i, expected := range want {
			lease, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, lease, "claim %d", i)
			assert.Equal(t, expected, lease.Job.ID, "claim %d", i)
		}
		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, lease)
	})

	t.Run("SingleOwner", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)

		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, 1, lease.Claims)

		other, err := q.Claim(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, other)

		assert.ErrorIs(t, q.Complete(ctx, id, "w2", model.JobResult{Success: true}), queue.ErrLeaseLost)
		assert.ErrorIs(t, q.Extend(ctx, id, "w2", time.Minute), queue.ErrLeaseLost)

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateActive, st.State)
	})

	t.Run("Complete", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)

		require.NoError(t, q.SetProgress(ctx, id, "w1", 40))
		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 40, st.Progress)

		ms := int64(120)
		require.NoError(t, q.Complete(ctx, id, "w1", model.JobResult{Success: true, DeliveryTimeMs: &ms, Attempts: 1}))

		st, err = q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateCompleted, st.State)
		assert.Equal(t, 100, st.Progress)
		assert.Equal(t, 1, st.Attempts)
		require.NotNil(t, st.Result)
		assert.True(t, st.Result.Success)
		require.NotNil(t, st.Result.DeliveryTimeMs)
		assert.Equal(t, ms, *st.Result.DeliveryTimeMs)
		assert.NotNil(t, st.FinishedAt)

		assert.ErrorIs(t, q.Complete(ctx, id, "w1", model.JobResult{Success: true}), queue.ErrLeaseLost)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Completed: 1}, stats)
	})

	t.Run("Fail", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		_, err = q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, id, "w1", model.JobResult{Error: "webhook timeout", Attempts: 3}))

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateFailed, st.State)
		assert.Equal(t, 3, st.Attempts)
		assert.Equal(t, "webhook timeout", st.FailedReason)
		require.NotNil(t, st.Result)
		assert.False(t, st.Result.Success)

		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, lease, "failed jobs are not requeued")
	})

	t.Run("StalledJobIsRedelivered", func(t *testing.T) {
		q, clock := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		_, err = q.Claim(ctx, "crashed", 10*time.Second)
		require.NoError(t, err)

		clock.Advance(11 * time.Second)
		res, err := q.RecoverStalled(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.RecoverResult{Requeued: 1}, res)

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateWaiting, st.State)

		lease, err := q.Claim(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, id, lease.Job.ID)
		assert.Equal(t, 2, lease.Claims)

		assert.ErrorIs(t, q.Complete(ctx, id, "crashed", model.JobResult{Success: true}), queue.ErrLeaseLost)
		assert.NoError(t, q.Complete(ctx, id, "w2", model.JobResult{Success: true, Attempts: 1}))
	})

	t.Run("StallCeiling", func(t *testing.T) {
		q, clock := setup(t, queue.Config{MaxClaims: 2})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			lease, err := q.Claim(ctx, "w", time.Second)
			require.NoError(t, err)
			require.NotNil(t, lease)
			clock.Advance(2 * time.Second)
			_, err = q.RecoverStalled(ctx)
			require.NoError(t, err)
		}

		st, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateFailed, st.State)
		assert.Equal(t, queue.StalledReason, st.FailedReason)
		assert.Equal(t, 2, st.Claims)
	})

	t.Run("ExtendKeepsLease", func(t *testing.T) {
		q, clock := setup(t, queue.Config{})
		id, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		_, err = q.Claim(ctx, "w1", 10*time.Second)
		require.NoError(t, err)

		clock.Advance(8 * time.Second)
		require.NoError(t, q.Extend(ctx, id, "w1", 10*time.Second))
		clock.Advance(8 * time.Second)

		res, err := q.RecoverStalled(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.RecoverResult{}, res)
	})

	t.Run("ReleaseKeepsPosition", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		first, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		lease, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, first, lease.Job.ID)

		second, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		require.NoError(t, q.Release(ctx, first, "w1"))

		st, err := q.Status(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateWaiting, st.State)
		assert.Equal(t, 0, st.Claims)

		lease, err = q.Claim(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first, lease.Job.ID)
		lease, err = q.Claim(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, second, lease.Job.ID)
	})

	t.Run("Retention", func(t *testing.T) {
		q, clock := setup(t, queue.Config{KeepCompleted: 2, KeepFailed: 1})
		var done []string
		for i := 0; i < 3; i++ {
			id, err := q.Add(ctx, Payload(90))
			require.NoError(t, err)
			_, err = q.Claim(ctx, "w", time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, id, "w", model.JobResult{Success: true, Attempts: 1}))
			done = append(done, id)
			clock.Advance(time.Second)
		}

		_, err := q.Status(ctx, done[0])
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		for _, id := range done[1:] {
			_, err := q.Status(ctx, id)
			assert.NoError(t, err)
		}

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Completed)
	})

	t.Run("Clean", func(t *testing.T) {
		q, clock := setup(t, queue.Config{})
		old, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		_, err = q.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, old, "w", model.JobResult{Error: "bad_request", Attempts: 1}))

		clock.Advance(8 * 24 * time.Hour)
		fresh, err := q.Add(ctx, Payload(90))
		require.NoError(t, err)
		_, err = q.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, fresh, "w", model.JobResult{Success: true, Attempts: 1}))

		removed, err := q.Clean(ctx, queue.DefaultRetention)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = q.Get(ctx, old)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		_, err = q.Get(ctx, fresh)
		assert.NoError(t, err)
	})

	t.Run("Stats", func(t *testing.T) {
		q, _ := setup(t, queue.Config{})
		for _, score := range []int{90, 70, 40, 10} {
			_, err := q.Add(ctx, Payload(score))
			require.NoError(t, err)
		}
		_, err := q.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Waiting: 1, Active: 1, Delayed: 2}, stats)
		assert.NoError(t, q.Ping(ctx))
	})
}
