package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

// Instrumented records latency and outcome of every store operation and
// publishes queue depth whenever stats are read.
type Instrumented struct {
	next    Queue
	metrics *metrics.Metrics
}

func NewInstrumented(next Queue, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (q *Instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	q.metrics.StoreOperations.WithLabelValues(op, status).Inc()
	q.metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (q *Instrumented) Add(ctx context.Context, payload model.JobPayload) (string, error) {
	start := time.Now()
	id, err := q.next.Add(ctx, payload)
	q.observe("add", start, err)
	return id, err
}

func (q *Instrumented) Get(ctx context.Context, id string) (*model.NotificationJob, error) {
	start := time.Now()
	job, err := q.next.Get(ctx, id)
	q.observe("get", start, ignoreNotFound(err))
	return job, err
}

func (q *Instrumented) Status(ctx context.Context, id string) (*model.JobStatus, error) {
	start := time.Now()
	st, err := q.next.Status(ctx, id)
	q.observe("status", start, ignoreNotFound(err))
	return st, err
}

func (q *Instrumented) Stats(ctx context.Context) (model.QueueStats, error) {
	start := time.Now()
	stats, err := q.next.Stats(ctx)
	q.observe("stats", start, err)
	if err == nil {
		q.metrics.QueueDepth.WithLabelValues(string(model.JobStateWaiting)).Set(float64(stats.Waiting))
		q.metrics.QueueDepth.WithLabelValues(string(model.JobStateDelayed)).Set(float64(stats.Delayed))
		q.metrics.QueueDepth.WithLabelValues(string(model.JobStateActive)).Set(float64(stats.Active))
		q.metrics.QueueDepth.WithLabelValues(string(model.JobStateCompleted)).Set(float64(stats.Completed))
		q.metrics.QueueDepth.WithLabelValues(string(model.JobStateFailed)).Set(float64(stats.Failed))
	}
	return stats, err
}

func (q *Instrumented) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	start := time.Now()
	n, err := q.next.Clean(ctx, olderThan)
	q.observe("clean", start, err)
	return n, err
}

func (q *Instrumented) Claim(ctx context.Context, owner string, lease time.Duration) (*Lease, error) {
	start := time.Now()
	l, err := q.next.Claim(ctx, owner, lease)
	q.observe("claim", start, err)
	return l, err
}

func (q *Instrumented) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	start := time.Now()
	err := q.next.Extend(ctx, id, owner, lease)
	q.observe("extend", start, err)
	return err
}

func (q *Instrumented) SetProgress(ctx context.Context, id, owner string, progress int) error {
	start := time.Now()
	err := q.next.SetProgress(ctx, id, owner, progress)
	q.observe("progress", start, err)
	return err
}

func (q *Instrumented) Complete(ctx context.Context, id, owner string, result model.JobResult) error {
	start := time.Now()
	err := q.next.Complete(ctx, id, owner, result)
	q.observe("complete", start, err)
	return err
}

func (q *Instrumented) Fail(ctx context.Context, id, owner string, result model.JobResult) error {
	start := time.Now()
	err := q.next.Fail(ctx, id, owner, result)
	q.observe("fail", start, err)
	return err
}

func (q *Instrumented) Release(ctx context.Context, id, owner string) error {
	start := time.Now()
	err := q.next.Release(ctx, id, owner)
	q.observe("release", start, err)
	return err
}

func (q *Instrumented) RecoverStalled(ctx context.Context) (RecoverResult, error) {
	start := time.Now()
	res, err := q.next.RecoverStalled(ctx)
	q.observe("recover", start, err)
	if err == nil {
		q.metrics.JobsRecovered.Add(float64(res.Requeued))
	}
	return res, err
}

func (q *Instrumented) Ping(ctx context.Context) error {
	return q.next.Ping(ctx)
}

func (q *Instrumented) Close() error {
	return q.next.Close()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}
