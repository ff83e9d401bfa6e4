package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-scheduler/internal/delivery"
	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
	"github.com/jwalitptl/notify-scheduler/pkg/retry"
)

const (
	DefaultConcurrency     = 5
	DefaultPollInterval    = time.Second
	DefaultLeaseDuration   = 30 * time.Second
	DefaultStalledInterval = 30 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second

	// progress reported once the sender is resolved and delivery begins
	progressDelivering = 10
	releaseTimeout     = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("dispatcher already running")

type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	StalledInterval time.Duration
	// DeliveryTimeout bounds each individual Send call, not the whole retry
	// sequence.
	DeliveryTimeout time.Duration
	Retry           retry.Options
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = DefaultStalledInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return c
}

type Status struct {
	IsRunning      bool `json:"isRunning"`
	Concurrency    int  `json:"concurrency"`
	ActiveJobCount int  `json:"activeJobCount"`
}

// Dispatcher claims jobs from the queue and delivers them through the
// channel's sender, at most Concurrency at a time.
type Dispatcher struct {
	id        string
	queue     queue.Queue
	senders   delivery.Registry
	publisher messaging.Publisher
	config    Config
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	abort    context.CancelFunc
	active   map[string]struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(
	q queue.Queue,
	senders delivery.Registry,
	publisher messaging.Publisher,
	config Config,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Dispatcher {
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	id := "worker-" + uuid.NewString()
	return &Dispatcher{
		id:        id,
		queue:     q,
		senders:   senders,
		publisher: publisher,
		config:    config.withDefaults(),
		logger:    logger.With("worker_id", id),
		metrics:   metrics,
		active:    make(map[string]struct{}),
	}
}

func (d *Dispatcher) ID() string { return d.id }

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		IsRunning:      d.running,
		Concurrency:    d.config.Concurrency,
		ActiveJobCount: len(d.active),
	}
}

// Run claims and processes jobs until ctx is cancelled or Shutdown is called.
// Cancelling ctx abandons in-flight jobs and releases them; Shutdown lets
// them finish first.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobCtx, abort := context.WithCancel(ctx)
	defer abort()

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stop = make(chan struct{})
	d.stopOnce = sync.Once{}
	d.done = make(chan struct{})
	d.abort = abort
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher",
		"concurrency", d.config.Concurrency,
		"lease", d.config.LeaseDuration.String())

	var maintenance sync.WaitGroup
	maintenance.Add(1)
	go func() {
		defer maintenance.Done()
		d.recoverLoop(ctx, stop)
	}()

	d.intake(ctx, jobCtx, stop)

	d.wg.Wait()
	maintenance.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	close(done)

	d.logger.Info("Dispatcher stopped")
	return nil
}

// Shutdown stops intake and waits for in-flight jobs. When ctx expires first
// the remaining jobs are cancelled and released back to the queue.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.stopOnce.Do(func() { close(d.stop) })
	done, abort := d.done, d.abort
	d.mu.Unlock()

	d.logger.Info("Shutting down dispatcher", "active_jobs", d.Status().ActiveJobCount)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("Shutdown deadline reached, releasing in-flight jobs")
		abort()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) intake(ctx, jobCtx context.Context, stop <-chan struct{}) {
	slots := make(chan struct{}, d.config.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case slots <- struct{}{}:
		}

		owner := d.id + ":" + uuid.NewString()
		lease, err := d.queue.Claim(ctx, owner, d.config.LeaseDuration)
		if err != nil || lease == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				d.logger.Error(err, "Failed to claim job")
			}
			if !sleep(ctx, stop, d.config.PollInterval) {
				return
			}
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-slots }()
			d.process(jobCtx, lease)
		}()
	}
}

func (d *Dispatcher) recoverLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(d.config.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			res, err := d.queue.RecoverStalled(ctx)
			if err != nil {
				d.logger.Error(err, "Failed to recover stalled jobs")
				continue
			}
			if res.Requeued > 0 || res.Failed > 0 {
				d.logger.Warn("Recovered stalled jobs", "requeued", res.Requeued, "failed", res.Failed)
			}
			if _, err := d.queue.Stats(ctx); err != nil {
				d.logger.Error(err, "Failed to refresh queue stats")
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	owner := lease.Owner
	log := d.logger.With("job_id", job.ID)

	d.track(job.ID, true)
	defer d.track(job.ID, false)

	jobCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		d.heartbeat(jobCtx, cancel, job.ID, owner, &lost, log)
	}()
	stopHeartbeat := func() {
		cancel()
		<-heartbeat
	}

	// Outcomes are recorded even when shutdown races them.
	finishCtx := context.WithoutCancel(ctx)

	sender, ok := d.senders.Sender(job.Channel)
	policy, known := retry.ForChannel(job.Channel)
	if !ok || !known {
		stopHeartbeat()
		d.fail(finishCtx, job, owner, model.JobResult{
			Error:    fmt.Sprintf("unsupported channel: %s", job.Channel),
			Attempts: 0,
		}, log)
		return
	}

	if err := d.queue.SetProgress(jobCtx, job.ID, owner, progressDelivering); err != nil && jobCtx.Err() == nil {
		log.Warn("Failed to report progress", "error", err.Error())
	}

	opts := policy.Options(d.config.Retry)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("Delivery attempt failed, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error())
	}

	msg := delivery.Message{
		JobID:    job.ID,
		UserID:   job.UserID,
		Target:   job.Target,
		Text:     job.Message,
		Metadata: job.Metadata,
	}

	start := time.Now()
	res := retry.Do(jobCtx, func(ctx context.Context) error {
		return d.send(ctx, sender, job.Channel, msg)
	}, opts)
	elapsed := time.Since(start).Milliseconds()
	stopHeartbeat()

	switch {
	case lost.Load():
		log.Warn("Lease lost during delivery, abandoning job", "attempts", res.Attempts)
	case res.Success:
		d.complete(finishCtx, job, owner, model.JobResult{
			Success:        true,
			DeliveryTimeMs: &elapsed,
			Attempts:       res.Attempts,
		}, log)
	case ctx.Err() != nil:
		d.release(job, owner, log)
	default:
		d.fail(finishCtx, job, owner, model.JobResult{
			Error:    res.Err.Error(),
			Attempts: res.Attempts,
		}, log)
	}
}

// send performs one bounded delivery call.
func (d *Dispatcher) send(ctx context.Context, sender delivery.Sender, ch model.Channel, msg delivery.Message) error {
	callCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := sender.Send(callCtx, msg)
	d.metrics.DeliveryDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var derr *delivery.Error
		if !errors.As(err, &derr) {
			err = delivery.Timeout(ch, err)
		}
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	d.metrics.DeliveryAttempts.WithLabelValues(string(ch), outcome).Inc()
	return err
}

func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, id, owner string, lost *atomic.Bool, log *logger.Logger) {
	interval := d.config.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.queue.Extend(ctx, id, owner, d.config.LeaseDuration)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobNotFound):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() == nil:
				log.Warn("Failed to extend lease", "error", err.Error())
			}
		}
	}
}

func (d *Dispatcher) complete(ctx context.Context, job model.NotificationJob, owner string, result model.JobResult, log *logger.Logger) {
	if err := d.queue.Complete(ctx, job.ID, owner, result); err != nil {
		log.Error(err, "Failed to complete job")
		return
	}
	d.metrics.JobsCompleted.WithLabelValues(string(job.Channel)).Inc()
	log.Info("Notification delivered",
		"channel", string(job.Channel),
		"attempts", result.Attempts,
		"delivery_ms", *result.DeliveryTimeMs)
	d.publish(ctx, model.EventJobCompleted, job, model.JobStateCompleted, result, log)
}

func (d *Dispatcher) fail(ctx context.Context, job model.NotificationJob, owner string, result model.JobResult, log *logger.Logger) {
	if err := d.queue.Fail(ctx, job.ID, owner, result); err != nil {
		log.Error(err, "Failed to record job failure")
		return
	}
	reason := "delivery"
	if result.Attempts == 0 {
		reason = "unsupported_channel"
	}
	d.metrics.JobsFailed.WithLabelValues(string(job.Channel), reason).Inc()
	log.Warn("Notification failed",
		"channel", string(job.Channel),
		"attempts", result.Attempts,
		"error", result.Error)
	d.publish(ctx, model.EventJobFailed, job, model.JobStateFailed, result, log)
}

// release runs after the job context is gone, so it uses its own deadline.
func (d *Dispatcher) release(job model.NotificationJob, owner string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := d.queue.Release(ctx, job.ID, owner); err != nil {
		log.Error(err, "Failed to release job")
		return
	}
	log.Info("Released unfinished job back to queue")
	d.publish(ctx, model.EventJobRequeued, job, model.JobStateWaiting, model.JobResult{}, log)
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, job model.NotificationJob, state model.JobState, result model.JobResult, log *logger.Logger) {
	event := model.JobEvent{
		JobID:          job.ID,
		UserID:         job.UserID,
		Channel:        job.Channel,
		Priority:       job.Priority,
		State:          state,
		Attempts:       result.Attempts,
		DeliveryTimeMs: result.DeliveryTimeMs,
		Error:          result.Error,
		OccurredAt:     time.Now().UTC(),
	}
	if err := d.publisher.Publish(ctx, eventType, event); err != nil {
		log.Warn("Failed to publish job event", "event", eventType, "error", err.Error())
	}
}

func (d *Dispatcher) track(id string, add bool) {
	d.mu.Lock()
	if add {
		d.active[id] = struct{}{}
	} else {
		delete(d.active, id)
	}
	d.mu.Unlock()

	if add {
		d.metrics.ActiveJobs.Inc()
	} else {
		d.metrics.ActiveJobs.Dec()
	}
}

// sleep waits for d or until intake must stop. It reports whether to go on.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
