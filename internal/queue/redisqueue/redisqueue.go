// Package redisqueue stores notification jobs in Redis. Each job is a hash;
// its lifecycle state is mirrored by membership in one of five sorted sets.
// All transitions that must be single-owner run as Lua scripts.
//
// The scripts derive job hash keys from the prefix instead of declaring them,
// so every key carries the prefix as a Redis Cluster hash tag and lands in
// one slot.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
)

const DefaultPrefix = "{notify:queue}:"

type Queue struct {
	client redis.UniversalClient
	cfg    queue.Config
	prefix string
}

var _ queue.Queue = (*Queue)(nil)

// New returns a queue on client. The queue takes ownership of the client and
// closes it on Close. A prefix without a hash tag is wrapped in one, so
// "jobs:" becomes "{jobs}:".
func New(client redis.UniversalClient, prefix string, cfg queue.Config) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg.WithDefaults(),
		prefix: hashTagged(prefix),
	}
}

func hashTagged(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	if open := strings.Index(prefix, "{"); open >= 0 {
		if end := strings.Index(prefix[open:], "}"); end > 1 {
			return prefix
		}
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

func (q *Queue) jobPrefix() string { return q.prefix + "job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) seqKey() string { return q.prefix + "seq" }

func (q *Queue) setKey(state model.JobState) string {
	return q.prefix + string(state)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *Queue) Add(ctx context.Context, payload model.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	now := q.cfg.Now()
	job := model.NewNotificationJob(uuid.NewString(), payload, now)
	plan := queue.Schedule(job.Score)

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate job sequence: %w", err)
	}

	order := queue.OrderKey(plan.Rank, seq)
	readyAt := now.Add(plan.Delay)
	state := model.JobStateWaiting
	if plan.Delay > 0 {
		state = model.JobStateDelayed
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID),
			"data", data,
			"state", string(state),
			"rank", plan.Rank,
			"seq", seq,
			"order", strconv.FormatFloat(order, 'f', 0, 64),
			"readyAt", ms(readyAt),
			"createdAt", ms(now),
			"claims", 0,
			"attempts", 0,
			"progress", 0,
		)
		if state == model.JobStateDelayed {
			pipe.ZAdd(ctx, q.setKey(model.JobStateDelayed), redis.Z{Score: float64(ms(readyAt)), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, q.setKey(model.JobStateWaiting), redis.Z{Score: order, Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to add job: %w", err)
	}
	return job.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*model.NotificationJob, error) {
	data, err := q.client.HGet(ctx, q.jobKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.NotificationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) Status(ctx context.Context, id string) (*model.JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	return q.parseStatus(id, fields)
}

func (q *Queue) parseStatus(id string, f map[string]string) (*model.JobStatus, error) {
	st := &model.JobStatus{
		ID:           id,
		State:        model.JobState(f["state"]),
		Progress:     atoi(f["progress"]),
		Attempts:     atoi(f["attempts"]),
		Claims:       atoi(f["claims"]),
		MaxClaims:    q.cfg.MaxClaims,
		FailedReason: f["failedReason"],
		CreatedAt:    fromMs(f["createdAt"]),
		ReadyAt:      fromMs(f["readyAt"]),
		StartedAt:    optionalMs(f["startedAt"]),
		FinishedAt:   optionalMs(f["finishedAt"]),
	}
	if st.State == model.JobStateDelayed && !st.ReadyAt.After(q.cfg.Now()) {
		st.State = model.JobStateWaiting
	}

	if raw := f["result"]; raw != "" {
		var res model.JobResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("failed to decode job result %s: %w", id, err)
		}
		st.Result = &res
	} else if st.State == model.JobStateFailed {
		st.Result = &model.JobResult{Error: st.FailedReason, Attempts: st.Attempts}
	}
	return st, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMs(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func optionalMs(s string) *time.Time {
	t := fromMs(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	err := promoteScript.Run(ctx, q.client,
		[]string{q.setKey(model.JobStateWaiting), q.setKey(model.JobStateDelayed)},
		q.jobPrefix(), ms(q.cfg.Now())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.QueueStats{}, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.setKey(model.JobStateWaiting))
	delayed := pipe.ZCard(ctx, q.setKey(model.JobStateDelayed))
	active := pipe.ZCard(ctx, q.setKey(model.JobStateActive))
	completed := pipe.ZCard(ctx, q.setKey(model.JobStateCompleted))
	failed := pipe.ZCard(ctx, q.setKey(model.JobStateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return model.QueueStats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.cfg.Now().Add(-olderThan)
	n, err := cleanScript.Run(ctx, q.client,
		[]string{q.setKey(model.JobStateCompleted), q.setKey(model.JobStateFailed)},
		q.jobPrefix(), ms(cutoff)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (*queue.Lease, error) {
	now := q.cfg.Now()
	deadline := now.Add(lease)

	reply, err := claimScript.Run(ctx, q.client,
		[]string{
			q.setKey(model.JobStateWaiting),
			q.setKey(model.JobStateDelayed),
			q.setKey(model.JobStateActive),
		},
		q.jobPrefix(), ms(now), ms(deadline), owner).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("unexpected claim reply of length %d", len(reply))
	}

	data, _ := reply[1].(string)
	claims, _ := reply[2].(int64)

	var job model.NotificationJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode claimed job %v: %w", reply[0], err)
	}
	return &queue.Lease{
		Job:       job,
		Owner:     owner,
		Claims:    int(claims),
		ExpiresAt: time.UnixMilli(ms(deadline)),
	}, nil
}

// ownerResult maps the owner-checked script replies onto queue errors.
func ownerResult(n int64, err error) error {
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return queue.ErrJobNotFound
	case 0:
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	deadline := q.cfg.Now().Add(lease)
	return ownerResult(extendScript.Run(ctx, q.client,
		[]string{q.setKey(model.JobStateActive)},
		q.jobPrefix(), id, owner, ms(deadline)).Int64())
}

func (q *Queue) SetProgress(ctx context.Context, id, owner string, progress int) error {
	return ownerResult(progressScript.Run(ctx, q.client, nil,
		q.jobPrefix(), id, owner, queue.ClampProgress(progress)).Int64())
}

func (q *Queue) Complete(ctx context.Context, id, owner string, result model.JobResult) error {
	return q.finish(ctx, id, owner, model.JobStateCompleted, result, "", q.cfg.KeepCompleted, "100")
}

func (q *Queue) Fail(ctx context.Context, id, owner string, result model.JobResult) error {
	return q.finish(ctx, id, owner, model.JobStateFailed, result, result.Error, q.cfg.KeepFailed, "")
}

func (q *Queue) finish(ctx context.Context, id, owner string, state model.JobState, result model.JobResult, reason string, keep int, progress string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	return ownerResult(finishScript.Run(ctx, q.client,
		[]string{q.setKey(model.JobStateActive), q.setKey(state)},
		q.jobPrefix(), id, owner, ms(q.cfg.Now()), string(state), data, reason,
		result.Attempts, keep, progress).Int64())
}

func (q *Queue) Release(ctx context.Context, id, owner string) error {
	return ownerResult(releaseScript.Run(ctx, q.client,
		[]string{q.setKey(model.JobStateActive), q.setKey(model.JobStateWaiting)},
		q.jobPrefix(), id, owner).Int64())
}

func (q *Queue) RecoverStalled(ctx context.Context) (queue.RecoverResult, error) {
	vals, err := recoverScript.Run(ctx, q.client,
		[]string{
			q.setKey(model.JobStateActive),
			q.setKey(model.JobStateWaiting),
			q.setKey(model.JobStateFailed),
		},
		q.jobPrefix(), ms(q.cfg.Now()), q.cfg.MaxClaims, queue.StalledReason, q.cfg.KeepFailed).Int64Slice()
	if err != nil {
		return queue.RecoverResult{}, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	if len(vals) != 2 {
		return queue.RecoverResult{}, fmt.Errorf("unexpected recover reply of length %d", len(vals))
	}
	return queue.RecoverResult{Requeued: int(vals[0]), Failed: int(vals[1])}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
