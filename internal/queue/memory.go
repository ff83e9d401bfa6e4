package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

type record struct {
	job          model.NotificationJob
	state        model.JobState
	rank         int
	seq          int64
	readyAt      time.Time
	claims       int
	attempts     int
	progress     int
	owner        string
	leaseUntil   time.Time
	result       *model.JobResult
	failedReason string
	startedAt    *time.Time
	finishedAt   *time.Time
}

func (r *record) status(maxClaims int) *model.JobStatus {
	st := &model.JobStatus{
		ID:           r.job.ID,
		State:        r.state,
		Progress:     r.progress,
		Attempts:     r.attempts,
		Claims:       r.claims,
		MaxClaims:    maxClaims,
		FailedReason: r.failedReason,
		CreatedAt:    r.job.CreatedAt,
		ReadyAt:      r.readyAt,
		StartedAt:    copyTime(r.startedAt),
		FinishedAt:   copyTime(r.finishedAt),
	}
	if r.result != nil {
		res := *r.result
		st.Result = &res
	}
	return st
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// readyHeap orders waiting jobs by rank then sequence.
type readyHeap []*record

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any) { *h = append(*h, x.(*record)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// delayHeap orders delayed jobs by the time they become eligible.
type delayHeap []*record

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any) { *h = append(*h, x.(*record)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// MemoryQueue keeps everything in process memory. Jobs do not survive a
// restart, so it is meant for tests and single-node development.
type MemoryQueue struct {
	mu        sync.Mutex
	cfg       Config
	seq       int64
	jobs      map[string]*record
	ready     readyHeap
	delayed   delayHeap
	completed []string
	failed    []string
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:  cfg.WithDefaults(),
		jobs: make(map[string]*record),
	}
}

func (q *MemoryQueue) Add(_ context.Context, payload model.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	job := model.NewNotificationJob(uuid.NewString(), payload, now)
	plan := Schedule(job.Score)

	q.seq++
	r := &record{
		job:     job,
		rank:    plan.Rank,
		seq:     q.seq,
		readyAt: now.Add(plan.Delay).UTC(),
	}
	q.jobs[job.ID] = r

	if plan.Delay > 0 {
		r.state = model.JobStateDelayed
		heap.Push(&q.delayed, r)
	} else {
		r.state = model.JobStateWaiting
		heap.Push(&q.ready, r)
	}
	return job.ID, nil
}

// promote moves delayed jobs whose delay elapsed into the ready heap.
// Callers hold the lock.
func (q *MemoryQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		r := heap.Pop(&q.delayed).(*record)
		r.state = model.JobStateWaiting
		heap.Push(&q.ready, r)
	}
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*model.NotificationJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := r.job
	job.Metadata = job.Metadata.Clone()
	return &job, nil
}

func (q *MemoryQueue) Status(_ context.Context, id string) (*model.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.cfg.Now())
	r, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return r.status(q.cfg.MaxClaims), nil
}

func (q *MemoryQueue) Stats(_ context.Context) (model.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.cfg.Now())
	var stats model.QueueStats
	for _, r := range q.jobs {
		switch r.state {
		case model.JobStateWaiting:
			stats.Waiting++
		case model.JobStateDelayed:
			stats.Delayed++
		case model.JobStateActive:
			stats.Active++
		case model.JobStateCompleted:
			stats.Completed++
		case model.JobStateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Clean(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.cfg.Now().Add(-olderThan)
	removed := 0
	keep := func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			r := q.jobs[id]
			if r != nil && r.finishedAt != nil && r.finishedAt.Before(cutoff) {
				delete(q.jobs, id)
				removed++
				continue
			}
			out = append(out, id)
		}
		return out
	}
	q.completed = keep(q.completed)
	q.failed = keep(q.failed)
	return removed, nil
}

func (q *MemoryQueue) Claim(_ context.Context, owner string, lease time.Duration) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	q.promote(now)
	if q.ready.Len() == 0 {
		return nil, nil
	}

	r := heap.Pop(&q.ready).(*record)
	started := now.UTC()
	r.state = model.JobStateActive
	r.owner = owner
	r.leaseUntil = now.Add(lease)
	r.claims++
	r.startedAt = &started

	job := r.job
	job.Metadata = job.Metadata.Clone()
	return &Lease{Job: job, Owner: owner, Claims: r.claims, ExpiresAt: r.leaseUntil}, nil
}

// owned returns the active record held by owner. Callers hold the lock.
func (q *MemoryQueue) owned(id, owner string) (*record, error) {
	r, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if r.state != model.JobStateActive || r.owner != owner {
		return nil, ErrLeaseLost
	}
	return r, nil
}

func (q *MemoryQueue) Extend(_ context.Context, id, owner string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	r.leaseUntil = q.cfg.Now().Add(lease)
	return nil
}

func (q *MemoryQueue) SetProgress(_ context.Context, id, owner string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	r.progress = ClampProgress(progress)
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id, owner string, result model.JobResult) error {
	return q.finish(id, owner, model.JobStateCompleted, result, "")
}

func (q *MemoryQueue) Fail(_ context.Context, id, owner string, result model.JobResult) error {
	return q.finish(id, owner, model.JobStateFailed, result, result.Error)
}

func (q *MemoryQueue) finish(id, owner string, state model.JobState, result model.JobResult, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	q.terminate(r, state, result, reason)
	return nil
}

// terminate records the final state and applies count-based retention.
// Callers hold the lock.
func (q *MemoryQueue) terminate(r *record, state model.JobState, result model.JobResult, reason string) {
	finished := q.cfg.Now().UTC()
	r.state = state
	r.owner = ""
	r.leaseUntil = time.Time{}
	r.attempts = result.Attempts
	r.result = &result
	r.failedReason = reason
	r.finishedAt = &finished
	if state == model.JobStateCompleted {
		r.progress = 100
		q.completed = q.trim(append(q.completed, r.job.ID), q.cfg.KeepCompleted)
	} else {
		q.failed = q.trim(append(q.failed, r.job.ID), q.cfg.KeepFailed)
	}
}

func (q *MemoryQueue) trim(ids []string, keep int) []string {
	if len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(q.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}

func (q *MemoryQueue) Release(_ context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	r.state = model.JobStateWaiting
	r.owner = ""
	r.leaseUntil = time.Time{}
	if r.claims > 0 {
		r.claims--
	}
	heap.Push(&q.ready, r)
	return nil
}

func (q *MemoryQueue) RecoverStalled(_ context.Context) (RecoverResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	var res RecoverResult
	for _, r := range q.jobs {
		if r.state != model.JobStateActive || !r.leaseUntil.Before(now) {
			continue
		}
		if r.claims >= q.cfg.MaxClaims {
			q.terminate(r, model.JobStateFailed, model.JobResult{
				Success:  false,
				Error:    StalledReason,
				Attempts: r.attempts,
			}, StalledReason)
			res.Failed++
			continue
		}
		r.state = model.JobStateWaiting
		r.owner = ""
		r.leaseUntil = time.Time{}
		heap.Push(&q.ready, r)
		res.Requeued++
	}
	return res, nil
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }
