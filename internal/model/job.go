package model

import "time"

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is final and subject to retention.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobResult is the outcome of a delivery attempt sequence.
type JobResult struct {
	Success        bool   `json:"success"`
	DeliveryTimeMs *int64 `json:"deliveryTimeMs,omitempty"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
}

// JobStatus is the queue-lifecycle view of a job. Attempts counts delivery
// attempts recorded by the worker; Claims counts how often the job was leased.
type JobStatus struct {
	ID           string     `json:"id"`
	State        JobState   `json:"status"`
	Progress     int        `json:"progress"`
	Attempts     int        `json:"attempts"`
	Claims       int        `json:"claims"`
	MaxClaims    int        `json:"maxClaims"`
	Result       *JobResult `json:"result,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ReadyAt      time.Time  `json:"readyAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

func (s QueueStats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}
