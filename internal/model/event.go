package model

import "time"

// Job lifecycle event types published by the worker.
const (
	EventJobCompleted = "notification.completed"
	EventJobFailed    = "notification.failed"
	EventJobRequeued  = "notification.requeued"
)

// JobEvent describes a lifecycle transition of a notification job.
type JobEvent struct {
	JobID          string    `json:"jobId"`
	UserID         string    `json:"userId"`
	Channel        Channel   `json:"channel"`
	Priority       Priority  `json:"priority"`
	State          JobState  `json:"state"`
	Attempts       int       `json:"attempts"`
	DeliveryTimeMs *int64    `json:"deliveryTimeMs,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}
