package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/notify-scheduler/internal/model"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when the caller no longer owns the job's lease,
	// usually because it expired and the job was recovered.
	ErrLeaseLost = errors.New("job lease lost")
)

// StalledReason is recorded on jobs that exhausted their claims without a
// worker ever committing a result.
const StalledReason = "job stalled more than allowable limit"

const (
	DefaultMaxClaims     = 3
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 50
	DefaultRetention     = 7 * 24 * time.Hour
)

type Config struct {
	// MaxClaims bounds how often a job may be leased before a stall is
	// treated as terminal.
	MaxClaims     int
	KeepCompleted int
	KeepFailed    int
	Now           func() time.Time
}

func (c Config) WithDefaults() Config {
	if c.MaxClaims <= 0 {
		c.MaxClaims = DefaultMaxClaims
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = DefaultKeepCompleted
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = DefaultKeepFailed
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Lease is a claimed job. Only Owner may extend or finish it, and only until
// ExpiresAt unless extended.
type Lease struct {
	Job       model.NotificationJob
	Owner     string
	Claims    int
	ExpiresAt time.Time
}

// RecoverResult reports what RecoverStalled did with expired leases.
type RecoverResult struct {
	Requeued int
	Failed   int
}

// Queue is a durable priority/delay job store with lease-based delivery.
// Claim hands each job to at most one owner at a time; a lease that expires
// without Complete, Fail or Release is picked up by RecoverStalled.
type Queue interface {
	Add(ctx context.Context, payload model.JobPayload) (string, error)
	Get(ctx context.Context, id string) (*model.NotificationJob, error)
	Status(ctx context.Context, id string) (*model.JobStatus, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	// Clean removes terminal jobs that finished more than olderThan ago.
	Clean(ctx context.Context, olderThan time.Duration) (int, error)

	// Claim leases the next eligible job. It returns nil, nil when nothing is
	// ready.
	Claim(ctx context.Context, owner string, lease time.Duration) (*Lease, error)
	Extend(ctx context.Context, id, owner string, lease time.Duration) error
	SetProgress(ctx context.Context, id, owner string, progress int) error
	Complete(ctx context.Context, id, owner string, result model.JobResult) error
	Fail(ctx context.Context, id, owner string, result model.JobResult) error
	// Release hands an unfinished job back to the waiting state without
	// counting the claim.
	Release(ctx context.Context, id, owner string) error
	RecoverStalled(ctx context.Context) (RecoverResult, error)

	Ping(ctx context.Context) error
	Close() error
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
