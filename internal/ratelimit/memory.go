package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

// MemoryLimiter keeps windows in process memory. It suits a single API
// instance and tests.
type MemoryLimiter struct {
	sync.Mutex
	requests map[string][]time.Time
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewMemoryLimiter(cfg Config, m *metrics.Metrics) *MemoryLimiter {
	return &MemoryLimiter{
		requests: make(map[string][]time.Time),
		cfg:      cfg.withDefaults(),
		metrics:  m,
		now:      time.Now,
	}
}

// prune drops timestamps that left the window. Callers hold the lock.
func (l *MemoryLimiter) prune(identity string, now time.Time) []time.Time {
	var valid []time.Time
	for _, t := range l.requests[identity] {
		if now.Sub(t) < l.cfg.Window {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(l.requests, identity)
	} else {
		l.requests[identity] = valid
	}
	return valid
}

func (l *MemoryLimiter) Check(_ context.Context, identity string) Result {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	valid := l.prune(identity, now)

	allowed := len(valid) < l.cfg.MaxRequests
	if allowed {
		valid = append(valid, now)
		l.requests[identity] = valid
	}

	res := decide(l.cfg, now, len(valid), valid[0], allowed)
	if allowed {
		l.metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		l.metrics.RateLimitDecisions.WithLabelValues("blocked").Inc()
	}
	return res
}

func (l *MemoryLimiter) Usage(_ context.Context, identity string) (Usage, error) {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	valid := l.prune(identity, now)
	oldest := now
	if len(valid) > 0 {
		oldest = valid[0]
	}
	res := decide(l.cfg, now, len(valid), oldest, len(valid) < l.cfg.MaxRequests)

	return Usage{
		Identity:  identity,
		Count:     len(valid),
		Limit:     l.cfg.MaxRequests,
		Remaining: res.Remaining,
		ResetTime: res.ResetTime,
		Window:    l.cfg.Window.String(),
	}, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, identity string) error {
	l.Lock()
	defer l.Unlock()
	delete(l.requests, identity)
	return nil
}

// Cleanup drops every expired window. Run it periodically on long-lived
// processes.
func (l *MemoryLimiter) Cleanup() {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	for identity := range l.requests {
		l.prune(identity, now)
	}
}

// RunCleanup calls Cleanup every window until ctx is done.
func (l *MemoryLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
