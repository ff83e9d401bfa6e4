package ratelimit

import (
	"context"
	"math"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 15 * time.Minute
	DefaultKeyPrefix   = "ratelimit:"
)

type Config struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	return c
}

// Result is the admission decision for one request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	// FailOpen is set when the store could not be consulted and the request
	// was admitted anyway.
	FailOpen bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the
// Retry-After header.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Usage is a read-only view of an identity's current window.
type Usage struct {
	Identity  string    `json:"userId"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
	Window    string    `json:"window"`
}

// Limiter admits requests per identity over a sliding window.
type Limiter interface {
	Check(ctx context.Context, identity string) Result
	Usage(ctx context.Context, identity string) (Usage, error)
	Reset(ctx context.Context, identity string) error
}

func decide(cfg Config, now time.Time, count int, oldest time.Time, allowed bool) Result {
	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	reset := oldest.Add(cfg.Window)
	if count == 0 {
		reset = now.Add(cfg.Window)
	}

	res := Result{
		Allowed:   allowed,
		Limit:     cfg.MaxRequests,
		Remaining: remaining,
		ResetTime: reset,
	}
	if !allowed {
		wait := reset.Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		res.RetryAfter = wait
	}
	return res
}

func failOpen(cfg Config, now time.Time) Result {
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests,
		ResetTime: now.Add(cfg.Window),
		FailOpen:  true,
	}
}
