package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 2 * time.Second
	DefaultBackoffMultiplier = 2.5
	DefaultMaxDelay          = 30 * time.Second
)

// Options configures Execute. Zero fields fall back to the package defaults.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// RetryCondition decides whether a failed attempt may be retried.
	// Nil retries every error.
	RetryCondition func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)

	timer backoff.Timer
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelay:          DefaultMaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	return o
}

// Result reports the outcome of Execute. Attempts and TotalTime are always set.
type Result[T any] struct {
	Data      T
	Err       error
	Success   bool
	Attempts  int
	TotalTime time.Duration
}

// Execute runs op until it succeeds, the retry condition rejects an error, the
// attempt budget is spent or ctx is done. The last attempt is never followed
// by a sleep.
func Execute[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) Result[T] {
	opts = opts.withDefaults()
	start := time.Now()

	var (
		data     T
		attempts int
	)
	operation := func() error {
		attempts++
		out, err := op(ctx)
		if err == nil {
			data = out
			return nil
		}
		if opts.RetryCondition != nil && !opts.RetryCondition(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if opts.OnRetry != nil {
		notify = func(err error, delay time.Duration) {
			opts.OnRetry(attempts, err, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, newBackOff(ctx, opts), notify, opts.timer)

	res := Result[T]{
		Err:       err,
		Success:   err == nil,
		Attempts:  attempts,
		TotalTime: time.Since(start),
	}
	if err == nil {
		res.Data = data
	}
	return res
}

// Do is Execute for operations without a result value.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) Result[struct{}] {
	return Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
}

func newBackOff(ctx context.Context, opts Options) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.InitialDelay
	exp.Multiplier = opts.BackoffMultiplier
	exp.MaxInterval = opts.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(opts.MaxAttempts-1)), ctx)
}
