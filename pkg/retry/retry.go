package retry

import (
	"context"
	"math"
	"time"
)

// Options bound the exponential backoff schedule. Delay for attempt n is
// BaseDelay * Multiplier^n, capped at MaxDelay; a provider-supplied
// retry-after hint overrides the computed delay when it is longer.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2.0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// Decide inspects a failed attempt and reports whether another attempt may
// be made, plus an optional minimum wait (rate-limit hints).
type Decide func(err error) (retryable bool, after time.Duration)

// Do runs fn up to MaxAttempts times, sleeping between attempts. It returns
// the number of attempts made and the last error (nil on success). Context
// cancellation aborts the wait and returns immediately.
func Do(ctx context.Context, opts Options, decide Decide, fn func(context.Context) error) (int, error) {
	opts = opts.normalized()

	var err error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}

		retryable, after := decide(err)
		if !retryable || attempt == opts.MaxAttempts-1 {
			return attempt + 1, err
		}

		delay := backoffDelay(opts, attempt)
		if after > delay {
			delay = after
		}

		select {
		case <-ctx.Done():
			return attempt + 1, err
		case <-time.After(delay):
		}
	}
	return opts.MaxAttempts, err
}

func backoffDelay(opts Options, attempt int) time.Duration {
	delay := time.Duration(float64(opts.BaseDelay) * math.Pow(opts.Multiplier, float64(attempt)))
	if delay > opts.MaxDelay || delay <= 0 {
		delay = opts.MaxDelay
	}
	return delay
}
