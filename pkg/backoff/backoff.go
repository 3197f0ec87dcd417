// Package backoff retries flaky operations, mostly tool downloads,
// waiting a little longer after each failure.
package backoff

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Backoff is a quick retry function. A Backoff holds no per-run state,
// so one value may be shared.
type Backoff struct {
	maxAttempts  int
	baseInterval time.Duration
	maxInterval  time.Duration
}

type Opt func(*Backoff)

// WithMaxAttempts caps how many times the function runs, including the
// first call.
func WithMaxAttempts(n int) Opt {
	return func(b *Backoff) {
		b.maxAttempts = n
	}
}

// WithDelay sets the wait after the first failure, which grows by base
// each retry up to max.
func WithDelay(base, max time.Duration) Opt {
	return func(b *Backoff) {
		b.baseInterval = base
		b.maxInterval = max
	}
}

// New returns a Backoff timer
func New(opts ...Opt) *Backoff {
	b := &Backoff{
		maxAttempts:  3,
		baseInterval: time.Second,
		maxInterval:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxAttempts < 1 {
		b.maxAttempts = 1
	}
	return b
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Run returns the wrapped
// error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// Run calls fn until it succeeds, returns a Permanent error, ctx is
// done, or the attempts run out.
func (b *Backoff) Run(ctx context.Context, fn func() error) error {
	counter := newMultiplicativeCounter(b.baseInterval, b.maxInterval)

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= b.maxAttempts {
			return errors.Wrapf(err, "done trying after %d attempts", attempt)
		}

		timer := time.NewTimer(counter.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
