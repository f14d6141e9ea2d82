// Package reconnect computes reconnect delays and drives bounded retry loops.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults used when a Backoff field is zero.
const (
	DefaultBase   = 500 * time.Millisecond
	DefaultMax    = 30 * time.Second
	DefaultJitter = 0.2
)

// Backoff is a capped exponential schedule: the nominal delay for attempt n
// (0-based) is Base*2^n, never more than Max. Jitter adds up to that fraction
// of the nominal delay at random.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns values in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBase
	}
	if b.Max <= 0 {
		b.Max = DefaultMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Delay returns the nominal (jitter-free) delay for the given attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Sequence returns a stateful iterator over jittered delays.
func (b Backoff) Sequence() *Sequence {
	return &Sequence{b: b.withDefaults()}
}

// Sequence yields successive delays. Each delay is at least the previous one
// and at most Max, so jitter never makes the schedule shrink.
type Sequence struct {
	b       Backoff
	attempt int
	prev    time.Duration
}

// Next returns the delay to wait before the next attempt.
func (s *Sequence) Next() time.Duration {
	nominal := s.b.Delay(s.attempt)
	s.attempt++
	d := nominal + time.Duration(float64(nominal)*s.b.Jitter*s.b.Rand())
	if d > s.b.Max {
		d = s.b.Max
	}
	if d < s.prev {
		d = s.prev
	}
	s.prev = d
	return d
}

// Attempt reports how many delays have been handed out.
func (s *Sequence) Attempt() int { return s.attempt }

// ErrExhausted is wrapped by Retry when every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Stop marks err as final: Retry returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Retry calls fn up to maxAttempts times, waiting the next backoff delay
// before each call. onWait, when set, is told about every wait before it
// starts. It returns nil on the first success, ctx.Err() when ctx ends, the
// unwrapped error passed to Stop, or ErrExhausted wrapping the last failure.
func Retry(ctx context.Context, b Backoff, maxAttempts int, onWait func(attempt int, delay time.Duration), fn func(ctx context.Context, attempt int) error) error {
	seq := b.Sequence()
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := seq.Next()
		if onWait != nil {
			onWait(attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		last = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, last)
}
