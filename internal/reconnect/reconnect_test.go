package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", i, got, w*time.Millisecond)
		}
	}
	if got := b.Delay(200); got != time.Second {
		t.Fatalf("large attempt must stay capped, got %v", got)
	}
}

func TestSequenceMonotoneWithJitter(t *testing.T) {
	vals := []float64{0.99, 0.0, 0.5, 0.0, 0.99, 0.1, 0.0, 0.7}
	i := 0
	b := Backoff{Base: 50 * time.Millisecond, Max: 500 * time.Millisecond, Jitter: 1, Rand: func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}}
	seq := b.Sequence()
	var prev time.Duration
	for n := 0; n < 20; n++ {
		d := seq.Next()
		if d < prev {
			t.Fatalf("delay %d decreased: %v < %v", n, d, prev)
		}
		if d > b.Max {
			t.Fatalf("delay %d above cap: %v", n, d)
		}
		prev = d
	}
	if prev != b.Max {
		t.Fatalf("sequence should settle at cap, got %v", prev)
	}
}

func TestRetryBounded(t *testing.T) {
	calls := 0
	var waits []int
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}, 3,
		func(attempt int, _ time.Duration) { waits = append(waits, attempt) },
		func(context.Context, int) error {
			calls++
			return errors.New("refused")
		})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 3 || len(waits) != 3 {
		t.Fatalf("calls=%d waits=%v", calls, waits)
	}
}

func TestRetryStopsOnSuccessAndStop(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Millisecond}
	if err := Retry(context.Background(), b, 5, nil, func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("again")
		}
		return nil
	}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	fatal := errors.New("unauthorized")
	calls := 0
	err := Retry(context.Background(), b, 5, nil, func(context.Context, int) error {
		calls++
		return Stop(fatal)
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("stop not honoured: err=%v calls=%d", err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Backoff{Base: time.Hour, Max: time.Hour}, 3, nil, func(context.Context, int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
