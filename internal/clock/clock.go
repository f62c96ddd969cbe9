// Package clock provides an injectable time source so that settle
// intervals, health polling and retention cutoffs can be tested without
// waiting on the wall clock.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts the time operations used by the services.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on c, returning early with the context error when ctx
// is cancelled.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// FakeClock is a deterministic Clock for single-goroutine tests. Every
// call to After advances the clock by d and fires immediately, so a
// sequential workflow runs instantly while observing the same elapsed
// time it would in production.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

// Fake returns a FakeClock initialized to the given time.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After advances the clock by d and returns an already-fired channel.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d > 0 {
		f.current = f.current.Add(d)
	}
	f.waits = append(f.waits, d)

	ch := make(chan time.Time, 1)
	ch <- f.current
	return ch
}

// Advance moves the clock forward without recording a wait.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Waits returns every duration passed to After, in call order.
func (f *FakeClock) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.waits))
	copy(out, f.waits)
	return out
}
