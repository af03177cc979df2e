// Package clock abstracts wall-clock time and pseudo-randomness so that
// scheduling and market simulation logic can be driven deterministically in
// tests and, eventually, replayed from a recorded seed.
package clock

import "time"

// Clock is the narrow time interface consumed by the scheduler and mode
// supervisor; production code uses System, tests use a Deterministic clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker's exported surface so Deterministic can satisfy
// it without a real goroutine.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the production Clock backed by the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
