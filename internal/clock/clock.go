// Package clock abstracts wall-clock access so the scheduler loop, timer
// advancement, and retry backoff can be driven by a simulated clock in
// tests instead of real sleeps.
package clock

import "time"

// Clock returns the current time. Real code uses System; tests use a
// Simulated clock stepped explicitly instead of wall-clock sleeps.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed according to
	// this clock.
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a ticker driven by this clock.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of time.Ticker the scheduler loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the real, wall-clock backed Clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }
