package util

import "time"

// Clock abstracts time for the pieces of the engine that depend on it: the
// expiry sweeper's interval ticks and the submission timestamps that decide
// FIFO priority. Tests substitute a deterministic clock so tie-breaks and
// expirations are reproducible.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// RealClock is the production clock backed by package time.
type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
