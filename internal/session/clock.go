package session

import "time"

// Clock abstracts time for the poller and the reconnect loop so both can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. Implementations must deliver at most
	// one value per call.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
