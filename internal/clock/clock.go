// Package clock abstracts the time operations used by debounced and
// expiring behavior so tests can drive them deterministically.
//
// Production code takes Real(); tests take Fake(start) and move time
// forward with Advance. AfterFunc callbacks registered on a FakeClock run
// synchronously inside Advance, in deadline order.
package clock

import "time"

// Clock is the subset of the time package the service depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// the call. A non-positive d fires f immediately (on a new goroutine
	// for the real clock, synchronously for the fake one).
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or
	// was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
