// Package clock provides an injectable time source so deadline behavior is
// testable.
package clock

import "time"

// Clock returns the current instant.
type Clock func() time.Time

// System is the wall clock in UTC.
func System() Clock {
	return func() time.Time { return time.Now().UTC() }
}

// Fixed always returns t. Tests use it to sit exactly on either side of a
// deadline.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}
