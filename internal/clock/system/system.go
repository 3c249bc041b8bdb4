// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements capture.Clock. Timestamps are always UTC so durable
// records compare cleanly across hosts.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
