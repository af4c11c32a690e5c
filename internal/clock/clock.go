// Package clock provides the real-time clock used outside of tests.
package clock

import "time"

// System implements pipeline.Clock using time.Now.
type System struct{}

// NewSystem creates a wall clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}
