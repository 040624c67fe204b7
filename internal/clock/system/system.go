// Package system provides the real clock used outside tests.
package system

import (
	"time"

	"k8s.io/utils/clock"
)

// Clock is a k8s clock.RealClock whose Now reports UTC.
type Clock struct {
	clock.RealClock
}

var _ clock.WithTicker = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
