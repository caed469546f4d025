// Package system provides a real clock implementation.
package system

import (
	"fmt"
	"time"
)

// Clock implements monitor.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting UTC.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewIn creates a Clock reporting times in the named IANA zone.
func NewIn(zone string) (*Clock, error) {
	if zone == "" {
		return New(), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", zone, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}

// After waits for the duration to elapse.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
