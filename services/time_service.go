package services

import (
	"time"
	_ "time/tzdata"
)

// Clock formats timestamps for API responses in a fixed display timezone.
// Stored timestamps are always UTC.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock falls back to UTC when the zone name cannot be loaded.
func NewClock(timezone string) *Clock {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, now: time.Now}
}

// Now returns the current time in UTC.
func (c *Clock) Now() time.Time {
	return c.now().UTC()
}

// Local converts t into the display timezone.
func (c *Clock) Local(t time.Time) time.Time {
	return t.In(c.loc)
}

// Format renders t as RFC 3339 in the display timezone.
func (c *Clock) Format(t time.Time) string {
	return t.In(c.loc).Format(time.RFC3339)
}

// GetCurrentTimestamp returns the current time formatted for responses.
func (c *Clock) GetCurrentTimestamp() string {
	return c.Format(c.Now())
}
