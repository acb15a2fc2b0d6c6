package model

import "time"

// DateLayout is the calendar-day format embedded in counter keys.
const DateLayout = "2006-01-02"

// Clock is the single source of "now" for key derivation and TTLs.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// DateKey returns the UTC calendar day of t as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DayBounds returns the start of the UTC day containing now and the next UTC midnight.
func DayBounds(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 1)
	return start, end
}

// SecondsUntilNextUTCMidnight returns whole seconds from now until the next
// UTC midnight. Never returns less than 1: a zero or negative expiry would
// make the backend delete the key immediately.
func SecondsUntilNextUTCMidnight(now time.Time) int64 {
	_, end := DayBounds(now)
	secs := int64(end.Sub(now.UTC()) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
