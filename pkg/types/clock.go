package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day measured from midnight of the service day.
// Hours past 23 are allowed so trips running after midnight keep their
// place on the day they belong to (e.g. "25:10").
type Clock time.Duration

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("time %q not in hh:mm or hh:mm:ss format", s)
	}

	var fields [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, err)
		}
		if n < 0 || (i > 0 && n > 59) {
			return 0, fmt.Errorf("time %q: field %d out of range", s, i)
		}
		fields[i] = n
	}

	d := time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second
	return Clock(d), nil
}

// MustParseClock is ParseClock for constants; it panics on error.
func MustParseClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) Duration() time.Duration {
	return time.Duration(c)
}

// String renders the clock as HH:MM, adding seconds only when present.
func (c Clock) String() string {
	d := time.Duration(c)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	sec := (d % time.Minute) / time.Second
	if sec != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// On resolves the clock against the service day returned by ServiceDay.
func (c Clock) On(serviceDay time.Time) time.Time {
	return serviceDay.Add(time.Duration(c))
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(text []byte) error {
	parsed, err := ParseClock(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ServiceDay returns the reference midnight of the service day that t falls
// in. Times before rollover (e.g. 03:00) still belong to the previous day.
// The reference is computed as noon minus twelve hours so that clock offsets
// stay stable across DST changes.
func ServiceDay(t time.Time, rollover Clock) time.Time {
	day := referenceMidnight(t)
	if t.Before(rollover.On(day)) {
		y, m, d := t.Date()
		day = referenceMidnight(time.Date(y, m, d-1, 12, 0, 0, 0, t.Location()))
	}
	return day
}

func referenceMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	noon := time.Date(y, m, d, 12, 0, 0, 0, t.Location())
	return noon.Add(-12 * time.Hour)
}
