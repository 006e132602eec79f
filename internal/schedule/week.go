// Package schedule holds the calendar arithmetic shared by the enrollment
// engine, the read cache and the auto-deactivation sweeper.
package schedule

import (
	"strings"
	"time"
)

// Layouts accepted for stored class dates and start times. They match the
// record validation in the persistence package.
const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// WeekKey identifies a calendar week by the ISO date of its Monday.
type WeekKey string

// String returns the YYYY-MM-DD form of the key.
func (k WeekKey) String() string {
	return string(k)
}

// WeekKeyOf returns the Monday-anchored week containing the supplied
// YYYY-MM-DD date. The boolean is false for missing or unparseable input;
// callers treat such classes as exempt from weekly quotas.
func WeekKeyOf(date string) (WeekKey, bool) {
	day, ok := parseDate(date, time.UTC)
	if !ok {
		return "", false
	}
	offset := (int(day.Weekday()) + 6) % 7
	monday := day.AddDate(0, 0, -offset)
	return WeekKey(monday.Format(dateLayout)), true
}

// Calendar resolves class dates and wall-clock start times into instants in a
// fixed location.
type Calendar struct {
	location *time.Location
}

// NewCalendar constructs a Calendar for the provided location. A nil location
// falls back to time.Local.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.Local
	}
	return Calendar{location: loc}
}

// Location reports the location used to interpret wall-clock times.
func (c Calendar) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// StartOf combines a date and an HH:MM start time into an instant.
func (c Calendar) StartOf(date, startTime string) (time.Time, bool) {
	loc := c.Location()
	day, ok := parseDate(date, loc)
	if !ok {
		return time.Time{}, false
	}
	clock, ok := parseClock(startTime)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, loc), true
}

// HasStarted reports whether the class start instant is at or before now.
// Missing or malformed date or time yields false so ambiguous records are
// never auto-deactivated.
func (c Calendar) HasStarted(date, startTime string, now time.Time) bool {
	start, ok := c.StartOf(date, startTime)
	if !ok {
		return false
	}
	return !now.Before(start)
}

// IsMorning reports whether an HH:MM start time falls before noon. Unparseable
// values are treated as midnight, matching how the schedule view buckets them.
func IsMorning(startTime string) bool {
	clock, ok := parseClock(startTime)
	if !ok {
		return true
	}
	return clock.Hour() < 12
}

func parseDate(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(dateLayout, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func parseClock(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(clockLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
