package service

import (
	"strings"
	"time"
	_ "time/tzdata" // admin timezones must resolve on minimal images
)

type ScheduleMode string

const (
	ScheduleNow      ScheduleMode = "now"
	ScheduleAbsolute ScheduleMode = "absolute"
	ScheduleRelative ScheduleMode = "relative"
)

// Schedule is the caller's description of when a send should start.
type Schedule struct {
	Mode     ScheduleMode `json:"mode"`
	At       string       `json:"at,omitempty"`    // absolute: local date-time
	Delay    int          `json:"delay,omitempty"` // relative
	Unit     string       `json:"unit,omitempty"`  // minutes, hours, days
	Timezone string       `json:"timezone,omitempty"`
}

var absoluteLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// Scheduler turns a Schedule into a concrete send time. It never fails:
// anything it cannot interpret means "now".
type Scheduler struct {
	Now             func() time.Time
	DefaultTimezone string
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) location(name string) *time.Location {
	if name == "" {
		name = s.DefaultTimezone
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Resolve returns the send time for sc. Absolute and relative results are
// rounded up to a 10-minute boundary and are never earlier than now.
func (s *Scheduler) Resolve(sc Schedule) time.Time {
	loc := s.location(sc.Timezone)
	now := s.now().In(loc)

	switch sc.Mode {
	case ScheduleAbsolute:
		t, ok := parseAbsolute(strings.TrimSpace(sc.At), loc)
		if !ok {
			return now
		}
		t = RoundUpToTenMinutes(t)
		if t.Before(now) {
			return now
		}
		return t

	case ScheduleRelative:
		delay := sc.Delay
		if delay < 1 {
			delay = 1
		}
		t := RoundUpToTenMinutes(now.Add(time.Duration(delay) * unitDuration(sc.Unit)))
		if t.Before(now) {
			return now
		}
		return t

	default:
		return now
	}
}

func parseAbsolute(value string, loc *time.Location) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), true
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "minute", "minutes":
		return time.Minute
	case "day", "days":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// RoundUpToTenMinutes drops seconds and moves the minute up to the next
// multiple of ten; minute 60 rolls into the next hour.
func RoundUpToTenMinutes(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	if rem := t.Minute() % 10; rem != 0 {
		t = t.Add(time.Duration(10-rem) * time.Minute)
	}
	return t
}
