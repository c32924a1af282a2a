package models

import (
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day, timezone-free until anchored to a
// date with On.
type ClockTime struct {
	Hour   int
	Minute int
}

// On anchors the clock time to a calendar date in loc. Going through
// time.Date keeps DST transitions on that specific date correct instead of
// applying a fixed offset.
func (c ClockTime) On(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// Minutes returns the clock time as minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// String renders the planner wire form, "HH:MM:SS".
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:00", c.Hour, c.Minute)
}

// DayTime is a per-weekday wall-clock setting inside a Preference.
type DayTime struct {
	Day  time.Weekday
	Time ClockTime
}

// Preference is a user's scheduling policy. Soft-deleted, never removed.
type Preference struct {
	ID     string
	UserID string

	StartTimes []DayTime
	EndTimes   []DayTime

	MaxWorkLoadPercent  int
	MinNumberOfBreaks   int
	BreakLength         int // minutes
	BreakColor          string
	MaxNumberOfMeetings int
	BackToBackMeetings  bool

	Reminders []int // default minute offsets copied onto new events

	CopyAvailability      bool
	CopyTimeBlocking      bool
	CopyTimePreference    bool
	CopyReminders         bool
	CopyPriorityLevel     bool
	CopyModifiable        bool
	CopyIsBreak           bool
	CopyIsMeeting         bool
	CopyIsExternalMeeting bool
	CopyColor             bool

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartFor returns the configured start time for a weekday, or ok=false.
func (p *Preference) StartFor(day time.Weekday) (ClockTime, bool) {
	for _, dt := range p.StartTimes {
		if dt.Day == day {
			return dt.Time, true
		}
	}
	return ClockTime{}, false
}

// EndFor returns the configured end time for a weekday, or ok=false.
func (p *Preference) EndFor(day time.Weekday) (ClockTime, bool) {
	for _, dt := range p.EndTimes {
		if dt.Day == day {
			return dt.Time, true
		}
	}
	return ClockTime{}, false
}

// WorkWindow is one day's bookable interval in a concrete timezone. Derived
// from a Preference on demand, never persisted.
type WorkWindow struct {
	Date     time.Time // midnight of the day in Timezone
	Start    time.Time
	End      time.Time
	Timezone string
}

// Duration returns the window length.
func (w WorkWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
