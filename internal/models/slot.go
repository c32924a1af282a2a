package models

import "time"

// TimeSlot is a candidate interval an attendee could be booked into.
// Generated per planning run, never persisted.
type TimeSlot struct {
	HostID    string
	UserID    string
	StartTime time.Time
	EndTime   time.Time

	HostTimezone string
	UserTimezone string

	// FirstDay marks slots on the first day of the planning window, where
	// anything before now plus lead time has already been excluded.
	FirstDay bool
}

// Overlaps reports whether the slot intersects [start, end).
func (s TimeSlot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// EventPart is a plannable fragment of an event. Parts of one event share a
// GroupID and carry Part/LastPart sequence indices so the solver can keep
// them contiguous.
type EventPart struct {
	ID       string
	GroupID  string
	Part     int
	LastPart int

	EventID   string
	MeetingID string
	UserID    string
	HostID    string

	StartTime time.Time
	EndTime   time.Time

	Priority   int
	Modifiable bool

	IsBreak           bool
	IsMeeting         bool
	IsExternalMeeting bool
	DailyTaskList     bool
	WeeklyTaskList    bool

	IsPreEvent  bool
	IsPostEvent bool
	PreEventID  string
	PostEventID string

	PreferredTimeRanges []PreferredTimeRange
}

// Duration returns the part length.
func (p EventPart) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}
