package models

import "time"

// MeetingAssist is a multi-attendee scheduling request not yet bound to a
// fixed time. The solver picks the time inside [WindowStart, WindowEnd).
type MeetingAssist struct {
	ID      string
	UserID  string // host
	Summary string
	Notes   string

	WindowStart time.Time
	WindowEnd   time.Time
	Duration    int // minutes
	Timezone    string

	PreferredTimeRanges []PreferredTimeRange
	Recurrence          []string
	ConferenceApp       string // "zoom" | "google" | ""

	Priority              int
	EnableConference      bool
	AttendeeCanModify     bool
	GuestsCanInviteOthers bool
	UseDefaultAlarms      bool
	Reminders             []int
	CancelIfAnyRefuse     bool

	// ExpireDate bounds how long a pending solver submission stays valid.
	// A callback arriving after it moves the assist to Abandoned.
	ExpireDate time.Time

	Cancelled bool
	Abandoned bool
	EventID   string // set once the assist has been applied to the calendar

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the assist's solver window has lapsed at now.
func (m *MeetingAssist) Expired(now time.Time) bool {
	return !m.ExpireDate.IsZero() && now.After(m.ExpireDate)
}

// Attendee is a participant of a MeetingAssist. Internal attendees carry a
// UserID and have a Preference; external attendees only have contact info
// and a connected calendar reachable over ICS or CalDAV.
type Attendee struct {
	ID        string
	MeetingID string
	EventID   string // set when the attendee is attached to a synced event
	UserID    string // empty for external attendees
	HostID    string
	Name      string
	Emails    []string
	Timezone  string

	ExternalAttendee bool
	ResponseStatus   string // "needsAction" | "accepted" | "declined" | "tentative"

	// External calendar endpoints, at most one set.
	ICSURL    string
	CalDAVURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryEmail returns the first email, or "".
func (a *Attendee) PrimaryEmail() string {
	if len(a.Emails) == 0 {
		return ""
	}
	return a.Emails[0]
}
