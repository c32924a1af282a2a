package models

import "time"

// EventStatus mirrors the provider's event lifecycle states.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// Method selects the provider mutation for an event. It is explicit rather
// than inferred from the presence of a provider id, because replanned events
// keep their id while changing time.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
)

// BufferTimeNumbers is a buffer policy in minutes around a meeting.
type BufferTimeNumbers struct {
	BeforeEvent int `json:"beforeEvent"`
	AfterEvent  int `json:"afterEvent"`
}

// Event is the canonical calendar event, independent of any specific
// calendar provider.
type Event struct {
	ID         string // internal id, "<uuid>#<calendarId>"
	UserID     string
	CalendarID string
	MeetingID  string // set when the event was born from a MeetingAssist

	Title     string
	Notes     string
	StartTime time.Time
	EndTime   time.Time
	Timezone  string
	AllDay    bool

	Recurrence []string // RRULE lines, provider pass-through
	Status     EventStatus
	Modifiable bool
	Priority   int
	Duration   int // minutes

	IsBreak           bool
	IsMeeting         bool
	IsExternalMeeting bool
	DailyTaskList     bool
	WeeklyTaskList    bool

	BackgroundColor string

	// Buffer linkage. A meeting points at its synthesized buffers via
	// PreEventID/PostEventID; a buffer points back via ForEventID.
	IsPreEvent   bool
	IsPostEvent  bool
	PreEventID   string
	PostEventID  string
	ForEventID   string
	TimeBlocking *BufferTimeNumbers

	ConferenceID string

	PreferredTimeRanges []PreferredTimeRange

	// Provider sync metadata.
	ProviderEventID string
	ICalUID         string
	HTMLLink        string

	Method    Method
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Overlaps reports whether the event's span intersects [start, end).
func (e *Event) Overlaps(start, end time.Time) bool {
	return e.StartTime.Before(end) && start.Before(e.EndTime)
}

// PreferredTimeRange restricts when an event may be placed. AnyDay means any
// day inside the planning window.
type PreferredTimeRange struct {
	ID         string
	EventID    string
	AttendeeID string
	HostID     string
	DayOfWeek  time.Weekday
	AnyDay     bool
	StartTime  ClockTime
	EndTime    ClockTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BufferTimeLink relates a meeting to its synthesized buffer events.
// It is deleted together with the parent.
type BufferTimeLink struct {
	ParentEventID string
	BeforeEventID string
	AfterEventID  string
}

// Conference is a meeting-join record (Zoom, Meet) attached to an event.
type Conference struct {
	ID         string
	UserID     string
	CalendarID string
	App        string // "zoom" | "google"
	Name       string
	JoinURL    string
	RequestID  string
	Notes      string
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Reminder is a minute-offset notification for an event.
type Reminder struct {
	ID         string
	UserID     string
	EventID    string
	Minutes    int
	Method     string // "email" | "popup"
	UseDefault bool
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Calendar is a provider calendar owned by a user.
type Calendar struct {
	ID              string
	UserID          string
	Title           string
	BackgroundColor string
	ColorID         string
	AccessLevel     string
	Resource        string
	Modifiable      bool
	GlobalPrimary   bool
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
