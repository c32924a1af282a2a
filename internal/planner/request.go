// Package planner assembles canonical solver requests from normalized
// users, slots and event parts, and submits them to the external
// constraint solver.
package planner

import (
	"fmt"
	"strings"
	"time"

	"plansync/internal/models"
)

// Wire shapes match the solver's documented request contract; field names
// must not change.

// WireWorkTime is one bookable work window of a user, wire form.
type WireWorkTime struct {
	DayOfWeek string `json:"dayOfWeek"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	UserID    string `json:"userId"`
	HostID    string `json:"hostId"`
}

// WireTimeSlot is one bookable quantum, wire form.
type WireTimeSlot struct {
	DayOfWeek string `json:"dayOfWeek"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	HostID    string `json:"hostId"`
	MonthDay  string `json:"monthDay"`
	Date      string `json:"date"`
}

// WirePreferredTimeRange pins an event part to allowed times.
type WirePreferredTimeRange struct {
	DayOfWeek string `json:"dayOfWeek,omitempty"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	EventID   string `json:"eventId"`
	UserID    string `json:"userId"`
	HostID    string `json:"hostId"`
}

// WireUser is the per-attendee planner body.
type WireUser struct {
	ID                  string         `json:"id"`
	HostID              string         `json:"hostId"`
	MaxWorkLoadPercent  int            `json:"maxWorkLoadPercent"`
	BackToBackMeetings  bool           `json:"backToBackMeetings"`
	MaxNumberOfMeetings int            `json:"maxNumberOfMeetings"`
	MinNumberOfBreaks   int            `json:"minNumberOfBreaks"`
	WorkTimes           []WireWorkTime `json:"workTimes"`
}

// WireEventPart is one plannable unit, wire form.
type WireEventPart struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	Part      int    `json:"part"`
	LastPart  int    `json:"lastPart"`
	EventID   string `json:"eventId"`
	MeetingID string `json:"meetingId,omitempty"`
	UserID    string `json:"userId"`
	HostID    string `json:"hostId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`

	Priority   int  `json:"priority"`
	Modifiable bool `json:"modifiable"`

	IsBreak           bool `json:"isBreak"`
	IsMeeting         bool `json:"isMeeting"`
	IsExternalMeeting bool `json:"isExternalMeeting"`
	DailyTaskList     bool `json:"dailyTaskList"`
	WeeklyTaskList    bool `json:"weeklyTaskList"`

	IsPreEvent  bool   `json:"isPreEvent"`
	IsPostEvent bool   `json:"isPostEvent"`
	PreEventID  string `json:"preEventId,omitempty"`
	PostEventID string `json:"postEventId,omitempty"`

	PreferredTimeRanges []WirePreferredTimeRange `json:"preferredTimeRanges,omitempty"`
}

// Request is the full solver submission. The solver replies asynchronously
// to CallBackURL; SingletonID correlates the reply.
type Request struct {
	SingletonID string          `json:"singletonId"`
	HostID      string          `json:"hostId"`
	Timeslots   []WireTimeSlot  `json:"timeslots"`
	UserList    []WireUser      `json:"userList"`
	EventParts  []WireEventPart `json:"eventParts"`
	FileKey     string          `json:"fileKey"`
	Delay       int64           `json:"delay"`
	CallBackURL string          `json:"callBackUrl"`
}

// SolvedEventPart is one placed part in the solver's callback payload.
type SolvedEventPart struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	Part      int    `json:"part"`
	LastPart  int    `json:"lastPart"`
	EventID   string `json:"eventId"`
	UserID    string `json:"userId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// Callback is the asynchronous solver reply.
type Callback struct {
	SingletonID string            `json:"singletonId"`
	HostID      string            `json:"hostId"`
	FileKey     string            `json:"fileKey"`
	Solved      bool              `json:"solved"`
	Message     string            `json:"message,omitempty"`
	EventParts  []SolvedEventPart `json:"eventPartList"`
}

func wireDay(d time.Weekday) string {
	return strings.ToUpper(d.String())
}

func wireClock(t time.Time) string {
	return t.Format("15:04:05")
}

func wireTimeSlot(ts models.TimeSlot, loc *time.Location) WireTimeSlot {
	start := ts.StartTime.In(loc)
	end := ts.EndTime.In(loc)
	return WireTimeSlot{
		DayOfWeek: wireDay(start.Weekday()),
		StartTime: wireClock(start),
		EndTime:   wireClock(end),
		HostID:    ts.HostID,
		MonthDay:  fmt.Sprintf("--%02d-%02d", int(start.Month()), start.Day()),
		Date:      start.Format("2006-01-02"),
	}
}

func wirePreferredRange(r models.PreferredTimeRange, userID string) WirePreferredTimeRange {
	out := WirePreferredTimeRange{
		StartTime: r.StartTime.String(),
		EndTime:   r.EndTime.String(),
		EventID:   r.EventID,
		UserID:    userID,
		HostID:    r.HostID,
	}
	if !r.AnyDay {
		out.DayOfWeek = wireDay(r.DayOfWeek)
	}
	return out
}

func wireEventPart(p models.EventPart, loc *time.Location) WireEventPart {
	out := WireEventPart{
		ID:                p.ID,
		GroupID:           p.GroupID,
		Part:              p.Part,
		LastPart:          p.LastPart,
		EventID:           p.EventID,
		MeetingID:         p.MeetingID,
		UserID:            p.UserID,
		HostID:            p.HostID,
		StartDate:         p.StartTime.In(loc).Format(time.RFC3339),
		EndDate:           p.EndTime.In(loc).Format(time.RFC3339),
		Priority:          p.Priority,
		Modifiable:        p.Modifiable,
		IsBreak:           p.IsBreak,
		IsMeeting:         p.IsMeeting,
		IsExternalMeeting: p.IsExternalMeeting,
		DailyTaskList:     p.DailyTaskList,
		WeeklyTaskList:    p.WeeklyTaskList,
		IsPreEvent:        p.IsPreEvent,
		IsPostEvent:       p.IsPostEvent,
		PreEventID:        p.PreEventID,
		PostEventID:       p.PostEventID,
	}
	for _, r := range p.PreferredTimeRanges {
		out.PreferredTimeRanges = append(out.PreferredTimeRanges, wirePreferredRange(r, p.UserID))
	}
	return out
}
