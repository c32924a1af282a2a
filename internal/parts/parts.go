// Package parts decomposes events into plannable units for the solver and
// tags them with scheduling metadata.
package parts

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"plansync/internal/models"
)

// DefaultPartLength is the maximum contiguous plannable duration. Events
// longer than this are split into ordered parts sharing a group id.
const DefaultPartLength = 30 * time.Minute

// TaskPattern matches user-configured recurring tasks by title. Frequency
// decides whether matching events are tagged as daily or weekly task list
// entries.
type TaskPattern struct {
	Title     string
	Frequency rrule.Frequency // rrule.DAILY or rrule.WEEKLY
}

// Decomposer splits and tags events.
type Decomposer struct {
	PartLength   time.Duration
	TaskPatterns []TaskPattern
	logger       *slog.Logger
}

// NewDecomposer creates a Decomposer with the default part length.
func NewDecomposer(logger *slog.Logger, patterns []TaskPattern) *Decomposer {
	return &Decomposer{PartLength: DefaultPartLength, TaskPatterns: patterns, logger: logger}
}

// Decompose splits one event into ordered parts. Unmodifiable events come
// back as a single untagged part pinned to their current start and end, so
// the solver cannot move them.
func (d *Decomposer) Decompose(ev *models.Event, hostID string) []models.EventPart {
	groupID := uuid.New().String()

	if !ev.Modifiable {
		pin := models.PreferredTimeRange{
			ID:        uuid.New().String(),
			EventID:   ev.ID,
			HostID:    hostID,
			DayOfWeek: ev.StartTime.Weekday(),
			StartTime: models.ClockTime{Hour: ev.StartTime.Hour(), Minute: ev.StartTime.Minute()},
			EndTime:   models.ClockTime{Hour: ev.EndTime.Hour(), Minute: ev.EndTime.Minute()},
		}
		return []models.EventPart{{
			ID:        partID(ev.ID, 1),
			GroupID:   groupID,
			Part:      1,
			LastPart:  1,
			EventID:   ev.ID,
			MeetingID: ev.MeetingID,
			UserID:    ev.UserID,
			HostID:    hostID,
			StartTime: ev.StartTime,
			EndTime:   ev.EndTime,
			Priority:  ev.Priority,
			// Sole allowed slot is the event's own span.
			PreferredTimeRanges: []models.PreferredTimeRange{pin},
		}}
	}

	length := d.PartLength
	if length <= 0 {
		length = DefaultPartLength
	}

	var spans []struct{ start, end time.Time }
	for start := ev.StartTime; start.Before(ev.EndTime); start = start.Add(length) {
		end := start.Add(length)
		if end.After(ev.EndTime) {
			end = ev.EndTime
		}
		spans = append(spans, struct{ start, end time.Time }{start, end})
	}

	daily, weekly := d.matchTaskPattern(ev)

	out := make([]models.EventPart, 0, len(spans))
	for i, sp := range spans {
		out = append(out, models.EventPart{
			ID:                  partID(ev.ID, i+1),
			GroupID:             groupID,
			Part:                i + 1,
			LastPart:            len(spans),
			EventID:             ev.ID,
			MeetingID:           ev.MeetingID,
			UserID:              ev.UserID,
			HostID:              hostID,
			StartTime:           sp.start,
			EndTime:             sp.end,
			Priority:            ev.Priority,
			Modifiable:          true,
			IsBreak:             ev.IsBreak,
			IsMeeting:           ev.IsMeeting,
			IsExternalMeeting:   ev.IsExternalMeeting,
			DailyTaskList:       daily,
			WeeklyTaskList:      weekly,
			PreferredTimeRanges: ev.PreferredTimeRanges,
		})
	}
	return out
}

func partID(eventID string, part int) string {
	return fmt.Sprintf("%s_%d", eventID, part)
}

// matchTaskPattern reports whether the event matches a configured daily or
// weekly recurring-task pattern. Title matching is a case-insensitive
// substring check; the recurrence frequency must agree.
func (d *Decomposer) matchTaskPattern(ev *models.Event) (daily, weekly bool) {
	if len(d.TaskPatterns) == 0 || len(ev.Recurrence) == 0 {
		return false, false
	}
	freq, ok := recurrenceFrequency(ev.Recurrence)
	if !ok {
		return false, false
	}
	title := strings.ToLower(ev.Title)
	for _, p := range d.TaskPatterns {
		if !strings.Contains(title, strings.ToLower(p.Title)) {
			continue
		}
		if p.Frequency != freq {
			continue
		}
		switch freq {
		case rrule.DAILY:
			return true, false
		case rrule.WEEKLY:
			return false, true
		}
	}
	return false, false
}

// recurrenceFrequency parses the first RRULE line of an event.
func recurrenceFrequency(lines []string) (rrule.Frequency, bool) {
	for _, line := range lines {
		trimmed := strings.TrimPrefix(line, "RRULE:")
		opts, err := rrule.StrToROption(trimmed)
		if err != nil {
			continue
		}
		return opts.Freq, true
	}
	return 0, false
}

// ApplyBufferToOne inserts pre/post buffer parts around the parts of the
// given event, per policy. Parts already carrying buffer linkage are left
// alone, so re-application is a no-op.
func (d *Decomposer) ApplyBufferToOne(eventParts []models.EventPart, ev *models.Event, policy models.BufferTimeNumbers) []models.EventPart {
	var own []int
	for i, p := range eventParts {
		if p.EventID == ev.ID && !p.IsPreEvent && !p.IsPostEvent {
			own = append(own, i)
		}
	}
	if len(own) == 0 {
		return eventParts
	}

	first := &eventParts[own[0]]
	last := &eventParts[own[len(own)-1]]

	out := eventParts
	if policy.BeforeEvent > 0 && first.PreEventID == "" {
		preID := fmt.Sprintf("%s#pre", ev.ID)
		pre := models.EventPart{
			ID:          partID(preID, 1),
			GroupID:     first.GroupID,
			Part:        0,
			LastPart:    0,
			EventID:     preID,
			MeetingID:   ev.MeetingID,
			UserID:      ev.UserID,
			HostID:      first.HostID,
			StartTime:   first.StartTime.Add(-time.Duration(policy.BeforeEvent) * time.Minute),
			EndTime:     first.StartTime,
			Modifiable:  true,
			IsPreEvent:  true,
			PostEventID: ev.ID,
		}
		for _, i := range own {
			out[i].PreEventID = preID
		}
		out = append(out, pre)
	}
	if policy.AfterEvent > 0 && last.PostEventID == "" {
		postID := fmt.Sprintf("%s#post", ev.ID)
		post := models.EventPart{
			ID:          partID(postID, 1),
			GroupID:     last.GroupID,
			Part:        0,
			LastPart:    0,
			EventID:     postID,
			MeetingID:   ev.MeetingID,
			UserID:      ev.UserID,
			HostID:      last.HostID,
			StartTime:   last.EndTime,
			EndTime:     last.EndTime.Add(time.Duration(policy.AfterEvent) * time.Minute),
			Modifiable:  true,
			IsPostEvent: true,
			PreEventID:  ev.ID,
		}
		for _, i := range own {
			out[i].PostEventID = postID
		}
		out = append(out, post)
	}
	return out
}

// SweepBuffers applies buffer parts for every event in the batch that
// carries a buffer policy. Already-tagged parts are skipped, so the nightly
// sweep can re-run without duplicating buffers.
func (d *Decomposer) SweepBuffers(eventParts []models.EventPart, events []*models.Event) []models.EventPart {
	out := eventParts
	for _, ev := range events {
		if ev.TimeBlocking == nil || !ev.Modifiable {
			continue
		}
		out = d.ApplyBufferToOne(out, ev, *ev.TimeBlocking)
	}
	return out
}
