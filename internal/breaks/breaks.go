// Package breaks synthesizes buffer events around meetings and rest-break
// events that satisfy workload policies.
package breaks

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"plansync/internal/models"
	"plansync/internal/slots"
)

// minBreakLength is the floor applied to configured break lengths.
const minBreakLength = 15

// Synthesizer builds buffer and break events.
type Synthesizer struct {
	// MinBuffer is the shortest buffer worth creating. A buffer squeezed
	// below this by adjacent busy time is omitted rather than shortened.
	MinBuffer time.Duration
	logger    *slog.Logger
}

// NewSynthesizer creates a Synthesizer that accepts any positive buffer.
func NewSynthesizer(logger *slog.Logger) *Synthesizer {
	return &Synthesizer{logger: logger}
}

// SynthesizeBuffers creates up to two buffer events adjacent to the
// meeting. A buffer is shortened to fit when the adjacent slot is partly
// occupied, and omitted when nothing (or less than MinBuffer) is free; it
// is never pushed to overlap busy time.
func (s *Synthesizer) SynthesizeBuffers(meeting *models.Event, policy models.BufferTimeNumbers, busy []*models.Event, now time.Time) (before, after *models.Event, link *models.BufferTimeLink) {
	if policy.BeforeEvent > 0 {
		start := meeting.StartTime.Add(-time.Duration(policy.BeforeEvent) * time.Minute)
		end := meeting.StartTime
		for _, ev := range busy {
			if ev.ID == meeting.ID || ev.Deleted || ev.Status == models.StatusCancelled {
				continue
			}
			if ev.Overlaps(start, end) && ev.EndTime.After(start) {
				start = ev.EndTime
			}
		}
		if end.Sub(start) >= s.minBuffer() {
			before = s.bufferEvent(meeting, start, end, true, now)
		} else {
			s.logger.Debug("Omitting pre-buffer, no room", "eventId", meeting.ID)
		}
	}

	if policy.AfterEvent > 0 {
		start := meeting.EndTime
		end := meeting.EndTime.Add(time.Duration(policy.AfterEvent) * time.Minute)
		for _, ev := range busy {
			if ev.ID == meeting.ID || ev.Deleted || ev.Status == models.StatusCancelled {
				continue
			}
			if ev.Overlaps(start, end) && ev.StartTime.Before(end) {
				end = ev.StartTime
			}
		}
		if end.Sub(start) >= s.minBuffer() {
			after = s.bufferEvent(meeting, start, end, false, now)
		} else {
			s.logger.Debug("Omitting post-buffer, no room", "eventId", meeting.ID)
		}
	}

	if before == nil && after == nil {
		return nil, nil, nil
	}
	link = &models.BufferTimeLink{ParentEventID: meeting.ID}
	if before != nil {
		link.BeforeEventID = before.ID
	}
	if after != nil {
		link.AfterEventID = after.ID
	}
	return before, after, link
}

func (s *Synthesizer) minBuffer() time.Duration {
	if s.MinBuffer <= 0 {
		return time.Minute
	}
	return s.MinBuffer
}

func (s *Synthesizer) bufferEvent(meeting *models.Event, start, end time.Time, pre bool, now time.Time) *models.Event {
	id := uuid.New().String() + "#" + meeting.CalendarID
	ev := &models.Event{
		ID:          id,
		UserID:      meeting.UserID,
		CalendarID:  meeting.CalendarID,
		Title:       meeting.Title,
		StartTime:   start,
		EndTime:     end,
		Timezone:    meeting.Timezone,
		Status:      models.StatusConfirmed,
		Modifiable:  true,
		Duration:    int(end.Sub(start) / time.Minute),
		IsPreEvent:  pre,
		IsPostEvent: !pre,
		ForEventID:  meeting.ID,
		Method:      models.MethodCreate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if pre {
		ev.Title = "Prep: " + meeting.Title
	} else {
		ev.Title = "Debrief: " + meeting.Title
	}
	return ev
}

// ShouldGenerateBreaksForDay decides whether a day's schedule violates the
// workload policy and needs synthetic breaks. Required break hours are the
// larger of the configured minimum breaks and the workload-cap remainder;
// break time already on the calendar counts against it.
func ShouldGenerateBreaksForDay(workingHours float64, pref *models.Preference, dayEvents []*models.Event) bool {
	if pref == nil || pref.BreakLength <= 0 {
		return false
	}
	if len(dayEvents) == 0 {
		return false
	}

	required := requiredBreakHours(workingHours, pref)
	used := breakHoursUsed(dayEvents)
	return used < required
}

func requiredBreakHours(workingHours float64, pref *models.Preference) float64 {
	fromMinBreaks := float64(pref.BreakLength) / 60 * float64(pref.MinNumberOfBreaks)
	fromWorkload := workingHours * (1 - float64(pref.MaxWorkLoadPercent)/100)
	return math.Max(fromMinBreaks, fromWorkload)
}

func breakHoursUsed(dayEvents []*models.Event) float64 {
	var used float64
	for _, ev := range dayEvents {
		if ev.IsBreak && !ev.Deleted {
			used += ev.EndTime.Sub(ev.StartTime).Hours()
		}
	}
	return used
}

// GenerateBreaks creates n break events mirrored from a template event
// (calendar, timezone, color). Starts are provisional; PlaceBreaks assigns
// the real slots.
func GenerateBreaks(pref *models.Preference, n int, mirror *models.Event, now time.Time) []*models.Event {
	if pref == nil || pref.BreakLength <= 0 || n <= 0 || mirror == nil {
		return nil
	}
	length := pref.BreakLength
	if length < minBreakLength {
		length = minBreakLength
	}
	color := pref.BreakColor
	if color == "" {
		color = "#F7EBF7"
	}

	out := make([]*models.Event, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New().String() + "#" + mirror.CalendarID
		out = append(out, &models.Event{
			ID:              id,
			UserID:          pref.UserID,
			CalendarID:      mirror.CalendarID,
			Title:           "Break",
			Notes:           "Break",
			StartTime:       mirror.StartTime,
			EndTime:         mirror.StartTime.Add(time.Duration(length) * time.Minute),
			Timezone:        mirror.Timezone,
			Status:          models.StatusConfirmed,
			Modifiable:      true,
			Priority:        1,
			Duration:        length,
			IsBreak:         true,
			BackgroundColor: color,
			Method:          models.MethodCreate,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return out
}

// PlaceBreaks assigns start times to the generated breaks inside the day's
// remaining free gaps, largest gap first, never overlapping existing events
// or each other. Breaks that do not fit anywhere are dropped.
func PlaceBreaks(breakEvents []*models.Event, windows []models.WorkWindow, busy []*models.Event, logger *slog.Logger) []*models.Event {
	free := make([]slots.Interval, 0, len(windows))
	for _, w := range windows {
		free = append(free, slots.Interval{Start: w.Start, End: w.End})
	}
	var busyIvs []slots.Interval
	for _, ev := range busy {
		if ev.Deleted || ev.Status == models.StatusCancelled {
			continue
		}
		busyIvs = append(busyIvs, slots.Interval{Start: ev.StartTime, End: ev.EndTime})
	}
	gaps := slots.Subtract(free, busyIvs)
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Duration() > gaps[j].Duration() })

	var placed []*models.Event
	for _, br := range breakEvents {
		length := br.EndTime.Sub(br.StartTime)
		fit := -1
		for i := range gaps {
			if gaps[i].Duration() >= length {
				fit = i
				break
			}
		}
		if fit == -1 {
			if logger != nil {
				logger.Debug("No gap left for break event", "breakId", br.ID)
			}
			continue
		}
		br.StartTime = gaps[fit].Start
		br.EndTime = br.StartTime.Add(length)
		gaps[fit].Start = br.EndTime
		sort.Slice(gaps, func(i, j int) bool { return gaps[i].Duration() > gaps[j].Duration() })
		placed = append(placed, br)
	}
	return placed
}

// BreaksForDay runs the full per-day pipeline: decide, size, generate and
// place. Re-running for a day that already carries enough live break events
// returns nil; the isBreak marker on existing events is the idempotence
// check, not any random id.
func (s *Synthesizer) BreaksForDay(pref *models.Preference, windows []models.WorkWindow, dayEvents []*models.Event, now time.Time) []*models.Event {
	if len(windows) == 0 || len(dayEvents) == 0 {
		return nil
	}
	var workingHours float64
	for _, w := range windows {
		workingHours += w.Duration().Hours()
	}
	if !ShouldGenerateBreaksForDay(workingHours, pref, dayEvents) {
		return nil
	}

	length := pref.BreakLength
	if length < minBreakLength {
		length = minBreakLength
	}
	missing := requiredBreakHours(workingHours, pref) - breakHoursUsed(dayEvents)
	n := int(math.Ceil(missing / (float64(length) / 60)))
	if n < pref.MinNumberOfBreaks-countBreaks(dayEvents) {
		n = pref.MinNumberOfBreaks - countBreaks(dayEvents)
	}
	if n <= 0 {
		return nil
	}

	generated := GenerateBreaks(pref, n, dayEvents[0], now)
	return PlaceBreaks(generated, windows, dayEvents, s.logger)
}

func countBreaks(evs []*models.Event) int {
	var n int
	for _, ev := range evs {
		if ev.IsBreak && !ev.Deleted {
			n++
		}
	}
	return n
}
