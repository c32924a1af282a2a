// Package prefs normalizes raw per-day work-time preferences into concrete
// work windows for a date and timezone.
package prefs

import (
	"fmt"
	"log/slog"
	"time"

	"plansync/internal/models"
)

// minWindow is the smallest bookable work window. Shorter configured
// windows are clamped up to this length.
const minWindow = 30 * time.Minute

// Normalizer converts Preference records into WorkWindows.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// WorkWindows returns the ordered bookable windows for one date in tz. An
// empty result means the day is fully blocked and is not an error. A
// degenerate configured window (start >= end) is dropped with a logged
// policy violation.
func (n *Normalizer) WorkWindows(pref *models.Preference, date time.Time, tz string) ([]models.WorkWindow, error) {
	if pref == nil {
		return nil, fmt.Errorf("no preference provided")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	localDate := date.In(loc)
	day := localDate.Weekday()

	startCT, okStart := pref.StartFor(day)
	endCT, okEnd := pref.EndFor(day)
	if !okStart || !okEnd {
		n.logger.Debug("No work times configured for day", "userId", pref.UserID, "day", day.String())
		return nil, nil
	}

	// time.Date in loc handles DST transitions on this specific date.
	start := startCT.On(localDate, loc)
	end := endCT.On(localDate, loc)

	if !start.Before(end) {
		n.logger.Warn("Dropping degenerate work window", "userId", pref.UserID, "day", day.String(), "start", startCT.String(), "end", endCT.String())
		return nil, nil
	}
	if end.Sub(start) < minWindow {
		end = start.Add(minWindow)
	}

	return []models.WorkWindow{{
		Date:     time.Date(localDate.Year(), localDate.Month(), localDate.Day(), 0, 0, 0, 0, loc),
		Start:    start,
		End:      end,
		Timezone: tz,
	}}, nil
}

// WorkWindowsForRange returns windows for each day of [from, to] inclusive.
func (n *Normalizer) WorkWindowsForRange(pref *models.Preference, from, to time.Time, tz string) ([]models.WorkWindow, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	var out []models.WorkWindow
	day := from.In(loc)
	last := to.In(loc)
	for !day.After(last) {
		windows, err := n.WorkWindows(pref, day, tz)
		if err != nil {
			return nil, err
		}
		out = append(out, windows...)
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

// DefaultPreference returns the onboarding policy: weekday 08:00-18:00
// windows, 85% workload cap, one 30-minute break.
func DefaultPreference(userID string) *models.Preference {
	var starts, ends []models.DayTime
	for day := time.Monday; day <= time.Friday; day++ {
		starts = append(starts, models.DayTime{Day: day, Time: models.ClockTime{Hour: 8}})
		ends = append(ends, models.DayTime{Day: day, Time: models.ClockTime{Hour: 18}})
	}
	now := time.Now().UTC()
	return &models.Preference{
		ID:                  userID,
		UserID:              userID,
		StartTimes:          starts,
		EndTimes:            ends,
		MaxWorkLoadPercent:  85,
		MinNumberOfBreaks:   1,
		BreakLength:         30,
		BreakColor:          "#F7EBF7",
		MaxNumberOfMeetings: 6,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
