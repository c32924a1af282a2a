package prefs

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plansync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func prefFor(day time.Weekday, start, end models.ClockTime) *models.Preference {
	return &models.Preference{
		ID:     "pref-1",
		UserID: "user-1",
		StartTimes: []models.DayTime{{Day: day, Time: start}},
		EndTimes:   []models.DayTime{{Day: day, Time: end}},
	}
}

func TestWorkWindowsBasic(t *testing.T) {
	n := NewNormalizer(testLogger())
	// Monday 2025-06-02.
	date := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	pref := prefFor(time.Monday, models.ClockTime{Hour: 9}, models.ClockTime{Hour: 17})

	windows, err := n.WorkWindows(pref, date, "UTC")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 9, windows[0].Start.Hour())
	assert.Equal(t, 17, windows[0].End.Hour())
	assert.Equal(t, 8*time.Hour, windows[0].Duration())
}

func TestWorkWindowsDSTSpringForward(t *testing.T) {
	n := NewNormalizer(testLogger())
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2025-03-09 is the US spring-forward date; 02:00 local does not exist.
	date := time.Date(2025, 3, 9, 12, 0, 0, 0, loc)
	pref := prefFor(time.Sunday, models.ClockTime{Hour: 1}, models.ClockTime{Hour: 5})

	windows, err := n.WorkWindows(pref, date, "America/New_York")
	require.NoError(t, err)
	require.Len(t, windows, 1)

	// The wall-clock endpoints hold even though an hour was skipped, so the
	// absolute duration is one hour shorter than the naive four.
	assert.Equal(t, 1, windows[0].Start.In(loc).Hour())
	assert.Equal(t, 5, windows[0].End.In(loc).Hour())
	assert.Equal(t, 3*time.Hour, windows[0].End.Sub(windows[0].Start))
}

func TestWorkWindowsDegenerateDropped(t *testing.T) {
	n := NewNormalizer(testLogger())
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	pref := prefFor(time.Monday, models.ClockTime{Hour: 18}, models.ClockTime{Hour: 9})

	windows, err := n.WorkWindows(pref, date, "UTC")
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestWorkWindowsUnconfiguredDay(t *testing.T) {
	n := NewNormalizer(testLogger())
	// Saturday with a Monday-only preference.
	date := time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
	pref := prefFor(time.Monday, models.ClockTime{Hour: 9}, models.ClockTime{Hour: 17})

	windows, err := n.WorkWindows(pref, date, "UTC")
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestWorkWindowsClampedToMinimum(t *testing.T) {
	n := NewNormalizer(testLogger())
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	pref := prefFor(time.Monday, models.ClockTime{Hour: 9}, models.ClockTime{Hour: 9, Minute: 10})

	windows, err := n.WorkWindows(pref, date, "UTC")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 30*time.Minute, windows[0].Duration())
}

func TestWorkWindowsInvalidTimezone(t *testing.T) {
	n := NewNormalizer(testLogger())
	pref := DefaultPreference("user-1")
	_, err := n.WorkWindows(pref, time.Now(), "Not/AZone")
	assert.Error(t, err)
}

func TestWorkWindowsForRange(t *testing.T) {
	n := NewNormalizer(testLogger())
	pref := DefaultPreference("user-1")

	// Monday through Sunday: default preference covers weekdays only.
	from := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)

	windows, err := n.WorkWindowsForRange(pref, from, to, "UTC")
	require.NoError(t, err)
	assert.Len(t, windows, 5)
	for i := 1; i < len(windows); i++ {
		assert.True(t, windows[i-1].Start.Before(windows[i].Start))
	}
}

func TestDefaultPreference(t *testing.T) {
	pref := DefaultPreference("user-1")
	assert.Equal(t, 85, pref.MaxWorkLoadPercent)
	assert.Equal(t, 1, pref.MinNumberOfBreaks)
	assert.Equal(t, 30, pref.BreakLength)

	start, ok := pref.StartFor(time.Wednesday)
	require.True(t, ok)
	assert.Equal(t, 8, start.Hour)
	_, ok = pref.StartFor(time.Sunday)
	assert.False(t, ok)
}
