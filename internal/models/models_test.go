package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventOverlapsHalfOpen(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	ev := &Event{StartTime: start, EndTime: start.Add(time.Hour)}

	assert.True(t, ev.Overlaps(start.Add(30*time.Minute), start.Add(90*time.Minute)))
	// Touching boundaries do not overlap.
	assert.False(t, ev.Overlaps(start.Add(time.Hour), start.Add(2*time.Hour)))
	assert.False(t, ev.Overlaps(start.Add(-time.Hour), start))
}

func TestClockTimeOnRespectsDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// The day before and the day of the 2025 spring-forward transition have
	// different UTC offsets for the same wall-clock time.
	before := ClockTime{Hour: 12}.On(time.Date(2025, 3, 8, 0, 0, 0, 0, loc), loc)
	after := ClockTime{Hour: 12}.On(time.Date(2025, 3, 9, 0, 0, 0, 0, loc), loc)

	_, offBefore := before.Zone()
	_, offAfter := after.Zone()
	assert.NotEqual(t, offBefore, offAfter)
	assert.Equal(t, 12, before.Hour())
	assert.Equal(t, 12, after.Hour())
}

func TestFieldTriState(t *testing.T) {
	var target string

	target = "old"
	Field[string]{}.Apply(&target)
	assert.Equal(t, "old", target, "unset leaves the value alone")

	Set("new").Apply(&target)
	assert.Equal(t, "new", target)

	Null[string]().Apply(&target)
	assert.Empty(t, target)

	assert.False(t, Field[string]{}.Provided())
	assert.True(t, Set("x").Provided())
	assert.True(t, Null[string]().Provided())
}

func TestMeetingAssistExpired(t *testing.T) {
	now := time.Now().UTC()
	assert.False(t, (&MeetingAssist{}).Expired(now), "zero expire date never expires")
	assert.True(t, (&MeetingAssist{ExpireDate: now.Add(-time.Minute)}).Expired(now))
	assert.False(t, (&MeetingAssist{ExpireDate: now.Add(time.Minute)}).Expired(now))
}
