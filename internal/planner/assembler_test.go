package planner

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plansync/internal/faults"
	"plansync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func slotAt(userID string, start time.Time) models.TimeSlot {
	return models.TimeSlot{
		HostID:    "host-1",
		UserID:    userID,
		StartTime: start,
		EndTime:   start.Add(15 * time.Minute),
	}
}

func partFor(userID, eventID string, start time.Time) models.EventPart {
	return models.EventPart{
		ID:        eventID + "_1",
		GroupID:   "group-" + eventID,
		Part:      1,
		LastPart:  1,
		EventID:   eventID,
		UserID:    userID,
		HostID:    "host-1",
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Modifiable: true,
	}
}

func attendee(id string) *models.Attendee {
	return &models.Attendee{ID: id, HostID: "host-1", Emails: []string{id + "@example.com"}}
}

func TestAssembleBuildsRequest(t *testing.T) {
	a := NewAssembler(testLogger())
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	req, batch, err := a.Assemble(AssembleInput{
		HostID:       "host-1",
		HostTimezone: "UTC",
		Kind:         "MEETING_ASSIST",
		Delay:        1000,
		CallBackURL:  "https://example.com/callbacks/planner",
		Users: []UserInput{{
			Attendee:   attendee("att-1"),
			Preference: &models.Preference{MaxWorkLoadPercent: 85, MinNumberOfBreaks: 1},
			WorkWindows: []models.WorkWindow{{
				Start: start,
				End:   start.Add(8 * time.Hour),
			}},
			Slots: []models.TimeSlot{slotAt("att-1", start)},
			Parts: []models.EventPart{partFor("att-1", "ev-1", start)},
		}},
	})
	require.NoError(t, err)
	require.True(t, batch.Empty())

	assert.NotEmpty(t, req.SingletonID)
	assert.Equal(t, "host-1", req.HostID)
	assert.Equal(t, fmt.Sprintf("host-1/%s_MEETING_ASSIST.json", req.SingletonID), req.FileKey)
	assert.Equal(t, int64(1000), req.Delay)
	require.Len(t, req.UserList, 1)
	assert.Equal(t, 85, req.UserList[0].MaxWorkLoadPercent)
	require.Len(t, req.Timeslots, 1)
	require.Len(t, req.EventParts, 1)

	ts := req.Timeslots[0]
	assert.Equal(t, "MONDAY", ts.DayOfWeek)
	assert.Equal(t, "09:00:00", ts.StartTime)
	assert.Equal(t, "09:15:00", ts.EndTime)
	assert.Equal(t, "--06-02", ts.MonthDay)
	assert.Equal(t, "2025-06-02", ts.Date)
}

func TestAssembleWireShape(t *testing.T) {
	a := NewAssembler(testLogger())
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	req, _, err := a.Assemble(AssembleInput{
		HostID:       "host-1",
		HostTimezone: "UTC",
		Kind:         "REPLAN",
		Users: []UserInput{{
			Attendee: attendee("att-1"),
			Slots:    []models.TimeSlot{slotAt("att-1", start)},
			Parts:    []models.EventPart{partFor("att-1", "ev-1", start)},
		}},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"singletonId", "hostId", "timeslots", "userList", "eventParts", "fileKey", "delay", "callBackUrl"} {
		assert.Contains(t, decoded, key)
	}
}

func TestAssembleExcludesSlotlessAttendee(t *testing.T) {
	a := NewAssembler(testLogger())
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	req, batch, err := a.Assemble(AssembleInput{
		HostID:       "host-1",
		HostTimezone: "UTC",
		Kind:         "MEETING_ASSIST",
		Users: []UserInput{
			{
				Attendee: attendee("att-ok"),
				Slots:    []models.TimeSlot{slotAt("att-ok", start)},
				Parts:    []models.EventPart{partFor("att-ok", "ev-1", start)},
			},
			{
				Attendee: attendee("att-stuck"),
				Parts:    []models.EventPart{partFor("att-stuck", "ev-2", start)},
			},
		},
	})
	require.NoError(t, err)

	// The stuck attendee is excluded and reported, not fatal.
	require.Len(t, batch.Encountered, 1)
	assert.Equal(t, "att-stuck", batch.Encountered[0].Key)
	assert.ErrorIs(t, batch.Encountered[0].Err, faults.ErrValidation)

	require.Len(t, req.UserList, 1)
	assert.Equal(t, "att-ok", req.UserList[0].ID)
	for _, p := range req.EventParts {
		assert.NotEqual(t, "att-stuck", p.UserID)
	}
}

func TestAssembleNothingPlannable(t *testing.T) {
	a := NewAssembler(testLogger())
	_, _, err := a.Assemble(AssembleInput{
		HostID:       "host-1",
		HostTimezone: "UTC",
		Users: []UserInput{{
			Attendee: attendee("att-1"),
			// Slots but no parts: nothing to place.
			Slots: []models.TimeSlot{slotAt("att-1", time.Now())},
		}},
	})
	assert.ErrorIs(t, err, faults.ErrValidation)
}

func TestAssembleRejectsBadInput(t *testing.T) {
	a := NewAssembler(testLogger())

	_, _, err := a.Assemble(AssembleInput{HostTimezone: "UTC"})
	assert.ErrorIs(t, err, faults.ErrValidation)

	_, _, err = a.Assemble(AssembleInput{HostID: "host-1", HostTimezone: "Bad/Zone", Users: []UserInput{{Attendee: attendee("a")}}})
	assert.ErrorIs(t, err, faults.ErrValidation)
}

func TestAssembleDedupesTimeslots(t *testing.T) {
	a := NewAssembler(testLogger())
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	dup := slotAt("att-1", start)

	req, _, err := a.Assemble(AssembleInput{
		HostID:       "host-1",
		HostTimezone: "UTC",
		Users: []UserInput{{
			Attendee: attendee("att-1"),
			Slots:    []models.TimeSlot{dup, dup},
			Parts:    []models.EventPart{partFor("att-1", "ev-1", start)},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, req.Timeslots, 1)
}
