package extcal

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

func testFeed() string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:evt-1",
		"DTSTAMP:20250601T000000Z",
		"DTSTART:20250602T090000Z",
		"DTEND:20250602T100000Z",
		"SUMMARY:Morning standup",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:evt-2",
		"DTSTAMP:20250601T000000Z",
		"DTSTART:20250710T090000Z",
		"DTEND:20250710T100000Z",
		"SUMMARY:Far future",
		"END:VEVENT",
		"END:VCALENDAR",
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func testLoggerFetcher() *Fetcher {
	return NewFetcher(nil, testLogger())
}

func TestBusyEventsFromICSFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(testFeed()))
	}))
	defer srv.Close()

	att := &models.Attendee{ID: "att-1", Timezone: "UTC", ICSURL: srv.URL}
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)

	events, err := testLoggerFetcher().BusyEvents(context.Background(), att, from, to)
	require.NoError(t, err)

	// Only the event inside the window survives the filter.
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "evt-1#att-1", ev.ID)
	assert.Equal(t, "Morning standup", ev.Title)
	assert.False(t, ev.Modifiable)
	assert.True(t, ev.StartTime.Equal(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)))
	assert.True(t, ev.EndTime.Equal(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))
}

func TestBusyEventsFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	att := &models.Attendee{ID: "att-1", ICSURL: srv.URL}
	_, err := testLoggerFetcher().BusyEvents(context.Background(), att, time.Now(), time.Now().Add(time.Hour))
	assert.Error(t, err)
}

func TestBusyEventsEndpointValidation(t *testing.T) {
	f := testLoggerFetcher()
	ctx := context.Background()
	now := time.Now()

	_, err := f.BusyEvents(ctx, &models.Attendee{ID: "att-1"}, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, faults.ErrValidation)

	both := &models.Attendee{ID: "att-1", ICSURL: "https://a", CalDAVURL: "https://b"}
	_, err = f.BusyEvents(ctx, both, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, faults.ErrValidation)
}
