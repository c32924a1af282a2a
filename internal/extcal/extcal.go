// Package extcal reads external attendees' availability from calendars the
// engine does not own, over an ICS feed URL or a CalDAV collection.
package extcal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"plansync/internal/faults"
	"plansync/internal/models"
)

// basicAuthTransport adds Basic Auth and an identifying User-Agent to every
// CalDAV request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", "plansync/1.0")
	return t.Transport.RoundTrip(req)
}

// Credentials are per-attendee CalDAV credentials, looked up by attendee id.
// ICS feeds are capability URLs and need none.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource resolves CalDAV credentials for an attendee.
type CredentialSource interface {
	CalDAVCredentials(attendeeID string) (Credentials, bool)
}

// Fetcher loads busy events for external attendees. It is strictly
// read-only; nothing is ever written back to the external calendar.
type Fetcher struct {
	httpClient *http.Client
	creds      CredentialSource
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. creds may be nil when only ICS feeds are in
// use.
func NewFetcher(creds CredentialSource, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
		logger:     logger,
	}
}

// BusyEvents fetches the attendee's events overlapping [from, to). The
// attendee must carry exactly one of ICSURL or CalDAVURL.
func (f *Fetcher) BusyEvents(ctx context.Context, att *models.Attendee, from, to time.Time) ([]*models.Event, error) {
	switch {
	case att.ICSURL != "" && att.CalDAVURL != "":
		return nil, faults.Validationf("attendee %s has both an ICS and a CalDAV endpoint", att.ID)
	case att.ICSURL != "":
		return f.fromICSFeed(ctx, att, from, to)
	case att.CalDAVURL != "":
		return f.fromCalDAV(ctx, att, from, to)
	default:
		return nil, faults.Validationf("attendee %s has no connected external calendar", att.ID)
	}
}

// fromICSFeed downloads a published ICS feed and filters it to the window.
func (f *Fetcher) fromICSFeed(ctx context.Context, att *models.Attendee, from, to time.Time) ([]*models.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.ICSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ICS request: %w", err)
	}
	req.Header.Set("User-Agent", "plansync/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ICS feed for %s: %w", att.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ICS feed for %s returned status %d", att.ID, resp.StatusCode)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ICS feed for %s: %w", att.ID, err)
	}

	events := f.fromCalendar(cal, att, from, to)
	f.logger.Debug("Fetched ICS feed", "attendeeId", att.ID, "events", len(events))
	return events, nil
}

// fromCalDAV runs a time-range calendar-query against the attendee's
// collection.
func (f *Fetcher) fromCalDAV(ctx context.Context, att *models.Attendee, from, to time.Time) ([]*models.Event, error) {
	transport := &basicAuthTransport{Transport: http.DefaultTransport}
	if f.creds != nil {
		if c, ok := f.creds.CalDAVCredentials(att.ID); ok {
			transport.Username = c.Username
			transport.Password = c.Password
		}
	}

	client, err := caldav.NewClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}, att.CalDAVURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client for %s: %w", att.ID, err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := client.QueryCalendar(ctx, att.CalDAVURL, query)
	if err != nil {
		return nil, fmt.Errorf("caldav query failed for %s: %w", att.ID, err)
	}

	var events []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		events = append(events, f.fromCalendar(obj.Data, att, from, to)...)
	}
	f.logger.Debug("Fetched CalDAV collection", "attendeeId", att.ID, "events", len(events))
	return events, nil
}

// fromCalendar maps VEVENTs overlapping the window into busy events. Values
// the slot generator does not read are left at their zero values; external
// events are never modifiable.
func (f *Fetcher) fromCalendar(cal *ical.Calendar, att *models.Attendee, from, to time.Time) []*models.Event {
	loc := locationFor(att.Timezone)

	var out []*models.Event
	for _, ve := range cal.Events() {
		start, err := ve.DateTimeStart(loc)
		if err != nil {
			f.logger.Warn("Skipping VEVENT with unreadable start", "attendeeId", att.ID, "error", err)
			continue
		}
		end, err := ve.DateTimeEnd(loc)
		if err != nil || !end.After(start) {
			continue
		}
		if !start.Before(to) || !end.After(from) {
			continue
		}

		uid, _ := ve.Props.Text(ical.PropUID)
		title, _ := ve.Props.Text(ical.PropSummary)
		out = append(out, &models.Event{
			ID:         uid + "#" + att.ID,
			UserID:     att.ID,
			Title:      title,
			StartTime:  start,
			EndTime:    end,
			Timezone:   att.Timezone,
			Status:     models.StatusConfirmed,
			Modifiable: false,
		})
	}
	return out
}

func locationFor(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
