package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"plansync/internal/models"
)

const (
	credentialsFile = "credentials.json"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{service: service, logger: logger}, nil
}

// NewClientFromService wraps an existing calendar service. Used by tests
// pointed at a stub HTTP server.
func NewClientFromService(service *calendar.Service, logger *slog.Logger) *CalendarClient {
	return &CalendarClient{service: service, logger: logger}
}

// EventPage is one page of a provider listing.
type EventPage struct {
	Items         []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

// ListEventsPage fetches one page of events. Exactly one of syncToken and
// pageToken may be set: a page token continues pagination, a sync token
// starts a new incremental pass, and neither starts a full sync.
// A provider 410 surfaces as faults.ErrSyncTokenInvalid and is never
// retried here; transient errors are retried with backoff.
func (c *CalendarClient) ListEventsPage(ctx context.Context, calendarID, syncToken, pageToken string) (*EventPage, error) {
	if syncToken != "" && pageToken != "" {
		return nil, fmt.Errorf("sync token and page token are mutually exclusive")
	}

	var page *EventPage
	err := withRetry(ctx, c.logger, "events.list", func() error {
		call := c.service.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return classify(err)
		}
		page = &EventPage{
			Items:         res.Items,
			NextPageToken: res.NextPageToken,
			NextSyncToken: res.NextSyncToken,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events for calendar %s: %w", calendarID, err)
	}
	return page, nil
}

// InsertEvent creates an event on the provider calendar and returns the
// created resource.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	var created *calendar.Event
	err := withRetry(ctx, c.logger, "events.insert", func() error {
		res, err := c.service.Events.Insert(calendarID, ev).
			ConferenceDataVersion(1).
			Context(ctx).
			Do()
		if err != nil {
			return classify(err)
		}
		created = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	c.logger.Info("Inserted provider event", "calendarId", calendarID, "eventId", created.Id)
	return created, nil
}

// PatchEvent patches an existing provider event.
func (c *CalendarClient) PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	var patched *calendar.Event
	err := withRetry(ctx, c.logger, "events.patch", func() error {
		res, err := c.service.Events.Patch(calendarID, eventID, ev).
			ConferenceDataVersion(1).
			Context(ctx).
			Do()
		if err != nil {
			return classify(err)
		}
		patched = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to patch event %s: %w", eventID, err)
	}
	c.logger.Info("Patched provider event", "calendarId", calendarID, "eventId", eventID)
	return patched, nil
}

// Watch registers a push channel for a calendar. The provider posts change
// notifications to address with the channel id echoed in a header.
func (c *CalendarClient) Watch(ctx context.Context, calendarID, channelID, address, token string) (resourceID string, expiration time.Time, err error) {
	var ch *calendar.Channel
	err = withRetry(ctx, c.logger, "events.watch", func() error {
		res, err := c.service.Events.Watch(calendarID, &calendar.Channel{
			Id:      channelID,
			Type:    "web_hook",
			Address: address,
			Token:   token,
		}).Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		ch = res
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to watch calendar %s: %w", calendarID, err)
	}
	exp := time.UnixMilli(ch.Expiration)
	c.logger.Info("Registered watch channel", "calendarId", calendarID, "channelId", channelID, "expiration", exp)
	return ch.ResourceId, exp, nil
}

// StopChannel stops a push channel.
func (c *CalendarClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := withRetry(ctx, c.logger, "channels.stop", func() error {
		if err := c.service.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do(); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to stop channel %s: %w", channelID, err)
	}
	return nil
}

// ToInternalEvent converts a provider event to the canonical model. Fields
// the engine does not modify round-trip through ExtendedProperties.
func ToInternalEvent(item *calendar.Event, userID, calendarID string) (*models.Event, error) {
	start, tz, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s has invalid start: %w", item.Id, err)
	}
	end, _, _, err := parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("event %s has invalid end: %w", item.Id, err)
	}

	ev := &models.Event{
		ID:              item.Id + "#" + calendarID,
		UserID:          userID,
		CalendarID:      calendarID,
		Title:           item.Summary,
		Notes:           item.Description,
		StartTime:       start,
		EndTime:         end,
		Timezone:        tz,
		AllDay:          allDay,
		Recurrence:      item.Recurrence,
		Status:          models.EventStatus(item.Status),
		Modifiable:      true,
		Duration:        int(end.Sub(start) / time.Minute),
		ProviderEventID: item.Id,
		ICalUID:         item.ICalUID,
		HTMLLink:        item.HtmlLink,
		Method:          models.MethodUpdate,
		UpdatedAt:       time.Now().UTC(),
	}

	if props := item.ExtendedProperties; props != nil && props.Private != nil {
		ev.IsBreak = props.Private["isBreak"] == "true"
		ev.IsMeeting = props.Private["isMeeting"] == "true"
		ev.IsExternalMeeting = props.Private["isExternalMeeting"] == "true"
		if props.Private["modifiable"] == "false" {
			ev.Modifiable = false
		}
	}
	if item.ConferenceData != nil {
		ev.ConferenceID = item.ConferenceData.ConferenceId
	}
	return ev, nil
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, string, bool, error) {
	if edt == nil {
		return time.Time{}, "", false, fmt.Errorf("missing time")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, "", false, err
		}
		if edt.TimeZone != "" {
			if loc, lerr := time.LoadLocation(edt.TimeZone); lerr == nil {
				t = t.In(loc)
			}
		}
		return t, edt.TimeZone, false, nil
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, "", false, err
		}
		return t, edt.TimeZone, true, nil
	}
	return time.Time{}, "", false, fmt.Errorf("missing time")
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope, calendar.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(context.Background(), authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// DiscoverCalendars lists the calendars of the authenticated account as
// canonical records.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context, userID string) ([]*models.Calendar, error) {
	var list *calendar.CalendarList
	err := withRetry(ctx, c.logger, "calendarList.list", func() error {
		res, err := c.service.CalendarList.List().Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		list = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	now := time.Now().UTC()
	var out []*models.Calendar
	for _, item := range list.Items {
		out = append(out, &models.Calendar{
			ID:              item.Id,
			UserID:          userID,
			Title:           item.Summary,
			BackgroundColor: item.BackgroundColor,
			ColorID:         item.ColorId,
			AccessLevel:     item.AccessRole,
			Modifiable:      item.AccessRole == "owner" || item.AccessRole == "writer",
			GlobalPrimary:   item.Primary,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

// GetTokenAccounts lists the locally stored account token files.
func GetTokenAccounts() ([]string, error) {
	files, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
