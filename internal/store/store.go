// Package store abstracts the internal datastore. The engine only needs
// typed CRUD plus filtered lists with last-writer-wins updatedAt semantics;
// the production backend is a relational/GraphQL service, tests and local
// runs use the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"plansync/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the single shared mutable resource of the engine. All writes to
// a given row are last-writer-wins keyed by UpdatedAt; concurrent writers
// are never merged field-by-field.
type Store interface {
	// Events.
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetEventByProviderID(ctx context.Context, calendarID, providerEventID string) (*models.Event, error)
	UpsertEvent(ctx context.Context, ev *models.Event) error
	PatchEvent(ctx context.Context, id string, p models.EventPatch) (*models.Event, error)
	ListEventsForUser(ctx context.Context, userID string, from, to time.Time) ([]*models.Event, error)

	// Sync state.
	GetSyncState(ctx context.Context, calendarID string) (*models.SyncState, error)
	GetSyncStateByChannel(ctx context.Context, channelID string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, st *models.SyncState) error
	PatchSyncState(ctx context.Context, calendarID string, p models.SyncStatePatch) (*models.SyncState, error)

	// Preferences.
	GetPreference(ctx context.Context, userID string) (*models.Preference, error)
	SavePreference(ctx context.Context, pref *models.Preference) error

	// Meeting assists and attendees.
	GetMeetingAssist(ctx context.Context, id string) (*models.MeetingAssist, error)
	SaveMeetingAssist(ctx context.Context, ma *models.MeetingAssist) error
	ListAttendeesForMeeting(ctx context.Context, meetingID string) ([]*models.Attendee, error)
	ListAttendeesForEvent(ctx context.Context, eventID string) ([]*models.Attendee, error)
	UpsertAttendee(ctx context.Context, a *models.Attendee) error
	DeleteAttendeesForEvent(ctx context.Context, eventID string) error

	// Conferences.
	GetConference(ctx context.Context, id string) (*models.Conference, error)
	SaveConference(ctx context.Context, c *models.Conference) error
	DeleteConference(ctx context.Context, id string) error

	// Reminders.
	ListRemindersForEvent(ctx context.Context, eventID string) ([]*models.Reminder, error)
	SaveReminder(ctx context.Context, r *models.Reminder) error
	DeleteRemindersForEvent(ctx context.Context, eventID string) error

	// Calendars.
	ListCalendarsForUser(ctx context.Context, userID string) ([]*models.Calendar, error)
	SaveCalendar(ctx context.Context, c *models.Calendar) error

	// Buffer links.
	GetBufferLink(ctx context.Context, parentEventID string) (*models.BufferTimeLink, error)
	SaveBufferLink(ctx context.Context, l *models.BufferTimeLink) error
	DeleteBufferLink(ctx context.Context, parentEventID string) error
}
