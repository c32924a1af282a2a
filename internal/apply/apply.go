// Package apply turns solver output and direct create/update instructions
// into idempotent provider and internal-store mutations.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"plansync/internal/faults"
	"plansync/internal/models"
	"plansync/internal/planner"
	"plansync/internal/store"
)

// Provider is the slice of the calendar API the applier needs.
type Provider interface {
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
}

// Applier applies plan results.
type Applier struct {
	store    store.Store
	provider Provider
	logger   *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(st store.Store, provider Provider, logger *slog.Logger) *Applier {
	return &Applier{store: st, provider: provider, logger: logger}
}

// Input is one create/update instruction. Method on the event is explicit;
// it is never inferred from the presence of a provider id, because a
// replanned event keeps its id while changing time.
type Input struct {
	Event           *models.Event
	Attendees       []*models.Attendee
	ReminderMinutes []int
	ConferenceApp   string // "" means no conference wanted
}

// Apply performs the full mutation chain: conference create-or-reuse,
// provider create-or-patch, attendee dedup upsert, reminder creation.
// Applying the same input twice yields the same final state and no
// duplicate provider records: the provider id is recorded immediately
// after creation, so a re-run patches instead of creating again.
func (a *Applier) Apply(ctx context.Context, in Input) (*models.Event, error) {
	ev := in.Event
	if ev == nil || ev.ID == "" {
		return nil, faults.Validationf("missing event")
	}
	if ev.CalendarID == "" {
		return nil, faults.Validationf("event %s has no calendar", ev.ID)
	}
	if ev.Method != models.MethodCreate && ev.Method != models.MethodUpdate {
		return nil, faults.Validationf("event %s has no explicit method", ev.ID)
	}

	now := time.Now().UTC()

	// A stored copy may already carry the provider id from an earlier,
	// partially failed run.
	stored, serr := a.store.GetEvent(ctx, ev.ID)
	if serr == nil && ev.ProviderEventID == "" {
		ev.ProviderEventID = stored.ProviderEventID
	}
	// A known provider id always routes to patch, so re-applies converge.
	// Method gates the fresh-create path: an update instruction for an
	// event that was never created anywhere is a caller wiring bug, while
	// an update for a tracked event without a provider id is its first
	// materialization and gets created.
	if ev.ProviderEventID == "" && ev.Method == models.MethodUpdate && errors.Is(serr, store.ErrNotFound) {
		return nil, faults.Validationf("event %s marked update but was never created", ev.ID)
	}

	if in.ConferenceApp != "" {
		if err := a.ensureConference(ctx, ev, in.ConferenceApp, now); err != nil {
			return nil, err
		}
	}

	pev := toProviderEvent(ev, in.Attendees, in.ReminderMinutes)
	if ev.ProviderEventID == "" {
		created, err := a.provider.InsertEvent(ctx, ev.CalendarID, pev)
		if err != nil {
			return nil, fmt.Errorf("provider create failed for %s: %w", ev.ID, err)
		}
		ev.ProviderEventID = created.Id
		ev.ICalUID = created.ICalUID
		ev.HTMLLink = created.HtmlLink
		// Record the provider id before any subsequent step can fail.
		ev.UpdatedAt = now
		if err := a.store.UpsertEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to record provider id for %s: %w", ev.ID, err)
		}
	} else {
		if _, err := a.provider.PatchEvent(ctx, ev.CalendarID, ev.ProviderEventID, pev); err != nil {
			return nil, fmt.Errorf("provider patch failed for %s: %w", ev.ID, err)
		}
		ev.UpdatedAt = now
		if err := a.store.UpsertEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to store event %s: %w", ev.ID, err)
		}
	}

	if err := a.upsertAttendees(ctx, ev, in.Attendees, now); err != nil {
		return nil, err
	}
	if err := a.replaceReminders(ctx, ev, in.ReminderMinutes, now); err != nil {
		return nil, err
	}

	a.logger.Info("Applied event", "eventId", ev.ID, "providerEventId", ev.ProviderEventID, "method", string(ev.Method))
	return ev, nil
}

// ensureConference reuses the existing conference when the app is
// unchanged, otherwise creates a deterministic per-event record.
func (a *Applier) ensureConference(ctx context.Context, ev *models.Event, app string, now time.Time) error {
	if ev.ConferenceID != "" {
		existing, err := a.store.GetConference(ctx, ev.ConferenceID)
		if err == nil && existing.App == app {
			return nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to load conference %s: %w", ev.ConferenceID, err)
		}
	}

	conf := &models.Conference{
		ID:         ev.ID + "#conference",
		UserID:     ev.UserID,
		CalendarID: ev.CalendarID,
		App:        app,
		Name:       ev.Title,
		RequestID:  uuid.New().String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.SaveConference(ctx, conf); err != nil {
		return fmt.Errorf("failed to save conference: %w", err)
	}
	ev.ConferenceID = conf.ID
	return nil
}

// upsertAttendees merges new attendees with the stored ones, deduplicated
// by id.
func (a *Applier) upsertAttendees(ctx context.Context, ev *models.Event, incoming []*models.Attendee, now time.Time) error {
	existing, err := a.store.ListAttendeesForEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to list attendees for %s: %w", ev.ID, err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, att := range existing {
		seen[att.ID] = struct{}{}
	}
	for _, att := range incoming {
		if _, dup := seen[att.ID]; dup {
			continue
		}
		seen[att.ID] = struct{}{}
		cp := *att
		cp.EventID = ev.ID
		cp.CreatedAt = now
		cp.UpdatedAt = now
		if err := a.store.UpsertAttendee(ctx, &cp); err != nil {
			return fmt.Errorf("failed to upsert attendee %s: %w", att.ID, err)
		}
	}
	return nil
}

func (a *Applier) replaceReminders(ctx context.Context, ev *models.Event, minutes []int, now time.Time) error {
	if err := a.store.DeleteRemindersForEvent(ctx, ev.ID); err != nil {
		return fmt.Errorf("failed to clear reminders for %s: %w", ev.ID, err)
	}
	for _, m := range minutes {
		r := &models.Reminder{
			ID:        ev.ID + fmt.Sprintf("#reminder-%d", m),
			UserID:    ev.UserID,
			EventID:   ev.ID,
			Minutes:   m,
			Method:    "popup",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.store.SaveReminder(ctx, r); err != nil {
			return fmt.Errorf("failed to save reminder: %w", err)
		}
	}
	return nil
}

// ApplyCallback applies a solver callback for a meeting assist. A
// cancelled or expired assist makes this a logged no-op, not an error; the
// solver may reply arbitrarily late or more than once.
func (a *Applier) ApplyCallback(ctx context.Context, cb *planner.Callback, assist *models.MeetingAssist) (*faults.Batch, error) {
	batch := &faults.Batch{}
	if assist != nil {
		now := time.Now().UTC()
		if assist.Cancelled {
			a.logger.Info("Skipping solver callback for cancelled assist", "meetingId", assist.ID, "singletonId", cb.SingletonID)
			return batch, nil
		}
		if assist.Expired(now) {
			a.logger.Warn("Solver callback arrived after expiry, abandoning assist", "meetingId", assist.ID, "singletonId", cb.SingletonID)
			assist.Abandoned = true
			assist.UpdatedAt = now
			if err := a.store.SaveMeetingAssist(ctx, assist); err != nil {
				return batch, fmt.Errorf("failed to mark assist abandoned: %w", err)
			}
			return batch, nil
		}
	}
	if !cb.Solved {
		return batch, fmt.Errorf("solver reported failure for %s: %s: %w", cb.SingletonID, cb.Message, faults.ErrPlanner)
	}

	for eventID, sp := range solvedSpans(cb.EventParts) {
		ev, err := a.store.GetEvent(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			batch.Record(eventID, fmt.Errorf("solved part references unknown event"))
			continue
		}
		if err != nil {
			batch.Record(eventID, err)
			continue
		}
		ev.StartTime = sp.start
		ev.EndTime = sp.end
		ev.Method = models.MethodUpdate
		if _, err := a.Apply(ctx, Input{Event: ev}); err != nil {
			batch.Record(eventID, err)
		}
	}
	return batch, nil
}

type span struct{ start, end time.Time }

// solvedSpans collapses solved parts back into one span per event.
func solvedSpans(parts []planner.SolvedEventPart) map[string]span {
	out := make(map[string]span)
	for _, p := range parts {
		start, err1 := time.Parse(time.RFC3339, p.StartDate)
		end, err2 := time.Parse(time.RFC3339, p.EndDate)
		if err1 != nil || err2 != nil {
			continue
		}
		sp, ok := out[p.EventID]
		if !ok {
			out[p.EventID] = span{start: start, end: end}
			continue
		}
		if start.Before(sp.start) {
			sp.start = start
		}
		if end.After(sp.end) {
			sp.end = end
		}
		out[p.EventID] = sp
	}
	return out
}

// toProviderEvent renders the canonical event in the provider's schema.
// Pass-through fields the engine does not modify keep their values.
func toProviderEvent(ev *models.Event, attendees []*models.Attendee, reminderMinutes []int) *calendar.Event {
	pev := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Notes,
		Status:      string(ev.Status),
		Recurrence:  ev.Recurrence,
		Start: &calendar.EventDateTime{
			DateTime: ev.StartTime.Format(time.RFC3339),
			TimeZone: ev.Timezone,
		},
		End: &calendar.EventDateTime{
			DateTime: ev.EndTime.Format(time.RFC3339),
			TimeZone: ev.Timezone,
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				"isBreak":           boolString(ev.IsBreak),
				"isMeeting":         boolString(ev.IsMeeting),
				"isExternalMeeting": boolString(ev.IsExternalMeeting),
				"modifiable":        boolString(ev.Modifiable),
			},
		},
	}
	if ev.AllDay {
		pev.Start = &calendar.EventDateTime{Date: ev.StartTime.Format("2006-01-02")}
		pev.End = &calendar.EventDateTime{Date: ev.EndTime.Format("2006-01-02")}
	}
	for _, att := range attendees {
		pev.Attendees = append(pev.Attendees, &calendar.EventAttendee{
			Email:          att.PrimaryEmail(),
			DisplayName:    att.Name,
			ResponseStatus: att.ResponseStatus,
		})
	}
	if len(reminderMinutes) > 0 {
		pev.Reminders = &calendar.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
		for _, m := range reminderMinutes {
			pev.Reminders.Overrides = append(pev.Reminders.Overrides, &calendar.EventReminder{Method: "popup", Minutes: int64(m)})
		}
	}
	return pev
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
