// Package gsync keeps the internal mirror of provider calendars
// synchronized via token-based incremental pulls and push webhooks.
package gsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"

	"plansync/internal/faults"
	"plansync/internal/google"
	"plansync/internal/models"
	"plansync/internal/store"
)

// Provider is the slice of the calendar API the sync engine needs.
type Provider interface {
	ListEventsPage(ctx context.Context, calendarID, syncToken, pageToken string) (*google.EventPage, error)
	Watch(ctx context.Context, calendarID, channelID, address, token string) (resourceID string, expiration time.Time, err error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// CacheInvalidator is told which user a finished pull belonged to, so
// derived availability caches can drop their stale entries.
type CacheInvalidator interface {
	InvalidateUser(userID string)
}

// Engine drives the per-calendar sync state machine:
// Uninitialized -> FullSyncInFlight -> Synced -> incremental pulls, with
// TokenInvalid routing back through a full sync.
type Engine struct {
	store    store.Store
	provider Provider
	logger   *slog.Logger

	// WebhookAddress is where the provider posts push notifications.
	WebhookAddress string

	// Invalidator, when set, is notified after every successful pull.
	Invalidator CacheInvalidator

	locks sync.Map // calendarID -> *sync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(st store.Store, provider Provider, webhookAddress string, logger *slog.Logger) *Engine {
	return &Engine{store: st, provider: provider, WebhookAddress: webhookAddress, logger: logger}
}

// ErrPullInProgress is returned when a concurrent trigger for the same
// calendar is dropped. Pulls for one calendar are strictly ordered because
// each consumes and replaces the single sync token.
var ErrPullInProgress = errors.New("sync already in progress for calendar")

func (e *Engine) lockFor(calendarID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(calendarID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// FullSync pages through all events of the calendar and stores the final
// sync token. It discards any stale cursor first.
func (e *Engine) FullSync(ctx context.Context, userID, calendarID string) error {
	mu := e.lockFor(calendarID)
	if !mu.TryLock() {
		e.logger.Info("Dropping concurrent sync trigger", "calendarId", calendarID)
		return ErrPullInProgress
	}
	defer mu.Unlock()
	return e.fullSyncLocked(ctx, userID, calendarID)
}

func (e *Engine) fullSyncLocked(ctx context.Context, userID, calendarID string) error {
	now := time.Now().UTC()
	st, err := e.store.GetSyncState(ctx, calendarID)
	if errors.Is(err, store.ErrNotFound) {
		st = &models.SyncState{CalendarID: calendarID, UserID: userID, Phase: models.PhaseUninitialized, CreatedAt: now, UpdatedAt: now}
		if err := e.store.SaveSyncState(ctx, st); err != nil {
			return fmt.Errorf("failed to create sync state: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	if _, err := e.store.PatchSyncState(ctx, calendarID, models.SyncStatePatch{
		Phase:     models.Set(models.PhaseFullSyncInFlight),
		SyncToken: models.Null[string](),
		PageToken: models.Null[string](),
	}); err != nil {
		return fmt.Errorf("failed to mark full sync in flight: %w", err)
	}

	e.logger.Info("Starting full sync", "calendarId", calendarID)
	pg := &pager{provider: e.provider, calendarID: calendarID}
	if err := e.drain(ctx, pg, userID, calendarID); err != nil {
		return err
	}
	e.notifyChanged(userID)
	e.logger.Info("Full sync finished", "calendarId", calendarID)
	return nil
}

// notifyChanged tells the registered cache invalidator that the user's
// calendar data moved.
func (e *Engine) notifyChanged(userID string) {
	if e.Invalidator != nil {
		e.Invalidator.InvalidateUser(userID)
	}
}

// IncrementalPull runs one incremental pass using the stored sync token. A
// provider 410 invalidates the token and falls through to a full resync. A
// calendar with no token yet gets a full sync instead.
func (e *Engine) IncrementalPull(ctx context.Context, userID, calendarID string) error {
	mu := e.lockFor(calendarID)
	if !mu.TryLock() {
		e.logger.Info("Dropping concurrent sync trigger", "calendarId", calendarID)
		return ErrPullInProgress
	}
	defer mu.Unlock()

	st, err := e.store.GetSyncState(ctx, calendarID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && st.SyncToken == "") {
		return e.fullSyncLocked(ctx, userID, calendarID)
	}
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	e.logger.Debug("Starting incremental pull", "calendarId", calendarID)
	pg := &pager{provider: e.provider, calendarID: calendarID, syncToken: st.SyncToken}
	err = e.drain(ctx, pg, userID, calendarID)
	if errors.Is(err, faults.ErrSyncTokenInvalid) {
		e.logger.Warn("Sync token expired, falling back to full resync", "calendarId", calendarID)
		if _, perr := e.store.PatchSyncState(ctx, calendarID, models.SyncStatePatch{
			Phase:     models.Set(models.PhaseTokenInvalid),
			SyncToken: models.Null[string](),
			PageToken: models.Null[string](),
		}); perr != nil {
			return fmt.Errorf("failed to invalidate sync token: %w", perr)
		}
		return e.fullSyncLocked(ctx, userID, calendarID)
	}
	if err == nil {
		e.notifyChanged(userID)
	}
	return err
}

// drain consumes the pager to exhaustion, applying each page and rotating
// the stored cursor as it goes. Restart after a crash is exactly "discard
// cursor, run full sync": mid-page tokens are persisted but a fresh pass
// never resumes them.
func (e *Engine) drain(ctx context.Context, pg *pager, userID, calendarID string) error {
	for {
		page, err := pg.next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			break
		}
		if err := e.applyPage(ctx, userID, calendarID, page.Items); err != nil {
			return err
		}

		patch := models.SyncStatePatch{}
		if page.NextPageToken != "" {
			patch.PageToken = models.Set(page.NextPageToken)
		} else {
			patch.PageToken = models.Null[string]()
		}
		if page.NextSyncToken != "" {
			// Final page of the pass: the new token anchors the next
			// incremental pull.
			patch.SyncToken = models.Set(page.NextSyncToken)
			patch.Phase = models.Set(models.PhaseSynced)
		}
		if _, err := e.store.PatchSyncState(ctx, calendarID, patch); err != nil {
			return fmt.Errorf("failed to rotate sync cursor: %w", err)
		}
	}
	return nil
}

// applyPage reconciles one provider page into the internal store. Events
// are removed only when the provider explicitly reports them cancelled,
// never by absence-inference, so partial pagination cannot race deletions.
func (e *Engine) applyPage(ctx context.Context, userID, calendarID string, items []*calendar.Event) error {
	batch := &faults.Batch{}
	for _, item := range items {
		if item.Status == string(models.StatusCancelled) {
			batch.Record(item.Id, e.deleteEvent(ctx, calendarID, item))
			continue
		}
		batch.Record(item.Id, e.upsertEvent(ctx, userID, calendarID, item))
	}
	if !batch.Empty() {
		for _, ie := range batch.Encountered {
			e.logger.Error("Failed to apply provider event", "calendarId", calendarID, "eventId", ie.Key, "error", ie.Err)
		}
	}
	return batch.Err()
}

func (e *Engine) deleteEvent(ctx context.Context, calendarID string, item *calendar.Event) error {
	internalID := item.Id + "#" + calendarID
	_, err := e.store.PatchEvent(ctx, internalID, models.EventPatch{
		Deleted: models.Set(true),
		Status:  models.Set(models.StatusCancelled),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to soft-delete event: %w", err)
	}

	// Fan out the dependent records in the same logical boundary.
	ev, gerr := e.store.GetEvent(ctx, internalID)
	if gerr == nil && ev.ConferenceID != "" {
		if cerr := e.store.DeleteConference(ctx, ev.ConferenceID); cerr != nil {
			return fmt.Errorf("failed to delete conference: %w", cerr)
		}
	}
	if aerr := e.store.DeleteAttendeesForEvent(ctx, internalID); aerr != nil {
		return fmt.Errorf("failed to delete attendees: %w", aerr)
	}
	if rerr := e.store.DeleteRemindersForEvent(ctx, internalID); rerr != nil {
		return fmt.Errorf("failed to delete reminders: %w", rerr)
	}
	e.logger.Debug("Removed cancelled provider event", "eventId", internalID)
	return nil
}

func (e *Engine) upsertEvent(ctx context.Context, userID, calendarID string, item *calendar.Event) error {
	ev, err := google.ToInternalEvent(item, userID, calendarID)
	if err != nil {
		return err
	}

	if item.ConferenceData != nil && item.ConferenceData.ConferenceId != "" {
		conf := &models.Conference{
			ID:         item.ConferenceData.ConferenceId,
			UserID:     userID,
			CalendarID: calendarID,
			App:        "google",
			UpdatedAt:  ev.UpdatedAt,
			CreatedAt:  ev.UpdatedAt,
		}
		if item.ConferenceData.ConferenceSolution != nil {
			conf.Name = item.ConferenceData.ConferenceSolution.Name
		}
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				conf.JoinURL = ep.Uri
				break
			}
		}
		if err := e.store.SaveConference(ctx, conf); err != nil {
			return fmt.Errorf("failed to upsert conference: %w", err)
		}
	}

	if err := e.store.UpsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}

	// Reminders are replaced wholesale per pull.
	if err := e.store.DeleteRemindersForEvent(ctx, ev.ID); err != nil {
		return fmt.Errorf("failed to clear reminders: %w", err)
	}
	if item.Reminders != nil {
		for _, ov := range item.Reminders.Overrides {
			r := &models.Reminder{
				ID:        uuid.New().String(),
				UserID:    userID,
				EventID:   ev.ID,
				Minutes:   int(ov.Minutes),
				Method:    ov.Method,
				CreatedAt: ev.UpdatedAt,
				UpdatedAt: ev.UpdatedAt,
			}
			if err := e.store.SaveReminder(ctx, r); err != nil {
				return fmt.Errorf("failed to save reminder: %w", err)
			}
		}
	}

	for _, att := range item.Attendees {
		a := &models.Attendee{
			ID:             ev.ID + "#" + att.Email,
			EventID:        ev.ID,
			Name:           att.DisplayName,
			Emails:         []string{att.Email},
			ResponseStatus: att.ResponseStatus,
			CreatedAt:      ev.UpdatedAt,
			UpdatedAt:      ev.UpdatedAt,
		}
		if err := e.store.UpsertAttendee(ctx, a); err != nil {
			return fmt.Errorf("failed to upsert attendee: %w", err)
		}
	}
	return nil
}

// HandleWebhook reacts to a provider push notification by running an
// opportunistic incremental pull for the matching calendar.
func (e *Engine) HandleWebhook(ctx context.Context, channelID, resourceState string) error {
	st, err := e.store.GetSyncStateByChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("Webhook for unknown channel", "channelId", channelID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve webhook channel: %w", err)
	}
	if resourceState == "sync" {
		// Registration handshake, nothing to pull yet.
		return nil
	}
	err = e.IncrementalPull(ctx, st.UserID, st.CalendarID)
	if errors.Is(err, ErrPullInProgress) {
		return nil
	}
	return err
}

// EnsureWatch registers or rotates the push channel for a calendar. The new
// channel is stored before the old one is stopped so notifications are
// never lost in between.
func (e *Engine) EnsureWatch(ctx context.Context, userID, calendarID string) error {
	st, err := e.store.GetSyncState(ctx, calendarID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		st = &models.SyncState{CalendarID: calendarID, UserID: userID, Phase: models.PhaseUninitialized, CreatedAt: now, UpdatedAt: now}
		if err := e.store.SaveSyncState(ctx, st); err != nil {
			return fmt.Errorf("failed to create sync state: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	if st.ChannelID != "" && time.Until(st.Expiration) > 24*time.Hour {
		return nil
	}

	oldChannel, oldResource := st.ChannelID, st.ResourceID
	channelID := uuid.New().String()
	resourceID, expiration, err := e.provider.Watch(ctx, calendarID, channelID, e.WebhookAddress, userID)
	if err != nil {
		return fmt.Errorf("failed to register watch channel: %w", err)
	}
	if _, err := e.store.PatchSyncState(ctx, calendarID, models.SyncStatePatch{
		ChannelID:  models.Set(channelID),
		ResourceID: models.Set(resourceID),
		Expiration: models.Set(expiration),
	}); err != nil {
		return fmt.Errorf("failed to store watch channel: %w", err)
	}

	if oldChannel != "" {
		if err := e.provider.StopChannel(ctx, oldChannel, oldResource); err != nil {
			e.logger.Warn("Failed to stop old watch channel", "channelId", oldChannel, "error", err)
		}
	}
	return nil
}

// SyncAll runs incremental pulls for every calendar of the user in
// parallel. Calendars are independent; per-item failures are collected so
// one bad calendar never hides the others' success.
func (e *Engine) SyncAll(ctx context.Context, userID string) *faults.Batch {
	batch := &faults.Batch{}
	cals, err := e.store.ListCalendarsForUser(ctx, userID)
	if err != nil {
		batch.Record(userID, fmt.Errorf("failed to list calendars: %w", err))
		return batch
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, cal := range cals {
		g.Go(func() error {
			if err := e.IncrementalPull(gctx, userID, cal.ID); err != nil && !errors.Is(err, ErrPullInProgress) {
				mu.Lock()
				batch.Record(cal.ID, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return batch
}
