// Package sweep runs the recurring per-user feature pass: rest breaks that
// satisfy the workload policy and buffer events around meetings that carry
// a buffer policy.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plansync/internal/apply"
	"plansync/internal/breaks"
	"plansync/internal/faults"
	"plansync/internal/models"
	"plansync/internal/prefs"
	"plansync/internal/slots"
	"plansync/internal/store"
)

// Sweeper executes one user-day feature pass.
type Sweeper struct {
	store      store.Store
	normalizer *prefs.Normalizer
	generator  *slots.Generator
	synth      *breaks.Synthesizer
	applier    *apply.Applier
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, applier *apply.Applier, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      st,
		normalizer: prefs.NewNormalizer(logger),
		generator:  slots.NewGenerator(logger),
		synth:      breaks.NewSynthesizer(logger),
		applier:    applier,
		logger:     logger,
	}
}

// RunForUser sweeps one user's calendar day. Both halves are idempotent:
// break generation counts existing break events, buffer generation skips
// meetings already linked to their buffers, so re-running a day is safe.
func (s *Sweeper) RunForUser(ctx context.Context, userID string, date time.Time) (*faults.Batch, error) {
	batch := &faults.Batch{}

	pref, err := s.store.GetPreference(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		pref = prefs.DefaultPreference(userID)
	} else if err != nil {
		return batch, fmt.Errorf("failed to load preference: %w", err)
	}

	// A wide fetch lets the day boundary be computed in the user's own
	// timezone, taken from their events.
	rough, err := s.store.ListEventsForUser(ctx, userID, date.Add(-24*time.Hour), date.Add(48*time.Hour))
	if err != nil {
		return batch, fmt.Errorf("failed to list events: %w", err)
	}
	loc := userLocation(rough)

	dayStart := time.Date(date.In(loc).Year(), date.In(loc).Month(), date.In(loc).Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.Add(24 * time.Hour)

	var dayEvents []*models.Event
	for _, ev := range rough {
		if ev.Deleted || ev.Status == models.StatusCancelled {
			continue
		}
		if ev.Overlaps(dayStart, dayEnd) {
			dayEvents = append(dayEvents, ev)
		}
	}
	if len(dayEvents) == 0 {
		s.logger.Debug("Nothing to sweep, empty day", "userId", userID, "day", dayStart.Format("2006-01-02"))
		return batch, nil
	}

	windows, err := s.normalizer.WorkWindows(pref, dayStart, loc.String())
	if err != nil {
		return batch, fmt.Errorf("failed to compute work windows: %w", err)
	}

	now := time.Now().UTC()

	var placed []*models.Event
	// The coarse free intervals are a cheap gate: a fully booked day has no
	// room for breaks, so skip the placement pass entirely.
	if free := s.generator.Lite(windows, dayEvents, slots.Params{Now: now}); len(free) == 0 {
		s.logger.Info("Day fully booked, skipping break placement", "userId", userID, "day", dayStart.Format("2006-01-02"))
	} else {
		placed = s.sweepBreaks(ctx, pref, windows, dayEvents, now, batch)
	}
	// New breaks are busy time for buffer placement.
	s.sweepBuffers(ctx, append(dayEvents, placed...), now, batch)

	s.logger.Info("Feature sweep done", "userId", userID, "day", dayStart.Format("2006-01-02"), "errorsEncountered", len(batch.Encountered))
	return batch, nil
}

func (s *Sweeper) sweepBreaks(ctx context.Context, pref *models.Preference, windows []models.WorkWindow, dayEvents []*models.Event, now time.Time, batch *faults.Batch) []*models.Event {
	var placed []*models.Event
	for _, br := range s.synth.BreaksForDay(pref, windows, dayEvents, now) {
		if _, err := s.applier.Apply(ctx, apply.Input{Event: br}); err != nil {
			batch.Record(br.ID, err)
			continue
		}
		placed = append(placed, br)
	}
	return placed
}

// sweepBuffers creates missing Prep/Debrief events for meetings with a
// buffer policy. A meeting that already points at its buffers is skipped.
func (s *Sweeper) sweepBuffers(ctx context.Context, dayEvents []*models.Event, now time.Time, batch *faults.Batch) {
	for _, ev := range dayEvents {
		if ev.TimeBlocking == nil || !ev.Modifiable || ev.IsPreEvent || ev.IsPostEvent {
			continue
		}
		if ev.PreEventID != "" || ev.PostEventID != "" {
			continue
		}

		before, after, link := s.synth.SynthesizeBuffers(ev, *ev.TimeBlocking, dayEvents, now)
		if link == nil {
			continue
		}

		for _, buf := range []*models.Event{before, after} {
			if buf == nil {
				continue
			}
			if _, err := s.applier.Apply(ctx, apply.Input{Event: buf}); err != nil {
				batch.Record(buf.ID, err)
			}
		}
		if err := s.store.SaveBufferLink(ctx, link); err != nil {
			batch.Record(ev.ID, fmt.Errorf("failed to save buffer link: %w", err))
			continue
		}

		patch := models.EventPatch{}
		if link.BeforeEventID != "" {
			patch.PreEventID = models.Set(link.BeforeEventID)
		}
		if link.AfterEventID != "" {
			patch.PostEventID = models.Set(link.AfterEventID)
		}
		if _, err := s.store.PatchEvent(ctx, ev.ID, patch); err != nil {
			batch.Record(ev.ID, fmt.Errorf("failed to link buffers: %w", err))
		}
	}
}

// userLocation picks the first loadable event timezone, falling back to
// UTC.
func userLocation(events []*models.Event) *time.Location {
	for _, ev := range events {
		if ev.Timezone == "" {
			continue
		}
		if loc, err := time.LoadLocation(ev.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}
