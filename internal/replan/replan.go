// Package replan recomputes the minimal scope needed to re-solve one
// already-scheduled meeting under new constraints.
package replan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"plansync/internal/faults"
	"plansync/internal/models"
	"plansync/internal/parts"
	"plansync/internal/planner"
	"plansync/internal/prefs"
	"plansync/internal/slots"
	"plansync/internal/store"
)

// State is the replan run lifecycle.
type State string

const (
	StateRequested           State = "Requested"
	StateConstraintsResolved State = "ConstraintsResolved"
	StateScopeNarrowed       State = "ScopeNarrowed"
	StateSubmittedToSolver   State = "SubmittedToSolver"
	StateApplied             State = "Applied"
	StateFailed              State = "Failed"
	StateAbandoned           State = "Abandoned"
)

// NewConstraints carries what changed for the meeting.
type NewConstraints struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Duration    int // minutes, 0 keeps the original

	AddAttendees      []*models.Attendee
	RemoveAttendeeIDs []string
	// ChangedAttendeeIDs lists existing attendees whose availability is
	// known to have changed; everyone else reuses cached slots.
	ChangedAttendeeIDs []string

	Recurrence          []string
	PreferredTimeRanges []models.PreferredTimeRange
}

// Run is one replan attempt.
type Run struct {
	ID          string
	MeetingID   string
	State       State
	SingletonID string

	// Failure details, set only in StateFailed.
	Reason          string
	ConflictEventID string
}

// SolverClient submits assembled requests.
type SolverClient interface {
	Submit(ctx context.Context, req *planner.Request) (string, error)
}

// ExternalFetcher loads busy events for external attendees from their
// connected calendars.
type ExternalFetcher interface {
	BusyEvents(ctx context.Context, att *models.Attendee, from, to time.Time) ([]*models.Event, error)
}

type cachedSlots struct {
	userID  string
	slots   []models.TimeSlot
	windows []models.WorkWindow
}

// Orchestrator drives replan runs.
type Orchestrator struct {
	store      store.Store
	normalizer *prefs.Normalizer
	generator  *slots.Generator
	decomposer *parts.Decomposer
	assembler  *planner.Assembler
	solver     SolverClient
	external   ExternalFetcher
	logger     *slog.Logger

	CallBackURL string
	Delay       int64

	slotCache *lru.Cache[string, cachedSlots]

	mu      sync.Mutex
	pending map[string]string // singletonId -> meetingId
}

// NewOrchestrator creates an Orchestrator with a bounded slot cache.
func NewOrchestrator(st store.Store, solver SolverClient, external ExternalFetcher, callBackURL string, logger *slog.Logger) (*Orchestrator, error) {
	cache, err := lru.New[string, cachedSlots](512)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:       st,
		normalizer:  prefs.NewNormalizer(logger),
		generator:   slots.NewGenerator(logger),
		decomposer:  parts.NewDecomposer(logger, nil),
		assembler:   planner.NewAssembler(logger),
		solver:      solver,
		external:    external,
		logger:      logger,
		CallBackURL: callBackURL,
		slotCache:   cache,
		pending:     make(map[string]string),
	}, nil
}

func cacheKey(attendeeID string, from, to time.Time) string {
	return fmt.Sprintf("%s|%d|%d", attendeeID, from.Unix(), to.Unix())
}

// InvalidateAttendee drops every cached slot set for an attendee, across
// all planning windows.
func (o *Orchestrator) InvalidateAttendee(attendeeID string) {
	prefix := attendeeID + "|"
	for _, key := range o.slotCache.Keys() {
		if strings.HasPrefix(key, prefix) {
			o.slotCache.Remove(key)
		}
	}
}

// InvalidateUser drops cached slots for every attendee record backed by the
// user. The sync engine calls this after a pull lands calendar changes.
func (o *Orchestrator) InvalidateUser(userID string) {
	if userID == "" {
		return
	}
	for _, key := range o.slotCache.Keys() {
		if hit, ok := o.slotCache.Peek(key); ok && hit.userID == userID {
			o.slotCache.Remove(key)
		}
	}
}

// Replan re-solves one meeting. The returned run carries the terminal or
// in-flight state; StateFailed runs name the reason and, for pin
// conflicts, the conflicting event.
func (o *Orchestrator) Replan(ctx context.Context, meetingID string, nc NewConstraints) (*Run, error) {
	run := &Run{ID: uuid.New().String(), MeetingID: meetingID, State: StateRequested}

	assist, err := o.store.GetMeetingAssist(ctx, meetingID)
	if err != nil {
		return run, fmt.Errorf("failed to load meeting assist %s: %w", meetingID, err)
	}
	if assist.Cancelled {
		// Cancellation short-circuits before any solver submission.
		run.State = StateFailed
		run.Reason = "meeting assist cancelled"
		o.logger.Info("Replan short-circuited, assist cancelled", "meetingId", meetingID)
		return run, nil
	}

	// Availability for changed attendees is stale in every cached window,
	// not just the one being planned.
	for _, id := range nc.ChangedAttendeeIDs {
		o.InvalidateAttendee(id)
	}

	merged := o.resolveConstraints(assist, nc)
	run.State = StateConstraintsResolved

	attendees, err := o.store.ListAttendeesForMeeting(ctx, meetingID)
	if err != nil {
		return run, fmt.Errorf("failed to list attendees: %w", err)
	}
	attendees = mergeAttendees(attendees, nc)

	users, batch, conflict := o.narrowScope(ctx, assist, merged, attendees, nc)
	if conflict != nil {
		run.State = StateFailed
		run.Reason = "no valid time for required attendee"
		run.ConflictEventID = conflict.ID
		o.logger.Error("Replan unsatisfiable", "meetingId", meetingID, "conflictEventId", conflict.ID)
		return run, fmt.Errorf("attendee pinned by event %s: %w", conflict.ID, faults.ErrUnsatisfiable)
	}
	run.State = StateScopeNarrowed

	req, asmBatch, err := o.assembler.Assemble(planner.AssembleInput{
		HostID:       assist.UserID,
		HostTimezone: assist.Timezone,
		Users:        users,
		Kind:         "REPLAN",
		Delay:        o.Delay,
		CallBackURL:  o.CallBackURL,
	})
	if err != nil {
		return run, fmt.Errorf("failed to assemble replan request: %w", err)
	}
	for _, ie := range batch.Encountered {
		asmBatch.Record(ie.Key, ie.Err)
	}

	singletonID, err := o.solver.Submit(ctx, req)
	if err != nil {
		run.State = StateFailed
		run.Reason = err.Error()
		return run, err
	}
	run.SingletonID = singletonID
	run.State = StateSubmittedToSolver

	o.mu.Lock()
	o.pending[singletonID] = meetingID
	o.mu.Unlock()

	o.logger.Info("Replan submitted", "meetingId", meetingID, "singletonId", singletonID, "errorsEncountered", len(asmBatch.Encountered))
	return run, nil
}

// resolveConstraints merges the new constraints with the original assist.
func (o *Orchestrator) resolveConstraints(assist *models.MeetingAssist, nc NewConstraints) *models.MeetingAssist {
	merged := *assist
	if !nc.WindowStart.IsZero() {
		merged.WindowStart = nc.WindowStart
	}
	if !nc.WindowEnd.IsZero() {
		merged.WindowEnd = nc.WindowEnd
	}
	if nc.Duration > 0 {
		merged.Duration = nc.Duration
	}
	if len(nc.Recurrence) > 0 {
		merged.Recurrence = nc.Recurrence
	}
	if len(nc.PreferredTimeRanges) > 0 {
		merged.PreferredTimeRanges = nc.PreferredTimeRanges
	}
	return &merged
}

func mergeAttendees(existing []*models.Attendee, nc NewConstraints) []*models.Attendee {
	removed := make(map[string]struct{}, len(nc.RemoveAttendeeIDs))
	for _, id := range nc.RemoveAttendeeIDs {
		removed[id] = struct{}{}
	}
	var out []*models.Attendee
	seen := make(map[string]struct{})
	for _, a := range existing {
		if _, drop := removed[a.ID]; drop {
			continue
		}
		out = append(out, a)
		seen[a.ID] = struct{}{}
	}
	for _, a := range nc.AddAttendees {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		out = append(out, a)
	}
	return out
}

// narrowScope builds the per-attendee planner inputs. Attendees whose
// availability did not change reuse cached TimeSlots; only new, changed or
// cache-missed attendees are re-fetched. A required attendee left with no
// slots by an unmodifiable event is an unsatisfiable pin.
func (o *Orchestrator) narrowScope(ctx context.Context, assist, merged *models.MeetingAssist, attendees []*models.Attendee, nc NewConstraints) ([]planner.UserInput, *faults.Batch, *models.Event) {
	batch := &faults.Batch{}
	changed := make(map[string]struct{}, len(nc.ChangedAttendeeIDs))
	for _, id := range nc.ChangedAttendeeIDs {
		changed[id] = struct{}{}
	}
	for _, a := range nc.AddAttendees {
		changed[a.ID] = struct{}{}
	}
	windowChanged := !merged.WindowStart.Equal(assist.WindowStart) || !merged.WindowEnd.Equal(assist.WindowEnd)

	var users []planner.UserInput
	for _, att := range attendees {
		key := cacheKey(att.ID, merged.WindowStart, merged.WindowEnd)
		if _, mustRefresh := changed[att.ID]; !mustRefresh && !windowChanged {
			if hit, ok := o.slotCache.Get(key); ok {
				users = append(users, o.userInput(ctx, att, merged, hit.windows, hit.slots))
				continue
			}
		}

		windows, slotSet, conflict, err := o.generateSlots(ctx, att, merged)
		if err != nil {
			batch.Record(att.ID, err)
			continue
		}
		if conflict != nil {
			return nil, batch, conflict
		}
		o.slotCache.Add(key, cachedSlots{userID: att.UserID, slots: slotSet, windows: windows})
		users = append(users, o.userInput(ctx, att, merged, windows, slotSet))
	}
	return users, batch, nil
}

func (o *Orchestrator) userInput(ctx context.Context, att *models.Attendee, merged *models.MeetingAssist, windows []models.WorkWindow, slotSet []models.TimeSlot) planner.UserInput {
	in := planner.UserInput{
		Attendee:    att,
		WorkWindows: windows,
		Slots:       slotSet,
		Parts:       o.meetingParts(att, merged),
	}
	if !att.ExternalAttendee && att.UserID != "" {
		if pref, err := o.store.GetPreference(ctx, att.UserID); err == nil {
			in.Preference = pref
		}
	}
	return in
}

// meetingParts builds parts scoped to just this meeting for one attendee.
func (o *Orchestrator) meetingParts(att *models.Attendee, merged *models.MeetingAssist) []models.EventPart {
	ev := &models.Event{
		ID:                  merged.EventID,
		UserID:              att.UserID,
		MeetingID:           merged.ID,
		Title:               merged.Summary,
		StartTime:           merged.WindowStart,
		EndTime:             merged.WindowStart.Add(time.Duration(merged.Duration) * time.Minute),
		Timezone:            merged.Timezone,
		Modifiable:          true,
		IsMeeting:           true,
		Priority:            merged.Priority,
		PreferredTimeRanges: merged.PreferredTimeRanges,
	}
	if ev.ID == "" {
		// Pending placeholder for an assist that was never applied.
		ev.ID = merged.ID + "#pending"
	}
	if att.ExternalAttendee {
		ev.IsMeeting = false
		ev.IsExternalMeeting = true
	}
	return o.decomposer.Decompose(ev, merged.UserID)
}

func (o *Orchestrator) generateSlots(ctx context.Context, att *models.Attendee, merged *models.MeetingAssist) ([]models.WorkWindow, []models.TimeSlot, *models.Event, error) {
	now := time.Now().UTC()
	p := slots.Params{
		HostID:       merged.UserID,
		UserID:       att.ID,
		HostTimezone: merged.Timezone,
		UserTimezone: att.Timezone,
		FirstDay:     sameDay(merged.WindowStart, now),
		Now:          now,
	}

	if att.ExternalAttendee || att.UserID == "" {
		if o.external == nil {
			return nil, nil, nil, fmt.Errorf("no external calendar fetcher configured for attendee %s", att.ID)
		}
		events, err := o.external.BusyEvents(ctx, att, merged.WindowStart, merged.WindowEnd)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to fetch external calendar: %w", err)
		}
		return nil, o.generator.ForExternalAttendee(events, p), nil, nil
	}

	pref, err := o.store.GetPreference(ctx, att.UserID)
	if errors.Is(err, store.ErrNotFound) {
		pref = prefs.DefaultPreference(att.UserID)
	} else if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load preference: %w", err)
	}

	tz := att.Timezone
	if tz == "" {
		tz = merged.Timezone
	}
	windows, err := o.normalizer.WorkWindowsForRange(pref, merged.WindowStart, merged.WindowEnd, tz)
	if err != nil {
		return nil, nil, nil, err
	}

	busy, err := o.store.ListEventsForUser(ctx, att.UserID, merged.WindowStart, merged.WindowEnd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to list busy events: %w", err)
	}
	slotSet := o.generator.ForInternalAttendee(windows, busy, p)

	if len(slotSet) == 0 {
		if pin := pinnedConflict(busy); pin != nil {
			return nil, nil, pin, nil
		}
	}
	return windows, slotSet, nil, nil
}

// pinnedConflict finds an unmodifiable event that blocks the attendee.
func pinnedConflict(busy []*models.Event) *models.Event {
	for _, ev := range busy {
		if !ev.Modifiable && !ev.Deleted && ev.Status != models.StatusCancelled {
			return ev
		}
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// MeetingForSingleton resolves a solver correlation id back to its meeting
// assist id, or ok=false for unknown or already-consumed ids.
func (o *Orchestrator) MeetingForSingleton(singletonID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.pending[singletonID]
	return id, ok
}

// Complete marks a submitted run applied and releases the correlation id.
func (o *Orchestrator) Complete(singletonID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, singletonID)
}
