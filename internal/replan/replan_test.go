package replan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plansync/internal/faults"
	"plansync/internal/models"
	"plansync/internal/planner"
	"plansync/internal/prefs"
	"plansync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore counts availability fetches per user so cache behavior is
// observable.
type countingStore struct {
	store.Store
	mu        sync.Mutex
	listCalls map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: store.NewMemory(), listCalls: make(map[string]int)}
}

func (c *countingStore) ListEventsForUser(ctx context.Context, userID string, from, to time.Time) ([]*models.Event, error) {
	c.mu.Lock()
	c.listCalls[userID]++
	c.mu.Unlock()
	return c.Store.ListEventsForUser(ctx, userID, from, to)
}

func (c *countingStore) calls(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls[userID]
}

type fakeSolver struct {
	mu       sync.Mutex
	requests []*planner.Request
}

func (f *fakeSolver) Submit(_ context.Context, req *planner.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return fmt.Sprintf("singleton-%d", len(f.requests)), nil
}

func (f *fakeSolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	events []*models.Event
}

func (f *fakeFetcher) BusyEvents(_ context.Context, _ *models.Attendee, _, _ time.Time) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.events, nil
}

func seedMeeting(t *testing.T, st store.Store) *models.MeetingAssist {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	assist := &models.MeetingAssist{
		ID:          "meet-1",
		UserID:      "host-1",
		Summary:     "Quarterly review",
		WindowStart: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 6, 3, 23, 59, 0, 0, time.UTC),
		Duration:    30,
		Timezone:    "UTC",
		UpdatedAt:   now,
	}
	require.NoError(t, st.SaveMeetingAssist(ctx, assist))
	require.NoError(t, st.SavePreference(ctx, prefs.DefaultPreference("u-1")))
	require.NoError(t, st.UpsertAttendee(ctx, &models.Attendee{
		ID: "att-1", MeetingID: "meet-1", UserID: "u-1", HostID: "host-1",
		Emails: []string{"one@example.com"}, Timezone: "UTC", UpdatedAt: now,
	}))
	return assist
}

func newTestOrchestrator(t *testing.T, st store.Store, solver SolverClient, fetcher ExternalFetcher) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(st, solver, fetcher, "https://example.com/callbacks/planner", testLogger())
	require.NoError(t, err)
	return o
}

func TestReplanSubmitsScopedRequest(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)

	run, err := o.Replan(context.Background(), "meet-1", NewConstraints{})
	require.NoError(t, err)

	assert.Equal(t, StateSubmittedToSolver, run.State)
	assert.Equal(t, "singleton-1", run.SingletonID)
	require.Equal(t, 1, solver.count())

	req := solver.requests[0]
	assert.Equal(t, "host-1", req.HostID)
	assert.NotEmpty(t, req.Timeslots)
	assert.NotEmpty(t, req.EventParts)

	meetingID, ok := o.MeetingForSingleton("singleton-1")
	require.True(t, ok)
	assert.Equal(t, "meet-1", meetingID)

	o.Complete("singleton-1")
	_, ok = o.MeetingForSingleton("singleton-1")
	assert.False(t, ok)
}

func TestReplanCancelledShortCircuits(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	assist := seedMeeting(t, cs)
	assist.Cancelled = true
	assist.UpdatedAt = time.Now().UTC()
	require.NoError(t, cs.SaveMeetingAssist(context.Background(), assist))
	o := newTestOrchestrator(t, cs, solver, nil)

	run, err := o.Replan(context.Background(), "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Zero(t, solver.count(), "cancelled assist must never reach the solver")
	assert.Zero(t, cs.calls("u-1"))
}

func TestReplanReusesCachedSlots(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)
	ctx := context.Background()

	_, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, 1, cs.calls("u-1"))

	// Nothing changed: the attendee's slots come from cache, no re-fetch.
	_, err = o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, 1, cs.calls("u-1"))
	assert.Equal(t, 2, solver.count())
}

func TestReplanRefetchesChangedAttendee(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)
	ctx := context.Background()

	_, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)

	_, err = o.Replan(ctx, "meet-1", NewConstraints{ChangedAttendeeIDs: []string{"att-1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, cs.calls("u-1"))
}

func TestReplanWindowChangeInvalidatesCache(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)
	ctx := context.Background()

	_, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)

	_, err = o.Replan(ctx, "meet-1", NewConstraints{
		WindowEnd: time.Date(2025, 6, 4, 23, 59, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cs.calls("u-1"))
}

func TestReplanUnsatisfiablePin(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	ctx := context.Background()

	// An unmovable all-window event leaves the attendee with no slots.
	pinned := &models.Event{
		ID:         "pin-1",
		UserID:     "u-1",
		CalendarID: "cal-1",
		Title:      "Offsite",
		StartTime:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC),
		Status:     models.StatusConfirmed,
		Modifiable: false,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, cs.UpsertEvent(ctx, pinned))
	o := newTestOrchestrator(t, cs, solver, nil)

	run, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.ErrorIs(t, err, faults.ErrUnsatisfiable)
	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, "pin-1", run.ConflictEventID)
	assert.Zero(t, solver.count())
}

func TestReplanExternalAttendee(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{events: []*models.Event{
		{ID: "ext-a", StartTime: day.Add(9 * time.Hour), EndTime: day.Add(10 * time.Hour), Status: models.StatusConfirmed},
		{ID: "ext-b", StartTime: day.Add(15 * time.Hour), EndTime: day.Add(16 * time.Hour), Status: models.StatusConfirmed},
	}}
	require.NoError(t, cs.UpsertAttendee(ctx, &models.Attendee{
		ID: "att-ext", MeetingID: "meet-1", HostID: "host-1",
		Emails: []string{"guest@example.com"}, Timezone: "UTC",
		ExternalAttendee: true, ICSURL: "https://example.com/feed.ics",
		UpdatedAt: time.Now().UTC(),
	}))
	o := newTestOrchestrator(t, cs, solver, fetcher)

	run, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, StateSubmittedToSolver, run.State)
	assert.Equal(t, 1, fetcher.calls)
	require.Equal(t, 1, solver.count())
	assert.Len(t, solver.requests[0].UserList, 2)

	// Second run hits the cache for the external attendee too.
	_, err = o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestReplanRemovedAttendeeExcluded(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)

	run, err := o.Replan(context.Background(), "meet-1", NewConstraints{RemoveAttendeeIDs: []string{"att-1"}})
	// Removing the only attendee leaves nothing to plan.
	require.Error(t, err)
	assert.NotEqual(t, StateSubmittedToSolver, run.State)
}

func TestInvalidateAttendeeDropsCache(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)
	ctx := context.Background()

	_, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	o.InvalidateAttendee("att-1")

	_, err = o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, 2, cs.calls("u-1"))
}

func TestInvalidateUserDropsCache(t *testing.T) {
	cs := newCountingStore()
	solver := &fakeSolver{}
	seedMeeting(t, cs)
	o := newTestOrchestrator(t, cs, solver, nil)
	ctx := context.Background()

	_, err := o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	require.Equal(t, 1, cs.calls("u-1"))

	// The sync engine reports the backing user, not the attendee record.
	o.InvalidateUser("u-1")
	assert.Zero(t, o.slotCache.Len())

	_, err = o.Replan(ctx, "meet-1", NewConstraints{})
	require.NoError(t, err)
	assert.Equal(t, 2, cs.calls("u-1"))

	// Unrelated users leave the rebuilt cache alone.
	o.InvalidateUser("someone-else")
	assert.Equal(t, 1, o.slotCache.Len())
}
