package gsync

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
	"google.golang.org/api/calendar/v3"

	"plansync/internal/faults"
	"plansync/internal/google"
	"plansync/internal/models"
	"plansync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type listCall struct {
	syncToken string
	pageToken string
}

// fakeProvider replays a scripted sequence of pages and records how it was
// asked for them.
type fakeProvider struct {
	mu      sync.Mutex
	pages   []*google.EventPage
	errs    []error
	calls   []listCall
	block   chan struct{} // when set, ListEventsPage waits on it first
	watches int
	stops   int
}

func (f *fakeProvider) ListEventsPage(_ context.Context, _ string, syncToken, pageToken string) (*google.EventPage, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listCall{syncToken: syncToken, pageToken: pageToken})
	idx := len(f.calls) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx >= len(f.pages) {
		return &google.EventPage{NextSyncToken: "tok-final"}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeProvider) Watch(_ context.Context, _, channelID, _, _ string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	return "res-" + channelID, time.Now().Add(7 * 24 * time.Hour), nil
}

func (f *fakeProvider) StopChannel(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func providerEvent(id, status string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Status:  status,
		Summary: "Event " + id,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
		Updated: start.Format(time.RFC3339),
	}
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingInvalidator) InvalidateUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func TestPullNotifiesInvalidator(t *testing.T) {
	st := store.NewMemory()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		pages: []*google.EventPage{
			{Items: []*calendar.Event{providerEvent("a", "confirmed", start)}, NextSyncToken: "tok-1"},
		},
	}
	e := NewEngine(st, fp, "", testLogger())
	inv := &recordingInvalidator{}
	e.Invalidator = inv

	ctx := context.Background()
	require.NoError(t, e.FullSync(ctx, "user-1", "cal-1"))
	assert.Equal(t, []string{"user-1"}, inv.seen())

	// An incremental pass invalidates again once it lands.
	require.NoError(t, e.IncrementalPull(ctx, "user-1", "cal-1"))
	assert.Equal(t, []string{"user-1", "user-1"}, inv.seen())
}

func TestFullSyncPaginatesAndStoresToken(t *testing.T) {
	st := store.NewMemory()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		pages: []*google.EventPage{
			{Items: []*calendar.Event{providerEvent("a", "confirmed", start)}, NextPageToken: "page-2"},
			{Items: []*calendar.Event{providerEvent("b", "confirmed", start.Add(2 * time.Hour))}, NextSyncToken: "tok-1"},
		},
	}
	e := NewEngine(st, fp, "https://hooks.example.com", testLogger())

	require.NoError(t, e.FullSync(context.Background(), "user-1", "cal-1"))

	// First call carries no cursor, second carries the page token.
	require.Len(t, fp.calls, 2)
	assert.Equal(t, listCall{}, fp.calls[0])
	assert.Equal(t, listCall{pageToken: "page-2"}, fp.calls[1])

	state, err := st.GetSyncState(context.Background(), "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", state.SyncToken)
	assert.Empty(t, state.PageToken)
	assert.Equal(t, models.PhaseSynced, state.Phase)

	// Events are stored under "<providerId>#<calendarId>".
	_, err = st.GetEvent(context.Background(), "a#cal-1")
	assert.NoError(t, err)
	_, err = st.GetEvent(context.Background(), "b#cal-1")
	assert.NoError(t, err)
}

func TestIncrementalPullUsesStoredToken(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.SaveSyncState(context.Background(), &models.SyncState{
		CalendarID: "cal-1", UserID: "user-1", SyncToken: "tok-1", Phase: models.PhaseSynced, UpdatedAt: time.Now().UTC(),
	}))
	fp := &fakeProvider{pages: []*google.EventPage{{NextSyncToken: "tok-2"}}}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.IncrementalPull(context.Background(), "user-1", "cal-1"))

	require.Len(t, fp.calls, 1)
	assert.Equal(t, "tok-1", fp.calls[0].syncToken)

	state, err := st.GetSyncState(context.Background(), "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", state.SyncToken)
}

func TestIncrementalPullWithoutTokenRunsFullSync(t *testing.T) {
	st := store.NewMemory()
	fp := &fakeProvider{pages: []*google.EventPage{{NextSyncToken: "tok-1"}}}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.IncrementalPull(context.Background(), "user-1", "cal-1"))
	require.Len(t, fp.calls, 1)
	assert.Empty(t, fp.calls[0].syncToken)
}

func TestExpiredTokenTriggersFullResync(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.SaveSyncState(context.Background(), &models.SyncState{
		CalendarID: "cal-1", UserID: "user-1", SyncToken: "tok-old", Phase: models.PhaseSynced, UpdatedAt: time.Now().UTC(),
	}))
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		errs: []error{fmt.Errorf("sync token expired: %w", faults.ErrSyncTokenInvalid)},
		pages: []*google.EventPage{
			nil, // consumed by the erroring call
			{Items: []*calendar.Event{providerEvent("a", "confirmed", start)}, NextSyncToken: "tok-new"},
		},
	}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.IncrementalPull(context.Background(), "user-1", "cal-1"))

	// Second call is the full resync: no sync token, no page token.
	require.Len(t, fp.calls, 2)
	assert.Equal(t, "tok-old", fp.calls[0].syncToken)
	assert.Equal(t, listCall{}, fp.calls[1])

	state, err := st.GetSyncState(context.Background(), "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", state.SyncToken)
	assert.Equal(t, models.PhaseSynced, state.Phase)
}

func TestDeletionOnlyOnExplicitCancel(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	fp := &fakeProvider{pages: []*google.EventPage{
		{Items: []*calendar.Event{
			providerEvent("keep", "confirmed", start),
			providerEvent("drop", "confirmed", start.Add(2 * time.Hour)),
		}, NextSyncToken: "tok-1"},
		// Next pull mentions only the cancelled event; "keep" is absent but
		// must survive.
		{Items: []*calendar.Event{providerEvent("drop", "cancelled", start.Add(2 * time.Hour))}, NextSyncToken: "tok-2"},
	}}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.FullSync(ctx, "user-1", "cal-1"))
	require.NoError(t, e.IncrementalPull(ctx, "user-1", "cal-1"))

	kept, err := st.GetEvent(ctx, "keep#cal-1")
	require.NoError(t, err)
	assert.False(t, kept.Deleted)

	dropped, err := st.GetEvent(ctx, "drop#cal-1")
	require.NoError(t, err)
	assert.True(t, dropped.Deleted)
	assert.Equal(t, models.StatusCancelled, dropped.Status)
}

func TestConcurrentPullDropped(t *testing.T) {
	st := store.NewMemory()
	fp := &fakeProvider{block: make(chan struct{})}
	e := NewEngine(st, fp, "", testLogger())

	done := make(chan error, 1)
	go func() { done <- e.FullSync(context.Background(), "user-1", "cal-1") }()

	// Wait until the first pull holds the calendar lock inside the provider
	// call, then a second trigger must be dropped, not queued.
	require.Eventually(t, func() bool {
		mu := e.lockFor("cal-1")
		if mu.TryLock() {
			mu.Unlock()
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	err := e.IncrementalPull(context.Background(), "user-1", "cal-1")
	assert.ErrorIs(t, err, ErrPullInProgress)

	close(fp.block)
	require.NoError(t, <-done)
}

func TestWebhookHandshakeIsNoop(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.SaveSyncState(context.Background(), &models.SyncState{
		CalendarID: "cal-1", UserID: "user-1", ChannelID: "chan-1", UpdatedAt: time.Now().UTC(),
	}))
	fp := &fakeProvider{}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.HandleWebhook(context.Background(), "chan-1", "sync"))
	assert.Empty(t, fp.calls)

	// Unknown channels are logged and ignored.
	require.NoError(t, e.HandleWebhook(context.Background(), "ghost", "exists"))
}

func TestWebhookTriggersPull(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.SaveSyncState(context.Background(), &models.SyncState{
		CalendarID: "cal-1", UserID: "user-1", ChannelID: "chan-1", SyncToken: "tok-1", UpdatedAt: time.Now().UTC(),
	}))
	fp := &fakeProvider{pages: []*google.EventPage{{NextSyncToken: "tok-2"}}}
	e := NewEngine(st, fp, "", testLogger())

	require.NoError(t, e.HandleWebhook(context.Background(), "chan-1", "exists"))
	require.Len(t, fp.calls, 1)
	assert.Equal(t, "tok-1", fp.calls[0].syncToken)
}

func TestEnsureWatchRotatesBeforeStopping(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	// An expiring channel must be replaced.
	require.NoError(t, st.SaveSyncState(ctx, &models.SyncState{
		CalendarID: "cal-1", UserID: "user-1", ChannelID: "chan-old", ResourceID: "res-old",
		Expiration: time.Now().Add(time.Hour), UpdatedAt: time.Now().UTC(),
	}))
	fp := &fakeProvider{}
	e := NewEngine(st, fp, "https://hooks.example.com", testLogger())

	require.NoError(t, e.EnsureWatch(ctx, "user-1", "cal-1"))
	assert.Equal(t, 1, fp.watches)
	assert.Equal(t, 1, fp.stops)

	state, err := st.GetSyncState(ctx, "cal-1")
	require.NoError(t, err)
	assert.NotEqual(t, "chan-old", state.ChannelID)
	assert.NotEmpty(t, state.ResourceID)

	// A fresh channel is left alone.
	fp.watches = 0
	require.NoError(t, e.EnsureWatch(ctx, "user-1", "cal-1"))
	assert.Zero(t, fp.watches)
}
