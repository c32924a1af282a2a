package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"plansync/internal/models"
)

// Memory is an in-process Store used by tests and single-node runs. Writes
// follow the same last-writer-wins contract as the production backend: a
// write whose UpdatedAt is older than the stored row is dropped.
type Memory struct {
	mu sync.RWMutex

	events      map[string]*models.Event
	syncStates  map[string]*models.SyncState // by calendar id
	preferences map[string]*models.Preference // by user id
	assists     map[string]*models.MeetingAssist
	attendees   map[string]*models.Attendee
	conferences map[string]*models.Conference
	reminders   map[string]*models.Reminder
	calendars   map[string]*models.Calendar
	bufferLinks map[string]*models.BufferTimeLink // by parent event id
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string]*models.Event),
		syncStates:  make(map[string]*models.SyncState),
		preferences: make(map[string]*models.Preference),
		assists:     make(map[string]*models.MeetingAssist),
		attendees:   make(map[string]*models.Attendee),
		conferences: make(map[string]*models.Conference),
		reminders:   make(map[string]*models.Reminder),
		calendars:   make(map[string]*models.Calendar),
		bufferLinks: make(map[string]*models.BufferTimeLink),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) GetEventByProviderID(_ context.Context, calendarID, providerEventID string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.CalendarID == calendarID && ev.ProviderEventID == providerEventID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.events[ev.ID]; ok && cur.UpdatedAt.After(ev.UpdatedAt) {
		// Stale writer loses.
		return nil
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) PatchEvent(_ context.Context, id string, p models.EventPatch) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.ApplyTo(ev, time.Now().UTC())
	cp := *ev
	return &cp, nil
}

func (m *Memory) ListEventsForUser(_ context.Context, userID string, from, to time.Time) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Event
	for _, ev := range m.events {
		if ev.UserID == userID && !ev.Deleted && ev.Overlaps(from, to) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(evs []*models.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].StartTime.Equal(evs[j].StartTime) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].StartTime.Before(evs[j].StartTime)
	})
}

func (m *Memory) GetSyncState(_ context.Context, calendarID string) (*models.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.syncStates[calendarID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *Memory) GetSyncStateByChannel(_ context.Context, channelID string) (*models.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.syncStates {
		if st.ChannelID == channelID {
			cp := *st
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveSyncState(_ context.Context, st *models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.syncStates[st.CalendarID]; ok && cur.UpdatedAt.After(st.UpdatedAt) {
		return nil
	}
	cp := *st
	m.syncStates[st.CalendarID] = &cp
	return nil
}

func (m *Memory) PatchSyncState(_ context.Context, calendarID string, p models.SyncStatePatch) (*models.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncStates[calendarID]
	if !ok {
		return nil, ErrNotFound
	}
	p.ApplyTo(st, time.Now().UTC())
	cp := *st
	return &cp, nil
}

func (m *Memory) GetPreference(_ context.Context, userID string) (*models.Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pref, ok := m.preferences[userID]
	if !ok || pref.Deleted {
		return nil, ErrNotFound
	}
	cp := *pref
	return &cp, nil
}

func (m *Memory) SavePreference(_ context.Context, pref *models.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pref
	m.preferences[pref.UserID] = &cp
	return nil
}

func (m *Memory) GetMeetingAssist(_ context.Context, id string) (*models.MeetingAssist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.assists[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ma
	return &cp, nil
}

func (m *Memory) SaveMeetingAssist(_ context.Context, ma *models.MeetingAssist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.assists[ma.ID]; ok && cur.UpdatedAt.After(ma.UpdatedAt) {
		return nil
	}
	cp := *ma
	m.assists[ma.ID] = &cp
	return nil
}

func (m *Memory) ListAttendeesForMeeting(_ context.Context, meetingID string) ([]*models.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Attendee
	for _, a := range m.attendees {
		if a.MeetingID == meetingID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAttendeesForEvent(_ context.Context, eventID string) ([]*models.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Attendee
	for _, a := range m.attendees {
		if a.EventID == eventID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertAttendee(_ context.Context, a *models.Attendee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.attendees[a.ID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
		return nil
	}
	cp := *a
	m.attendees[a.ID] = &cp
	return nil
}

func (m *Memory) DeleteAttendeesForEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.attendees {
		if a.EventID == eventID {
			delete(m.attendees, id)
		}
	}
	return nil
}

func (m *Memory) GetConference(_ context.Context, id string) (*models.Conference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conferences[id]
	if !ok || c.Deleted {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) SaveConference(_ context.Context, c *models.Conference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conferences[c.ID]; ok && cur.UpdatedAt.After(c.UpdatedAt) {
		return nil
	}
	cp := *c
	m.conferences[c.ID] = &cp
	return nil
}

func (m *Memory) DeleteConference(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conferences, id)
	return nil
}

func (m *Memory) ListRemindersForEvent(_ context.Context, eventID string) ([]*models.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Reminder
	for _, r := range m.reminders {
		if r.EventID == eventID && !r.Deleted {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes < out[j].Minutes })
	return out, nil
}

func (m *Memory) SaveReminder(_ context.Context, r *models.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reminders[r.ID] = &cp
	return nil
}

func (m *Memory) DeleteRemindersForEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.reminders {
		if r.EventID == eventID {
			delete(m.reminders, id)
		}
	}
	return nil
}

func (m *Memory) ListCalendarsForUser(_ context.Context, userID string) ([]*models.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Calendar
	for _, c := range m.calendars {
		if c.UserID == userID && !c.Deleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveCalendar(_ context.Context, c *models.Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.calendars[c.ID]; ok && cur.UpdatedAt.After(c.UpdatedAt) {
		return nil
	}
	cp := *c
	m.calendars[c.ID] = &cp
	return nil
}

func (m *Memory) GetBufferLink(_ context.Context, parentEventID string) (*models.BufferTimeLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.bufferLinks[parentEventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) SaveBufferLink(_ context.Context, l *models.BufferTimeLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.bufferLinks[l.ParentEventID] = &cp
	return nil
}

func (m *Memory) DeleteBufferLink(_ context.Context, parentEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bufferLinks, parentEventID)
	return nil
}
