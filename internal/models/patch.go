package models

import "time"

// Field is a tri-state partial-update value: unset ("leave alone"), null
// ("clear this field"), or a concrete value. It replaces deep
// optional-parameter lists on upsert calls with an explicit value object.
type Field[T any] struct {
	set   bool
	null  bool
	value T
}

// Set returns a Field carrying v.
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// Null returns a Field that clears the target to its zero value.
func Null[T any]() Field[T] {
	return Field[T]{set: true, null: true}
}

// Apply writes the field into dst if it was provided.
func (f Field[T]) Apply(dst *T) {
	if !f.set {
		return
	}
	if f.null {
		var zero T
		*dst = zero
		return
	}
	*dst = f.value
}

// Provided reports whether the field was set at all (value or null).
func (f Field[T]) Provided() bool { return f.set }

// EventPatch is a fixed-shape partial update for an Event. Each patch maps
// deterministically to one store mutation; there is no conditional fragment
// building.
type EventPatch struct {
	Title             Field[string]
	Notes             Field[string]
	StartTime         Field[time.Time]
	EndTime           Field[time.Time]
	Timezone          Field[string]
	Status            Field[EventStatus]
	Modifiable        Field[bool]
	Priority          Field[int]
	IsBreak           Field[bool]
	IsMeeting         Field[bool]
	IsExternalMeeting Field[bool]
	DailyTaskList     Field[bool]
	WeeklyTaskList    Field[bool]
	BackgroundColor   Field[string]
	PreEventID        Field[string]
	PostEventID       Field[string]
	TimeBlocking      Field[*BufferTimeNumbers]
	ConferenceID      Field[string]
	ProviderEventID   Field[string]
	ICalUID           Field[string]
	Method            Field[Method]
	Deleted           Field[bool]
}

// ApplyTo writes all provided fields into e and bumps UpdatedAt.
func (p EventPatch) ApplyTo(e *Event, now time.Time) {
	p.Title.Apply(&e.Title)
	p.Notes.Apply(&e.Notes)
	p.StartTime.Apply(&e.StartTime)
	p.EndTime.Apply(&e.EndTime)
	p.Timezone.Apply(&e.Timezone)
	p.Status.Apply(&e.Status)
	p.Modifiable.Apply(&e.Modifiable)
	p.Priority.Apply(&e.Priority)
	p.IsBreak.Apply(&e.IsBreak)
	p.IsMeeting.Apply(&e.IsMeeting)
	p.IsExternalMeeting.Apply(&e.IsExternalMeeting)
	p.DailyTaskList.Apply(&e.DailyTaskList)
	p.WeeklyTaskList.Apply(&e.WeeklyTaskList)
	p.BackgroundColor.Apply(&e.BackgroundColor)
	p.PreEventID.Apply(&e.PreEventID)
	p.PostEventID.Apply(&e.PostEventID)
	p.TimeBlocking.Apply(&e.TimeBlocking)
	p.ConferenceID.Apply(&e.ConferenceID)
	p.ProviderEventID.Apply(&e.ProviderEventID)
	p.ICalUID.Apply(&e.ICalUID)
	p.Method.Apply(&e.Method)
	p.Deleted.Apply(&e.Deleted)
	e.UpdatedAt = now
}

// SyncStatePatch is a fixed-shape partial update for a SyncState row.
type SyncStatePatch struct {
	SyncToken  Field[string]
	PageToken  Field[string]
	Phase      Field[SyncPhase]
	ChannelID  Field[string]
	ResourceID Field[string]
	Expiration Field[time.Time]
}

// ApplyTo writes all provided fields into s and bumps UpdatedAt.
func (p SyncStatePatch) ApplyTo(s *SyncState, now time.Time) {
	p.SyncToken.Apply(&s.SyncToken)
	p.PageToken.Apply(&s.PageToken)
	p.Phase.Apply(&s.Phase)
	p.ChannelID.Apply(&s.ChannelID)
	p.ResourceID.Apply(&s.ResourceID)
	p.Expiration.Apply(&s.Expiration)
	s.UpdatedAt = now
}
