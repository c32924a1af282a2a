// Package slots generates candidate bookable time slots per attendee from
// work windows and busy calendar time.
package slots

import (
	"log/slog"
	"sort"
	"time"

	"plansync/internal/models"
)

const (
	// DefaultQuantum is the bookable slot granularity.
	DefaultQuantum = 15 * time.Minute
	// DefaultLeadTime excludes slots too close to now on the first day.
	DefaultLeadTime = 30 * time.Minute
)

// Generator produces TimeSlots for one attendee at a time.
type Generator struct {
	Quantum  time.Duration
	LeadTime time.Duration
	logger   *slog.Logger
}

// NewGenerator creates a Generator with the default quantum and lead time.
func NewGenerator(logger *slog.Logger) *Generator {
	return &Generator{Quantum: DefaultQuantum, LeadTime: DefaultLeadTime, logger: logger}
}

// Params carries the per-attendee identifiers and timezones shared by all
// generator variants.
type Params struct {
	HostID       string
	UserID       string
	HostTimezone string
	UserTimezone string
	FirstDay     bool
	Now          time.Time
}

// ForInternalAttendee generates slots from preference-derived work windows
// and the attendee's busy events. Empty windows yield an empty slot list;
// the caller treats that as unavailable all day.
func (g *Generator) ForInternalAttendee(windows []models.WorkWindow, busy []*models.Event, p Params) []models.TimeSlot {
	var out []models.TimeSlot
	for _, w := range windows {
		free := g.freeInWindow(w, busy, p)
		out = append(out, g.chunk(free, w.Start, p)...)
	}
	Sort(out)
	return out
}

// ForExternalAttendee generates slots for an attendee without a Preference.
// The bookable extent per day is taken from the attendee's own fetched
// events (earliest start to latest end), then their busy time is subtracted.
func (g *Generator) ForExternalAttendee(events []*models.Event, p Params) []models.TimeSlot {
	windows := extentWindows(events)
	var out []models.TimeSlot
	for _, w := range windows {
		free := g.freeInWindow(w, events, p)
		out = append(out, g.chunk(free, w.Start, p)...)
	}
	Sort(out)
	return out
}

// Lite returns the coarse free intervals only, skipping quantum chunking.
// Used when the caller only needs a has-free-time signal for tagging.
func (g *Generator) Lite(windows []models.WorkWindow, busy []*models.Event, p Params) []Interval {
	var out []Interval
	for _, w := range windows {
		out = append(out, g.freeInWindow(w, busy, p)...)
	}
	return out
}

func (g *Generator) freeInWindow(w models.WorkWindow, busy []*models.Event, p Params) []Interval {
	var busyIvs []Interval
	for _, ev := range busy {
		if ev.Deleted || ev.Status == models.StatusCancelled {
			continue
		}
		busyIvs = append(busyIvs, Interval{Start: ev.StartTime, End: ev.EndTime})
	}
	if p.FirstDay {
		// Nothing before now plus lead time is bookable on the first day.
		busyIvs = append(busyIvs, Interval{Start: w.Start.Add(-24 * time.Hour), End: p.Now.Add(g.leadTime())})
	}
	return Subtract([]Interval{{Start: w.Start, End: w.End}}, busyIvs)
}

func (g *Generator) leadTime() time.Duration {
	if g.LeadTime <= 0 {
		return DefaultLeadTime
	}
	return g.LeadTime
}

func (g *Generator) quantum() time.Duration {
	if g.Quantum <= 0 {
		return DefaultQuantum
	}
	return g.Quantum
}

// chunk cuts free intervals into quantum-sized slots on the grid anchored
// at the work window start. A trailing remainder shorter than the quantum
// is dropped; it is not bookable.
func (g *Generator) chunk(free []Interval, anchor time.Time, p Params) []models.TimeSlot {
	q := g.quantum()
	var out []models.TimeSlot
	for _, iv := range free {
		start := alignUp(iv.Start, anchor, q)
		for ; !start.Add(q).After(iv.End); start = start.Add(q) {
			out = append(out, models.TimeSlot{
				HostID:       p.HostID,
				UserID:       p.UserID,
				StartTime:    start,
				EndTime:      start.Add(q),
				HostTimezone: p.HostTimezone,
				UserTimezone: p.UserTimezone,
				FirstDay:     p.FirstDay,
			})
		}
	}
	return out
}

// alignUp rounds t up to the next grid point of step q anchored at anchor.
func alignUp(t, anchor time.Time, q time.Duration) time.Time {
	if !t.After(anchor) {
		return anchor
	}
	off := t.Sub(anchor)
	rem := off % q
	if rem == 0 {
		return t
	}
	return t.Add(q - rem)
}

// Sort orders slots ascending by start time, ties broken by attendee id so
// merged multi-attendee lists are deterministic.
func Sort(ts []models.TimeSlot) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].StartTime.Equal(ts[j].StartTime) {
			return ts[i].UserID < ts[j].UserID
		}
		return ts[i].StartTime.Before(ts[j].StartTime)
	})
}

// extentWindows derives one pseudo work window per day from the daily
// extent of the attendee's events.
func extentWindows(events []*models.Event) []models.WorkWindow {
	type dayKey struct{ y, m, d int }
	extents := make(map[dayKey]*models.WorkWindow)
	var order []dayKey
	for _, ev := range events {
		if ev.Deleted || ev.Status == models.StatusCancelled {
			continue
		}
		y, mo, d := ev.StartTime.Date()
		k := dayKey{y, int(mo), d}
		w, ok := extents[k]
		if !ok {
			extents[k] = &models.WorkWindow{
				Date:     time.Date(y, mo, d, 0, 0, 0, 0, ev.StartTime.Location()),
				Start:    ev.StartTime,
				End:      ev.EndTime,
				Timezone: ev.Timezone,
			}
			order = append(order, k)
			continue
		}
		if ev.StartTime.Before(w.Start) {
			w.Start = ev.StartTime
		}
		if ev.EndTime.After(w.End) {
			w.End = ev.EndTime
		}
	}
	var out []models.WorkWindow
	for _, k := range order {
		out = append(out, *extents[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
