package planner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plansync/internal/faults"
	"plansync/internal/models"
)

// UserInput is one attendee's contribution to a planner request. Preference
// is nil for external attendees.
type UserInput struct {
	Attendee    *models.Attendee
	Preference  *models.Preference
	WorkWindows []models.WorkWindow
	Slots       []models.TimeSlot
	Parts       []models.EventPart
}

// AssembleInput aggregates everything one solver run needs.
type AssembleInput struct {
	HostID       string
	HostTimezone string
	Users        []UserInput
	Kind         string // "MEETING_ASSIST" | "REPLAN" | "FEATURES_APPLY", partitions solver-side files
	Delay        int64
	CallBackURL  string
}

// Assembler builds canonical solver requests.
type Assembler struct {
	logger *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(logger *slog.Logger) *Assembler {
	return &Assembler{logger: logger}
}

// Assemble validates and aggregates the input into one Request. Event parts
// whose owning attendee has no time slots are excluded and recorded in the
// returned batch instead of aborting the whole submission. The error return
// is reserved for input that leaves nothing to submit.
func (a *Assembler) Assemble(in AssembleInput) (*Request, *faults.Batch, error) {
	if in.HostID == "" {
		return nil, nil, faults.Validationf("missing host id")
	}
	if len(in.Users) == 0 {
		return nil, nil, faults.Validationf("empty attendee list")
	}
	loc, err := time.LoadLocation(in.HostTimezone)
	if err != nil {
		return nil, nil, faults.Validationf("invalid host timezone %q", in.HostTimezone)
	}

	singletonID := uuid.New().String()
	batch := &faults.Batch{}

	req := &Request{
		SingletonID: singletonID,
		HostID:      in.HostID,
		FileKey:     fmt.Sprintf("%s/%s_%s.json", in.HostID, singletonID, in.Kind),
		Delay:       in.Delay,
		CallBackURL: in.CallBackURL,
	}

	for _, u := range in.Users {
		if u.Attendee == nil {
			batch.Record("", faults.Validationf("attendee missing"))
			continue
		}
		if len(u.Parts) > 0 && len(u.Slots) == 0 {
			// Parts without a single bookable slot would make the whole
			// problem infeasible; drop this attendee's parts and report.
			batch.Record(u.Attendee.ID, faults.Validationf("attendee %s has event parts but no time slots", u.Attendee.ID))
			continue
		}

		req.UserList = append(req.UserList, a.wireUser(u, in.HostID))
		for _, ts := range u.Slots {
			req.Timeslots = append(req.Timeslots, wireTimeSlot(ts, loc))
		}
		for _, p := range u.Parts {
			req.EventParts = append(req.EventParts, wireEventPart(p, loc))
		}
	}

	if len(req.EventParts) == 0 {
		return nil, batch, fmt.Errorf("no plannable event parts: %w", faults.ErrValidation)
	}

	req.Timeslots = dedupeTimeslots(req.Timeslots)

	a.logger.Info("Assembled planner request",
		"singletonId", singletonID,
		"users", len(req.UserList),
		"timeslots", len(req.Timeslots),
		"eventParts", len(req.EventParts),
		"errorsEncountered", len(batch.Encountered))
	return req, batch, nil
}

func (a *Assembler) wireUser(u UserInput, hostID string) WireUser {
	wu := WireUser{
		ID:     u.Attendee.ID,
		HostID: hostID,
	}
	if u.Preference != nil {
		wu.MaxWorkLoadPercent = u.Preference.MaxWorkLoadPercent
		wu.BackToBackMeetings = u.Preference.BackToBackMeetings
		wu.MaxNumberOfMeetings = u.Preference.MaxNumberOfMeetings
		wu.MinNumberOfBreaks = u.Preference.MinNumberOfBreaks
	} else {
		// External attendees have no policy; leave the solver unconstrained.
		wu.MaxWorkLoadPercent = 100
	}
	for _, w := range u.WorkWindows {
		wu.WorkTimes = append(wu.WorkTimes, WireWorkTime{
			DayOfWeek: wireDay(w.Start.Weekday()),
			StartTime: wireClock(w.Start),
			EndTime:   wireClock(w.End),
			UserID:    u.Attendee.ID,
			HostID:    hostID,
		})
	}
	return wu
}

func dedupeTimeslots(in []WireTimeSlot) []WireTimeSlot {
	seen := make(map[WireTimeSlot]struct{}, len(in))
	out := in[:0]
	for _, ts := range in {
		if _, ok := seen[ts]; ok {
			continue
		}
		seen[ts] = struct{}{}
		out = append(out, ts)
	}
	return out
}
