package models

import "time"

// SyncPhase is the per-calendar incremental sync state.
type SyncPhase string

const (
	PhaseUninitialized    SyncPhase = "uninitialized"
	PhaseFullSyncInFlight SyncPhase = "full_sync_in_flight"
	PhaseSynced           SyncPhase = "synced"
	PhaseTokenInvalid     SyncPhase = "token_invalid"
)

// SyncState is the incremental sync cursor for one calendar. SyncToken and
// PageToken are mutually exclusive in a request: a page token is only used
// mid-page, a sync token only starts a new incremental pass.
type SyncState struct {
	CalendarID string
	UserID     string

	SyncToken string
	PageToken string
	Phase     SyncPhase

	// Push channel registration.
	ChannelID  string
	ResourceID string
	Expiration time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
