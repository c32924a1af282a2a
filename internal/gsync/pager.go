package gsync

import (
	"context"

	"plansync/internal/google"
)

// pager is a cursor-driven iterator over provider event pages. It yields a
// lazy, finite, restartable sequence: the sync token (if any) anchors only
// the first call, page tokens carry the rest, and a nil page marks the end.
type pager struct {
	provider   Provider
	calendarID string

	syncToken string // consumed by the first call of an incremental pass
	pageToken string

	started bool
	done    bool
}

// next returns the following page, or (nil, nil) once exhausted.
func (p *pager) next(ctx context.Context) (*google.EventPage, error) {
	if p.done {
		return nil, nil
	}

	syncToken := ""
	if !p.started && p.pageToken == "" {
		syncToken = p.syncToken
	}
	p.started = true

	page, err := p.provider.ListEventsPage(ctx, p.calendarID, syncToken, p.pageToken)
	if err != nil {
		return nil, err
	}

	p.pageToken = page.NextPageToken
	if p.pageToken == "" {
		p.done = true
	}
	return page, nil
}
