package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"

	"plansync/internal/faults"
)

// classify maps provider errors onto the engine's taxonomy. A 410 means
// the sync token expired and must trigger a full resync, never a retry of
// the same call.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch {
	case gerr.Code == http.StatusGone:
		return backoff.Permanent(fmt.Errorf("%w: %v", faults.ErrSyncTokenInvalid, err))
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %v", faults.ErrAuth, err))
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return fmt.Errorf("%w: %v", faults.ErrRateLimited, err)
	default:
		return backoff.Permanent(err)
	}
}

// withRetry runs op with exponential backoff: 5 attempts, 200ms initial
// delay, factor 2, capped. Only errors left retryable by classify are
// attempted again.
func withRetry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil && attempt > 1 {
			logger.Warn("Provider call retry failed", "call", name, "attempt", attempt, "error", err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}
