package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"plansync/internal/faults"
)

// Client submits planner requests to the external solver. Submission is
// fire-and-forget: the solver replies asynchronously to the callback URL
// and Submit never blocks on the result.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a solver client for the given submission endpoint.
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Submit posts the request and returns its correlation id immediately.
// Transient solver errors (429/5xx) are retried with exponential backoff;
// anything else surfaces as a planner error.
func (c *Client) Submit(ctx context.Context, req *Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal planner request: %w", err)
	}

	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("solver returned %d: %w", resp.StatusCode, faults.ErrRateLimited)
		default:
			return backoff.Permanent(fmt.Errorf("solver rejected request with %d: %w", resp.StatusCode, faults.ErrPlanner))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx)); err != nil {
		return "", fmt.Errorf("planner submission failed: %w", err)
	}

	c.logger.Info("Submitted planner request", "singletonId", req.SingletonID, "fileKey", req.FileKey, "delay", req.Delay)
	return req.SingletonID, nil
}
