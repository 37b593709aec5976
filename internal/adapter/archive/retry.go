package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrDisallowedURL marks a request rejected by the HTTPS/allow-list policy
// before any network call. Never retried.
var ErrDisallowedURL = errors.New("disallowed URL")

// StatusError is a non-2xx HTTP response. Server errors (5xx) are considered
// transient; everything else is permanent.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// maxRetries bounds how many times a failed request is reattempted.
const maxRetries = 3

// withRetry runs fn, retrying transient failures with exponential backoff
// (base, 2*base, 4*base). Permanent failures and exhausted retries return the
// last error unchanged so callers can still classify it.
func (c *Client) withRetry(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	for retries := 0; ; retries++ {
		result, err := fn()
		if err == nil {
			c.metrics.ArchiveRequests.WithLabelValues(op, "success").Inc()
			return result, nil
		}

		c.metrics.ArchiveRequests.WithLabelValues(op, "error").Inc()

		if retries >= maxRetries || !isRetryable(err) {
			return "", err
		}

		delay := c.backoffBase * (1 << retries)
		c.logger.Warn("archive request failed, retrying",
			"op", op,
			"attempt", retries+1,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err,
		)
		c.metrics.ArchiveRetries.Inc()

		if !sleepContext(ctx, delay) {
			return "", ctx.Err()
		}
	}
}

// isRetryable classifies failures: network timeouts, connection-level errors,
// and HTTP 5xx are transient; disallowed URLs, HTTP 4xx, and anything else
// are permanent.
func isRetryable(err error) bool {
	if errors.Is(err, ErrDisallowedURL) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
