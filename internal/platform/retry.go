package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
)

const (
	// maxAttempts bounds retries per request: one initial try plus two
	// retries.
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// HTTPStatusError carries a venue's non-2xx status for retry
// classification.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether err warrants another attempt: transport errors,
// 503/504, and 429. Every other 4xx is a caller mistake and is surfaced
// immediately.
func retryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, domain.ErrNetworkError) {
		return true
	}
	// A local limiter rejection means the caller asked not to wait; the
	// venue's own 429 is handled above as HTTPStatusError.
	if errors.Is(err, domain.ErrRateLimited) {
		return false
	}
	// Validation-class sentinels never retry.
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrInvalidArg) {
		return false
	}
	// Remaining errors are transport-level (connection reset, deadline).
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// doWithRetry runs fn up to maxAttempts times with exponential backoff
// between attempts. The final error is returned unwrapped so callers can
// still classify it.
func doWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry: %w", domain.ErrCancelled)
			case <-time.After(backoff):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
