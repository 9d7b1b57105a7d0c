package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrCursorInvalidated = errors.New("sync cursor invalidated")
	ErrStaleWrite        = errors.New("stale write rejected")
	ErrNotFound          = errors.New("remote event not found")
)

// StatusError carries the HTTP status of a failed provider call so the
// transport can classify it without knowing the provider.
type StatusError struct {
	Op         string
	Code       int
	RetryAfter time.Duration
	// RateLimited marks quota errors reported with a non-429 status, such
	// as Google's 403 rateLimitExceeded.
	RateLimited bool
	Err         error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Temporary reports server-side and rate-limit failures.
func (e *StatusError) Temporary() bool {
	return e.RateLimited || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized
}
