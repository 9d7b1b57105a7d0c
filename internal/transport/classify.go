package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bobuk/calsync/internal/remote"
)

// kindUnauthorized is internal: Execute turns it into a refresh-and-retry
// or KindAuth.
const kindUnauthorized Kind = -1

func (k Kind) public() Kind {
	if k == kindUnauthorized {
		return KindAuth
	}
	return k
}

// reconnectRequired is implemented by credential errors that a retry
// cannot fix.
type reconnectRequired interface {
	ReconnectRequired() bool
}

type temporary interface {
	Temporary() bool
}

// Classify maps a raw provider or credential error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindTerminal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, remote.ErrCursorInvalidated) {
		return KindCursorInvalidated
	}
	if errors.Is(err, remote.ErrStaleWrite) {
		return KindStaleWrite
	}
	if errors.Is(err, remote.ErrNotFound) {
		return KindNotFound
	}

	var rr reconnectRequired
	if errors.As(err, &rr) && rr.ReconnectRequired() {
		return KindAuth
	}

	var serr *remote.StatusError
	if errors.As(err, &serr) {
		switch {
		case serr.Unauthorized():
			return kindUnauthorized
		case serr.Code == http.StatusGone:
			return KindCursorInvalidated
		case serr.Code == http.StatusPreconditionFailed:
			return KindStaleWrite
		case serr.Temporary():
			return KindTransient
		default:
			return KindTerminal
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}

	// Transient credential refresh failures and similar.
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return KindTransient
	}
	return KindTerminal
}

func retryAfter(err error) time.Duration {
	var serr *remote.StatusError
	if errors.As(err, &serr) {
		return serr.RetryAfter
	}
	return 0
}
