package auth

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrRevoked means the refresh token is no longer accepted and the
	// user has to go through consent again.
	ErrRevoked = errors.New("refresh token revoked or expired")
	// ErrNotConnected means no credentials were ever stored for the user.
	ErrNotConnected = errors.New("account not connected")
)

type Error struct {
	UserID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("token for %s: %v", e.UserID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReconnectRequired reports whether only a new consent flow can fix this.
func (e *Error) ReconnectRequired() bool {
	return errors.Is(e.Err, ErrRevoked) || errors.Is(e.Err, ErrNotConnected)
}

// Temporary reports failures worth retrying, such as the token endpoint
// being unreachable.
func (e *Error) Temporary() bool {
	if e.ReconnectRequired() {
		return false
	}
	var nerr net.Error
	if errors.As(e.Err, &nerr) {
		return true
	}
	var rerr *oauth2.RetrieveError
	if errors.As(e.Err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		return code == 429 || code >= 500
	}
	return false
}

// IsReconnectRequired is a shortcut for callers that only hold an error.
func IsReconnectRequired(err error) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.ReconnectRequired()
	}
	return errors.Is(err, ErrRevoked) || errors.Is(err, ErrNotConnected)
}

func classifyRefresh(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || strings.Contains(string(rerr.Body), "invalid_grant") {
			return fmt.Errorf("%w: %v", ErrRevoked, err)
		}
	}
	if strings.Contains(err.Error(), "Token has been expired or revoked") {
		return fmt.Errorf("%w: %v", ErrRevoked, err)
	}
	return err
}
