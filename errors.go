package reqcast

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrChannelNotFound is returned when reading a channel that does not exist (or was deleted).
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNoValue is returned when reading a channel that has never been published to.
	ErrNoValue = errors.New("channel has no value")
	// ErrAuthExpired marks a failure caused by stale credentials (HTTP 401).
	ErrAuthExpired = errors.New("authentication expired")
	// ErrAuthRevoked marks a failure caused by permanently invalid credentials (HTTP 403).
	ErrAuthRevoked = errors.New("credentials revoked")
	// ErrReplayInfoMissing is a diagnostic: an expired call carried nothing to replay it with.
	ErrReplayInfoMissing = errors.New("replay info missing")
	// ErrClosed is returned by operations on a closed client or tracker.
	ErrClosed = errors.New("closed")
)

// TransportError is a failed call as reported by a Transport.
type TransportError struct {
	Status int
	Body   []byte
	// Err is the underlying network error, nil when the server answered.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure: status %d: %s", e.Status, string(e.Body))
}

// Unwrap exposes ErrAuthExpired/ErrAuthRevoked for 401/403 responses alongside the
// underlying error so callers can use errors.Is.
func (e *TransportError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Status {
	case http.StatusUnauthorized:
		errs = append(errs, ErrAuthExpired)
	case http.StatusForbidden:
		errs = append(errs, ErrAuthRevoked)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusOf returns the HTTP status carried by err, or 0 when it carries none.
func StatusOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}
