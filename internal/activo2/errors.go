package activo2

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication means the token endpoint handed out no token. The
	// credentials need user attention; retrying will not help.
	ErrAuthentication = errors.New("activo2: authentication failed")

	// ErrUpstream covers non-success statuses and malformed payloads.
	ErrUpstream = errors.New("activo2: upstream fetch failed")

	// ErrTransport covers faults below HTTP: DNS, TLS, resets, timeouts.
	ErrTransport = errors.New("activo2: transport failure")
)

// StatusError is a non-success HTTP response from a vendor endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("activo2 %s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("activo2 %s: http %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 220))
}

// Is lets errors.Is(err, ErrUpstream) match status failures.
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstream
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func malformedError(op string, err error) error {
	return fmt.Errorf("%w: %s: malformed response: %w", ErrUpstream, op, err)
}

// ErrorKind maps an error to a stable label for logs and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return "transport"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "unknown"
	}
}

func truncate(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max] + "…"
}
