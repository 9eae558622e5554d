package phoenix

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTraceNotFound is returned when no project contains the requested trace.
// Exporters batch spans, so a trace is routinely missing for the first few
// seconds of a run.
var ErrTraceNotFound = errors.New("phoenix: trace not found")

// Error is an HTTP or GraphQL error returned by Phoenix.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("phoenix: (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is ErrTraceNotFound or a 404 response.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrTraceNotFound) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsUnauthorized reports whether Phoenix rejected the API key.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}
