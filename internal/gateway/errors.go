package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the gateway. Match them with errors.Is.
var (
	// ErrUnauthorized means no session token is stored or the backend rejected it.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidResponse means the backend answered with an unexpected status.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNetwork means the request never produced an HTTP response.
	ErrNetwork = errors.New("network error")

	// ErrDecode means the response body did not match the expected schema.
	ErrDecode = errors.New("decode error")
)

// Error describes a failed API call.
type Error struct {
	// Op names the gateway operation, e.g. "list devices".
	Op string

	// Kind is one of the Err* sentinels above.
	Kind error

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d %s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode
	}
	return 0
}

func unauthorized(op string, status int) *Error {
	return &Error{Op: op, Kind: ErrUnauthorized, StatusCode: status}
}

func invalidResponse(op string, status int) *Error {
	return &Error{Op: op, Kind: ErrInvalidResponse, StatusCode: status}
}

func networkError(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrNetwork, Err: err}
}

func decodeError(op string, status int, err error) *Error {
	return &Error{Op: op, Kind: ErrDecode, StatusCode: status, Err: err}
}
