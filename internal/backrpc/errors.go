// ABOUTME: Sentinel errors and the coded error type that crosses the wire.
// ABOUTME: Wire codes map back to sentinels so callers can use errors.Is.

package backrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMethod is returned for a request whose method has no handler.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrTimeout is returned when a peer is declared dead or a wait times out.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed is returned for requests on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrClientNotFound is returned when addressing a peer that is not connected.
	ErrClientNotFound = errors.New("client not found")

	// ErrUnauthenticated is returned when the stream's bearer token is rejected.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotConnected is returned by operations that need a completed handshake.
	ErrNotConnected = errors.New("not connected")
)

// Well-known wire error codes.
const (
	CodeUnknownMethod   = "unknown_method"
	CodeTimeout         = "timeout"
	CodeClosed          = "closed"
	CodeNotFound        = "not_found"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

// Error is a coded error received from, or destined for, a peer.
type Error struct {
	Code    string
	Message string
}

// NewError creates a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// Is maps well-known codes onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeUnknownMethod:
		return target == ErrUnknownMethod
	case CodeTimeout:
		return target == ErrTimeout
	case CodeClosed:
		return target == ErrConnectionClosed
	case CodeNotFound:
		return target == ErrClientNotFound
	case CodeUnauthenticated:
		return target == ErrUnauthenticated
	}
	return false
}

func toWireError(err error) *WireError {
	var coded *Error
	switch {
	case errors.As(err, &coded):
		return &WireError{Code: coded.Code, Message: coded.Message}
	case errors.Is(err, ErrUnknownMethod):
		return &WireError{Code: CodeUnknownMethod, Message: err.Error()}
	case errors.Is(err, ErrTimeout):
		return &WireError{Code: CodeTimeout, Message: err.Error()}
	case errors.Is(err, ErrConnectionClosed):
		return &WireError{Code: CodeClosed, Message: err.Error()}
	case errors.Is(err, ErrClientNotFound):
		return &WireError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrUnauthenticated):
		return &WireError{Code: CodeUnauthenticated, Message: err.Error()}
	default:
		return &WireError{Code: CodeInternal, Message: err.Error()}
	}
}

func fromWireError(w *WireError) error {
	if w == nil {
		return nil
	}
	return &Error{Code: w.Code, Message: w.Message}
}

func unknownMethod(method string) error {
	return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}
