// ABOUTME: Sentinel errors of the registry and their stable wire codes.
// ABOUTME: Codes let remote callers recover the sentinel with errors.Is.

package network

import "errors"

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrContainerNotFound  = errors.New("container not found")
	ErrContainerOwned     = errors.New("container owned by another agent")
	ErrEndpointImmutable  = errors.New("container endpoint cannot change")
	ErrInvalidRecord      = errors.New("invalid record")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrSessionClosed      = errors.New("client session closed")
	ErrStartFailed        = errors.New("on-demand start failed")
	ErrRegistryClosed     = errors.New("registry closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrForbidden          = errors.New("operation not permitted")
)

var codes = []struct {
	code string
	err  error
}{
	{"agent_not_found", ErrAgentNotFound},
	{"container_not_found", ErrContainerNotFound},
	{"container_owned", ErrContainerOwned},
	{"endpoint_immutable", ErrEndpointImmutable},
	{"invalid_record", ErrInvalidRecord},
	{"query_timeout", ErrQueryTimeout},
	{"session_closed", ErrSessionClosed},
	{"start_failed", ErrStartFailed},
	{"registry_closed", ErrRegistryClosed},
	{"subscription_closed", ErrSubscriptionClosed},
	{"forbidden", ErrForbidden},
}

// ErrorCode returns the wire code of a registry error, or "" for errors that
// do not wrap one of the sentinels.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// ErrorFromCode rebuilds a registry error received from a peer. Unknown codes
// yield nil.
func ErrorFromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			return &remoteError{sentinel: c.err, message: message}
		}
	}
	return nil
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.sentinel }
