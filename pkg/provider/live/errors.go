package live

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOpen is matched by every failure to establish a session.
	ErrOpen = errors.New("live: session open failed")

	// ErrAuth is matched when the backend rejected the credentials. Errors
	// matching ErrAuth during connect also match [ErrOpen].
	ErrAuth = errors.New("live: authentication failed")

	// ErrTransport is matched by failures of an established session.
	ErrTransport = errors.New("live: transport error")
)

// Error is a structured session error.
type Error struct {
	// Op is the failed operation: "connect", "setup", "receive" or "send".
	Op string

	// Code is an HTTP status, a server error code or a WebSocket close code,
	// whichever the backend reported. Zero when unknown.
	Code int

	// Status is the canonical status string reported by the server
	// (e.g. "UNAUTHENTICATED"), if any.
	Status string

	// Auth is set when the structured signals identify an authentication or
	// authorisation failure.
	Auth bool

	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("live: ")
	b.WriteString(e.Op)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d", e.Code)
		if e.Status != "" {
			fmt.Fprintf(&b, " %s", e.Status)
		}
		b.WriteString(")")
	} else if e.Status != "" {
		fmt.Fprintf(&b, " (%s)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches [ErrOpen] for connect and setup failures, [ErrTransport] for
// everything else and [ErrAuth] when Auth is set.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Auth
	case ErrOpen:
		return e.Op == "connect" || e.Op == "setup"
	case ErrTransport:
		return e.Op != "connect" && e.Op != "setup"
	}
	return false
}

// WebSocket close code sent by the server for policy violations, which the
// Gemini endpoint uses for rejected API keys.
const closePolicyViolation = 1008

// IsAuthCode reports whether an HTTP status or server error code denotes an
// authentication or authorisation failure.
func IsAuthCode(code int) bool {
	return code == 401 || code == 403
}

// IsAuthStatus reports whether a canonical status string denotes an
// authentication or authorisation failure.
func IsAuthStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return true
	}
	return false
}

// IsAuthCloseCode reports whether a WebSocket close code denotes a rejected
// credential.
func IsAuthCloseCode(code int) bool {
	return code == closePolicyViolation
}
