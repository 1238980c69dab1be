package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownServer is returned by registry operations naming a server
	// that was never registered.
	ErrUnknownServer = errors.New("unknown server")

	// ErrNotReady is returned by Resync when the target session has not
	// completed its handshake.
	ErrNotReady = errors.New("server not ready")
)

// SpawnError reports a child process that could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolErrorKind classifies session-level protocol failures.
type ProtocolErrorKind int

const (
	// KindTimeout means no response arrived within the per-call deadline.
	KindTimeout ProtocolErrorKind = iota + 1
	// KindMalformed means a response arrived but could not be interpreted.
	KindMalformed
	// KindRemote means the server answered with a JSON-RPC error object.
	KindRemote
	// KindCancelled means the session was closed while the call was pending.
	KindCancelled
	// KindProcessExited means the child process is gone.
	KindProcessExited
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed response"
	case KindRemote:
		return "remote error"
	case KindCancelled:
		return "cancelled"
	case KindProcessExited:
		return "process exited"
	default:
		return "unknown"
	}
}

// ProtocolError is scoped to a single protocol exchange; only
// KindProcessExited ever affects the session as a whole.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Method  string
	Code    int // JSON-RPC error code, set for KindRemote
	Message string
}

func (e *ProtocolError) Error() string {
	method := e.Method
	if method == "" {
		method = "call"
	}
	if e.Kind == KindRemote {
		return fmt.Sprintf("%s: server error %d: %s", method, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", method, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", method, e.Kind)
}

// ErrorKind extracts the protocol error kind from err, or zero when err is
// not a ProtocolError.
func ErrorKind(err error) ProtocolErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
