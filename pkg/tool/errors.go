package tool

import (
	"errors"
	"fmt"
)

// Kind classifies an invocation failure so callers can decide between
// reporting it to the model and aborting the turn.
type Kind int

const (
	KindNotBound Kind = iota + 1
	KindServerNotReady
	KindInvalidArgs
	KindTimeout
	KindProcessExited
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindNotBound:
		return "not bound"
	case KindServerNotReady:
		return "server not ready"
	case KindInvalidArgs:
		return "invalid arguments"
	case KindTimeout:
		return "timeout"
	case KindProcessExited:
		return "process exited"
	case KindRemote:
		return "remote error"
	default:
		return "unknown"
	}
}

// Error is the failure of one tool invocation.
type Error struct {
	Kind   Kind
	Tool   string
	Server string
	Err    error
}

func (e *Error) Error() string {
	where := e.Tool
	if e.Server != "" {
		where = fmt.Sprintf("%s (server %s)", e.Tool, e.Server)
	}
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", where, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", where, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the invocation failure kind, or zero for other errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
