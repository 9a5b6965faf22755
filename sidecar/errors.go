package sidecar

import (
	"errors"
	"fmt"
)

// ErrorKind classifies supervisor failures.
type ErrorKind int

const (
	// LaunchFailed means the executable could not be started.
	LaunchFailed ErrorKind = iota + 1
	// HealthTimeout means the process started but never became healthy, or was stopped
	// before it did. The process has been killed.
	HealthTimeout
	// KillFailed means the OS refused to kill the process. The supervisor has forgotten it anyway.
	KillFailed
)

func (k ErrorKind) String() string {
	switch k {
	case LaunchFailed:
		return "launch failed"
	case HealthTimeout:
		return "health timeout"
	case KillFailed:
		return "kill failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is returned by Start and Stop.
type Error struct {
	Kind ErrorKind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case LaunchFailed:
		msg = "launching sync server"
	case HealthTimeout:
		msg = "sync server failed to start (timeout)"
	case KillFailed:
		msg = "killing sync server"
	default:
		msg = "sync server: " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrHealthTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrLaunchFailed  = &Error{Kind: LaunchFailed}
	ErrHealthTimeout = &Error{Kind: HealthTimeout}
	ErrKillFailed    = &Error{Kind: KillFailed}

	// ErrSupervisorShutdown is returned by Start after Shutdown.
	ErrSupervisorShutdown = errors.New("supervisor is shut down")

	errStoppedDuringStart = errors.New("stopped before becoming healthy")
)
