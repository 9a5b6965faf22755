package process

import "fmt"

// Kind identifies the type of an Event.
type Kind int

const (
	// Stdout carries one line written to standard output.
	Stdout Kind = iota
	// Stderr carries one line written to standard error.
	Stderr
	// Terminated is the last event of a stream.
	Terminated
	// Error reports a failure reading one of the pipes. The stream continues.
	Error
)

func (k Kind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Terminated:
		return "terminated"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a single item of a process event stream.
type Event struct {
	Kind Kind
	// Data is the line without its trailing newline, for Stdout and Stderr.
	Data []byte
	// Code is the exit code for Terminated, nil if the process was killed by a signal.
	Code *int
	// Signal is the terminating signal number for Terminated, when known.
	Signal *int
	Err    error
}

// Request describes a process to launch.
type Request struct {
	Command string
	Args    []string
	// Env entries are appended to the current environment.
	Env []string
	WD  string
}

// Handle is a launched process.
type Handle interface {
	PID() int
	// Kill forcibly terminates the process. Killing a process that already exited returns an error.
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
}

// Launcher starts processes.
type Launcher interface {
	Launch(req Request) (Handle, <-chan Event, error)
}
