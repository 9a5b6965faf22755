package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventBuffer = 64

// ExecLauncher launches local executables with os/exec.
type ExecLauncher struct {
	Log *zap.SugaredLogger
	// Resolve maps a command to an executable path. Defaults to Resolve.
	Resolve func(command string) (string, error)
	// Env is appended to the environment of every launched process.
	Env []string
}

func (l *ExecLauncher) log() *zap.SugaredLogger {
	if l.Log == nil {
		return zap.NewNop().Sugar()
	}
	return l.Log
}

// Launch resolves and starts req.Command. Nothing is left running if it fails.
func (l *ExecLauncher) Launch(req Request) (Handle, <-chan Event, error) {
	resolve := l.Resolve
	if resolve == nil {
		resolve = Resolve
	}
	path, err := resolve(req.Command)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(path, req.Args...)
	cmd.Dir = req.WD
	if env := append(append([]string{}, l.Env...), req.Env...); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", path, err)
	}

	h := &execHandle{
		cmd:  cmd,
		log:  l.log().Named("process").With("pid", cmd.Process.Pid),
		done: make(chan struct{}),
	}
	h.log.Debugw("process started", "path", path, "args", req.Args)

	events := make(chan Event, eventBuffer)
	var readers sync.WaitGroup
	readers.Add(2)
	go h.readLines(&readers, stdout, Stdout, events)
	go h.readLines(&readers, stderr, Stderr, events)
	go h.waitAndSendResult(&readers, start, events)

	return h, events, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	log  *zap.SugaredLogger
	done chan struct{}
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Kill() error {
	select {
	case <-h.done:
		return fmt.Errorf("killing pid %d: %w", h.PID(), os.ErrProcessDone)
	default:
	}
	if err := killProcess(h.cmd.Process); err != nil {
		return fmt.Errorf("killing pid %d: %w", h.PID(), err)
	}
	h.log.Debug("sent kill")
	return nil
}

// readLines sends each line of r as an event. Per exec.Cmd docs the pipes must be
// fully read before Wait is called, so the waiter blocks on wg.
func (h *execHandle) readLines(wg *sync.WaitGroup, r io.Reader, kind Kind, events chan<- Event) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			events <- Event{Kind: kind, Data: trimNewline(line)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debugf("%s reader got error: %s", kind, err)
				events <- Event{Kind: Error, Err: fmt.Errorf("reading %s: %w", kind, err)}
			}
			return
		}
	}
}

func (h *execHandle) waitAndSendResult(readers *sync.WaitGroup, start time.Time, events chan<- Event) {
	readers.Wait()

	err := h.cmd.Wait()
	close(h.done)

	ev := Event{Kind: Terminated}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.log.Debugf("unexpected wait error: %s", err)
		}
	}
	if state := h.cmd.ProcessState; state != nil {
		if code := state.ExitCode(); code >= 0 {
			ev.Code = &code
		}
		ev.Signal = exitSignal(state)
	}
	h.log.Debugw("process exited", "code", ev.Code, "signal", ev.Signal, "timeMS", time.Since(start).Milliseconds())

	events <- ev
	close(events)
}

func trimNewline(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line
}
