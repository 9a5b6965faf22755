package sidecar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar/process"
)

type fakeHandle struct {
	pid     int
	killErr error

	mut    sync.Mutex
	kills  int
	exited bool
	reaped bool
	events chan process.Event
	done   chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:    pid,
		events: make(chan process.Event, 64),
		done:   make(chan struct{}),
	}
}

func (h *fakeHandle) PID() int               { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Kill() error {
	h.mut.Lock()
	h.kills++
	killErr := h.killErr
	h.mut.Unlock()
	if killErr != nil {
		return killErr
	}
	if !h.terminate(nil) {
		return errors.New("process already finished")
	}
	return nil
}

func (h *fakeHandle) Kills() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.kills
}

func (h *fakeHandle) write(kind process.Kind, line string) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.exited {
		return
	}
	h.events <- process.Event{Kind: kind, Data: []byte(line)}
}

// reap marks the process as gone without delivering its Terminated event yet.
func (h *fakeHandle) reap() {
	h.mut.Lock()
	defer h.mut.Unlock()
	if !h.reaped {
		h.reaped = true
		close(h.done)
	}
}

// exit simulates the process ending on its own with code.
func (h *fakeHandle) exit(code int) {
	h.terminate(&code)
}

func (h *fakeHandle) terminate(code *int) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.exited {
		return false
	}
	h.exited = true
	h.events <- process.Event{Kind: process.Terminated, Code: code}
	close(h.events)
	if !h.reaped {
		h.reaped = true
		close(h.done)
	}
	return true
}

type fakeLauncher struct {
	err error
	// gate, when set, is received from before each launch completes.
	gate chan struct{}

	mut      sync.Mutex
	requests []process.Request
	handles  []*fakeHandle
}

func (l *fakeLauncher) Launch(req process.Request) (process.Handle, <-chan process.Event, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	l.requests = append(l.requests, req)
	if l.err != nil {
		return nil, nil, l.err
	}
	h := newFakeHandle(1000 + len(l.handles))
	l.handles = append(l.handles, h)
	return h, h.events, nil
}

func (l *fakeLauncher) Launches() int {
	l.mut.Lock()
	defer l.mut.Unlock()
	return len(l.requests)
}

func (l *fakeLauncher) Handle(i int) *fakeHandle {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.handles[i]
}

type proberFunc func(ctx context.Context, addr string, timeout time.Duration) bool

func (f proberFunc) Wait(ctx context.Context, addr string, timeout time.Duration) bool {
	return f(ctx, addr, timeout)
}

func alwaysHealthy() Prober {
	return proberFunc(func(context.Context, string, time.Duration) bool { return true })
}

func neverHealthy() Prober {
	return proberFunc(func(context.Context, string, time.Duration) bool { return false })
}

// untilCanceled blocks until the probe is aborted.
func untilCanceled() Prober {
	return proberFunc(func(ctx context.Context, _ string, _ time.Duration) bool {
		<-ctx.Done()
		return false
	})
}

type recordingSink struct {
	mut    sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(channel string, payload any) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.events = append(r.events, events.Event{Channel: channel, Payload: payload})
}

func (r *recordingSink) Events(channels ...string) []events.Event {
	r.mut.Lock()
	defer r.mut.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if len(channels) == 0 {
			out = append(out, ev)
			continue
		}
		for _, c := range channels {
			if ev.Channel == c {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func (r *recordingSink) waitFor(t *testing.T, channel string) events.Event {
	t.Helper()
	var found events.Event
	require.Eventually(t, func() bool {
		evs := r.Events(channel)
		if len(evs) == 0 {
			return false
		}
		found = evs[0]
		return true
	}, 5*time.Second, 5*time.Millisecond, "no %s event", channel)
	return found
}
