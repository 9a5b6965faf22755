package sidecar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar/health"
	"github.com/pwman/sidecar/sidecar/process"
)

const (
	testAddr    = "127.0.0.1:18080"
	testBaseDir = "/tmp/pwlog"
)

func newTestSupervisor(t *testing.T, l *fakeLauncher, p Prober, sink events.Sink) *Supervisor {
	t.Helper()
	s := New(
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithLauncher(l),
		WithProber(p),
		WithSink(sink),
		WithHealthTimeout(200*time.Millisecond),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestStartBecomesHealthy(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))

	require.Equal(t, 1, l.Launches())
	assert.Equal(t, DefaultCommand, l.requests[0].Command)
	assert.Equal(t, []string{"--addr", testAddr, "--base", testBaseDir}, l.requests[0].Args)

	st := s.Status()
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, testAddr, st.Addr)
	assert.Equal(t, testBaseDir, st.BaseDir)
	assert.Equal(t, 1000, st.PID)
	assert.NotEmpty(t, st.RunID)
	assert.False(t, st.StartedAt.IsZero())

	ready := sink.Events(events.ChannelReady)
	require.Len(t, ready, 1)
	assert.Equal(t, testAddr, ready[0].Payload)
}

func TestStartIsIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	release := make(chan struct{})
	var probes atomic.Int32
	p := proberFunc(func(ctx context.Context, _ string, _ time.Duration) bool {
		probes.Add(1)
		<-release
		return true
	})
	s := newTestSupervisor(t, l, p, sink)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error { return s.Start(ctx, testAddr, testBaseDir) })
	}
	require.Eventually(t, func() bool { return probes.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	// Once healthy, a further Start is a no-op.
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:1", "/elsewhere"))

	assert.Equal(t, 1, l.Launches())
	assert.Equal(t, int32(1), probes.Load())
	assert.Len(t, sink.Events(events.ChannelReady), 1)
	assert.Equal(t, testAddr, s.Status().Addr)
}

func TestJoiningStartHonorsContext(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, untilCanceled(), &recordingSink{})

	first := make(chan error, 1)
	go func() { first <- s.Start(context.Background(), testAddr, testBaseDir) }()
	require.Eventually(t, func() bool { return s.Status().PID != 0 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Start(ctx, testAddr, testBaseDir)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Stop())
	require.ErrorIs(t, <-first, ErrHealthTimeout)
}

func TestStopWhenIdle(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateIdle, s.Status().State)
	assert.Empty(t, sink.Events())
}

func TestStopKillsProcess(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	require.NoError(t, s.Stop())

	assert.Equal(t, StateIdle, s.Status().State)
	assert.Equal(t, 1, l.Handle(0).Kills())

	term := sink.waitFor(t, events.ChannelTerminated)
	assert.Nil(t, term.Payload)
}

func TestHealthTimeout(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, neverHealthy(), sink)

	err := s.Start(context.Background(), testAddr, testBaseDir)
	require.ErrorIs(t, err, ErrHealthTimeout)
	assert.Equal(t, "sync server failed to start (timeout)", err.Error())

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, testAddr, serr.Addr)

	assert.Equal(t, StateIdle, s.Status().State)
	assert.Equal(t, 1, l.Handle(0).Kills())
	sink.waitFor(t, events.ChannelTerminated)
	assert.Empty(t, sink.Events(events.ChannelReady))

	// The slot is free again.
	require.Error(t, s.Start(context.Background(), testAddr, testBaseDir))
	assert.Equal(t, 2, l.Launches())
}

func TestStopDuringHealthPoll(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, untilCanceled(), sink)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()

	require.Eventually(t, func() bool { return s.Status().PID != 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarting, s.Status().State)
	require.NoError(t, s.Stop())

	select {
	case err := <-started:
		require.ErrorIs(t, err, ErrHealthTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, 1, l.Handle(0).Kills())
	assert.Equal(t, StateIdle, s.Status().State)
	assert.Empty(t, sink.Events(events.ChannelReady))
}

func TestStopDuringLaunch(t *testing.T) {
	l := &fakeLauncher{gate: make(chan struct{})}
	s := newTestSupervisor(t, l, alwaysHealthy(), &recordingSink{})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()

	require.Eventually(t, func() bool { return s.Status().State == StateStarting }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	close(l.gate)

	err := <-started
	require.ErrorIs(t, err, ErrHealthTimeout)
	require.ErrorIs(t, err, errStoppedDuringStart)
	assert.Equal(t, 1, l.Handle(0).Kills())
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestLaunchFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("no such file")}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	err := s.Start(context.Background(), testAddr, testBaseDir)
	require.ErrorIs(t, err, ErrLaunchFailed)
	assert.Contains(t, err.Error(), "no such file")
	assert.Equal(t, StateIdle, s.Status().State)
	assert.Empty(t, sink.Events())

	l.mut.Lock()
	l.err = nil
	l.mut.Unlock()
	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
}

func TestKillFailureStillClearsSlot(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, alwaysHealthy(), &recordingSink{})

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	h := l.Handle(0)
	h.mut.Lock()
	h.killErr = errors.New("operation not permitted")
	h.mut.Unlock()

	err := s.Stop()
	require.ErrorIs(t, err, ErrKillFailed)
	assert.Contains(t, err.Error(), "operation not permitted")
	assert.Equal(t, StateIdle, s.Status().State)

	h.exit(0)
}

func TestOutputIsForwardedInOrder(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	h := l.Handle(0)
	h.write(process.Stdout, "A")
	h.write(process.Stderr, "warn")
	h.write(process.Stdout, "B")
	h.write(process.Stdout, string([]byte{'x', 0xff, 'y'}))
	h.exit(3)

	sink.waitFor(t, events.ChannelTerminated)
	got := sink.Events(events.ChannelStdout, events.ChannelStderr, events.ChannelTerminated)
	require.Len(t, got, 5)
	assert.Equal(t, events.Event{Channel: events.ChannelStdout, Payload: "A"}, got[0])
	assert.Equal(t, events.Event{Channel: events.ChannelStderr, Payload: "warn"}, got[1])
	assert.Equal(t, events.Event{Channel: events.ChannelStdout, Payload: "B"}, got[2])
	assert.Equal(t, events.Event{Channel: events.ChannelStdout, Payload: "x\uFFFDy"}, got[3])
	assert.Equal(t, events.ChannelTerminated, got[4].Channel)
	code, ok := got[4].Payload.(*int)
	require.True(t, ok)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)
}

func TestCrashClearsSlot(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	l.Handle(0).exit(1)

	require.Eventually(t, func() bool { return s.Status().State == StateIdle }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Equal(t, 0, l.Handle(0).Kills())

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	assert.Equal(t, 2, l.Launches())
	assert.Len(t, sink.Events(events.ChannelReady), 2)
}

func TestCrashDuringHealthPoll(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, untilCanceled(), &recordingSink{})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()
	require.Eventually(t, func() bool { return s.Status().PID != 0 }, 5*time.Second, 5*time.Millisecond)

	l.Handle(0).exit(2)

	require.ErrorIs(t, <-started, ErrHealthTimeout)
	assert.Equal(t, 0, l.Handle(0).Kills())
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestShutdown(t *testing.T) {
	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := newTestSupervisor(t, l, alwaysHealthy(), sink)

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, 1, l.Handle(0).Kills())
	// Forwarders have drained, so the terminated event is already recorded.
	assert.Len(t, sink.Events(events.ChannelTerminated), 1)

	require.ErrorIs(t, s.Start(context.Background(), testAddr, testBaseDir), ErrSupervisorShutdown)
	require.NoError(t, s.Shutdown(ctx))
}

func TestStartWithHTTPProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != health.Path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")

	l := &fakeLauncher{}
	sink := &recordingSink{}
	s := New(
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithLauncher(l),
		WithSink(sink),
		WithProber(&health.Probe{Interval: 10 * time.Millisecond}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	require.NoError(t, s.Start(context.Background(), addr, testBaseDir))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
	assert.Equal(t, addr, sink.waitFor(t, events.ChannelReady).Payload)
}

func TestStateText(t *testing.T) {
	for _, st := range []State{StateIdle, StateStarting, StateHealthy} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, st, back)
	}
	var st State
	assert.Error(t, st.UnmarshalText([]byte("bogus")))
}

func TestShutdownWaitsForLaunchInProgress(t *testing.T) {
	l := &fakeLauncher{gate: make(chan struct{})}
	s := newTestSupervisor(t, l, alwaysHealthy(), &recordingSink{})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()
	require.Eventually(t, func() bool { return s.Status().State == StateStarting }, 5*time.Second, 5*time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- s.Shutdown(ctx)
	}()
	select {
	case err := <-shutdown:
		t.Fatalf("Shutdown returned while a launch was in progress: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(l.gate)
	require.NoError(t, <-shutdown)
	require.Equal(t, 1, l.Launches())
	assert.Equal(t, 1, l.Handle(0).Kills())
	require.ErrorIs(t, <-started, ErrHealthTimeout)
}

func TestShutdownWaitIsBounded(t *testing.T) {
	l := &fakeLauncher{gate: make(chan struct{})}
	s := newTestSupervisor(t, l, alwaysHealthy(), &recordingSink{})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()
	require.Eventually(t, func() bool { return s.Status().State == StateStarting }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(l.gate)
	require.ErrorIs(t, <-started, ErrHealthTimeout)
	assert.Equal(t, 1, l.Handle(0).Kills())
}

func TestStopWaitsForReadyAnnouncement(t *testing.T) {
	l := &fakeLauncher{}
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var s *Supervisor
	var stateAtReady State
	sink := events.SinkFunc(func(channel string, payload any) {
		if channel != events.ChannelReady {
			return
		}
		stateAtReady = s.Status().State
		close(entered)
		<-proceed
	})
	s = newTestSupervisor(t, l, alwaysHealthy(), sink)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), testAddr, testBaseDir) }()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case <-stopped:
		t.Fatal("Stop took the run while it was being announced as ready")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	require.NoError(t, <-started)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateHealthy, stateAtReady)
	assert.Equal(t, 1, l.Handle(0).Kills())
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStopSkipsKillForExitedProcess(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, alwaysHealthy(), &recordingSink{})

	require.NoError(t, s.Start(context.Background(), testAddr, testBaseDir))
	h := l.Handle(0)
	// Reaped, but the exit has not reached the forwarder yet.
	h.reap()

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, h.Kills())
	assert.Equal(t, StateIdle, s.Status().State)

	h.exit(0)
}
