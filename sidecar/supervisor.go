package sidecar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar/health"
	"github.com/pwman/sidecar/sidecar/process"
)

// DefaultCommand is the name of the bundled sync server executable.
const DefaultCommand = "pwman-sync-server"

// State is the lifecycle state of the supervised sync server.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "starting":
		*s = StateStarting
	case "healthy":
		*s = StateHealthy
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Status is a snapshot of the supervisor.
type Status struct {
	State     State     `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	BaseDir   string    `json:"base_dir,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Prober decides whether the sync server on addr became healthy within timeout.
type Prober interface {
	Wait(ctx context.Context, addr string, timeout time.Duration) bool
}

// run is one launch of the sync server. Fields other than done and err are guarded by Supervisor.mut.
type run struct {
	id        string
	addr      string
	baseDir   string
	handle    process.Handle
	startedAt time.Time
	healthy   bool

	// cancel aborts the health probe.
	cancel context.CancelFunc
	// done is closed when Start has decided the outcome, stored in err.
	done chan struct{}
	err  error
}

// Supervisor owns the sync server process. Create it with New.
type Supervisor struct {
	log           *zap.SugaredLogger
	launcher      process.Launcher
	sink          events.Sink
	prober        Prober
	command       string
	healthTimeout time.Duration

	mut     sync.Mutex
	current *run
	closed  bool

	// transition serializes Stop taking the run with Start announcing it as ready,
	// so no ready event follows a Stop. Never held across a kill or a probe.
	transition sync.Mutex

	// inflight counts Starts that own a reservation. Added to only under mut while open.
	inflight   sync.WaitGroup
	forwarders sync.WaitGroup
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

func WithLauncher(l process.Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithSink sets where output and lifecycle events go. The sink must not block or call Stop.
func WithSink(sink events.Sink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

func WithProber(p Prober) Option {
	return func(s *Supervisor) {
		s.prober = p
	}
}

// WithCommand sets the sync server executable, resolved by the launcher.
func WithCommand(cmd string) Option {
	return func(s *Supervisor) {
		s.command = cmd
	}
}

func WithHealthTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.healthTimeout = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:           zap.NewNop().Sugar(),
		sink:          events.Discard(),
		prober:        &health.Probe{},
		command:       DefaultCommand,
		healthTimeout: health.DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.launcher == nil {
		s.launcher = &process.ExecLauncher{Log: s.log}
	}
	return s
}

// Start launches the sync server on addr with baseDir and waits until it is healthy.
// ctx only bounds waiting on a Start that is already in progress; the process itself
// is never tied to ctx.
func (s *Supervisor) Start(ctx context.Context, addr, baseDir string) error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return ErrSupervisorShutdown
	}
	if r := s.current; r != nil {
		s.mut.Unlock()
		s.log.Debugw("sync server already running or starting", "run", r.id)
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	probeCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      uuid.NewString(),
		addr:    addr,
		baseDir: baseDir,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.current = r
	s.inflight.Add(1)
	s.mut.Unlock()
	defer s.inflight.Done()

	err := s.start(probeCtx, r)
	cancel()
	r.err = err
	close(r.done)
	return err
}

func (s *Supervisor) start(ctx context.Context, r *run) error {
	log := s.log.With("run", r.id, "addr", r.addr)

	handle, stream, err := s.launcher.Launch(process.Request{
		Command: s.command,
		Args:    []string{"--addr", r.addr, "--base", r.baseDir},
	})
	if err != nil {
		s.release(r)
		log.Warnw("launching sync server failed", "error", err)
		return &Error{Kind: LaunchFailed, Addr: r.addr, Err: err}
	}
	log = log.With("pid", handle.PID())
	log.Infow("sync server launched", "baseDir", r.baseDir)

	s.mut.Lock()
	current := s.current == r
	if current {
		r.handle = handle
		r.startedAt = time.Now()
	}
	// Shutdown waits for this Start before it waits for forwarders.
	s.forwarders.Add(1)
	s.mut.Unlock()

	go s.forward(r, handle, stream, log)

	if !current {
		log.Infow("stopped while launching, killing sync server")
		if err := handle.Kill(); err != nil {
			log.Warnw("killing sync server failed", "error", err)
		}
		return &Error{Kind: HealthTimeout, Addr: r.addr, Err: errStoppedDuringStart}
	}

	if !s.prober.Wait(ctx, r.addr, s.healthTimeout) {
		// Stop, or the process exiting, may already have taken the run out of the slot.
		if s.release(r) {
			log.Warnw("sync server did not become healthy, killing it", "timeout", s.healthTimeout)
			if err := handle.Kill(); err != nil {
				log.Warnw("killing sync server failed", "error", err)
			}
		}
		return &Error{Kind: HealthTimeout, Addr: r.addr}
	}

	s.transition.Lock()
	defer s.transition.Unlock()
	s.mut.Lock()
	current = s.current == r
	if current {
		r.healthy = true
	}
	s.mut.Unlock()
	if !current {
		return &Error{Kind: HealthTimeout, Addr: r.addr, Err: errStoppedDuringStart}
	}

	log.Infow("sync server is healthy")
	s.sink.Emit(events.ChannelReady, r.addr)
	return nil
}

// release clears the slot if it still holds r and reports whether it did.
func (s *Supervisor) release(r *run) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.current != r {
		return false
	}
	s.current = nil
	return true
}

// Stop kills the sync server if there is one. The supervisor forgets the process even
// when killing it fails.
func (s *Supervisor) Stop() error {
	s.transition.Lock()
	s.mut.Lock()
	r := s.current
	s.current = nil
	var handle process.Handle
	if r != nil {
		handle = r.handle
	}
	s.mut.Unlock()
	s.transition.Unlock()

	if r == nil {
		return nil
	}
	r.cancel()
	if handle == nil {
		// Still launching; Start kills the process once the launch returns.
		s.log.Infow("stopped sync server while launching", "run", r.id)
		return nil
	}
	select {
	case <-handle.Done():
		s.log.Infow("sync server already exited", "run", r.id, "pid", handle.PID())
		return nil
	default:
	}
	if err := handle.Kill(); err != nil {
		s.log.Warnw("killing sync server failed", "run", r.id, "error", err)
		return &Error{Kind: KillFailed, Addr: r.addr, Err: err}
	}
	s.log.Infow("sync server stopped", "run", r.id, "pid", handle.PID())
	return nil
}

// Shutdown stops the sync server and refuses later Starts. It then waits, bounded by ctx,
// for Starts still in progress, which kill whatever they launched, and until the output of
// every launched process has been forwarded.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mut.Lock()
	s.closed = true
	s.mut.Unlock()

	err := s.Stop()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.forwarders.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("waiting for sync server shutdown: %w", ctx.Err())
		}
	}
	return err
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() Status {
	s.mut.Lock()
	defer s.mut.Unlock()

	r := s.current
	if r == nil {
		return Status{State: StateIdle}
	}
	st := Status{
		State:     StateStarting,
		RunID:     r.id,
		Addr:      r.addr,
		BaseDir:   r.baseDir,
		StartedAt: r.startedAt,
	}
	if r.handle != nil {
		st.PID = r.handle.PID()
	}
	if r.healthy {
		st.State = StateHealthy
	}
	return st
}
