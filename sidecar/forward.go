package sidecar

import (
	"strings"

	"go.uber.org/zap"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar/process"
)

// forward relays the event stream of one run to the sink until the stream closes.
func (s *Supervisor) forward(r *run, handle process.Handle, stream <-chan process.Event, log *zap.SugaredLogger) {
	defer s.forwarders.Done()
	for ev := range stream {
		switch ev.Kind {
		case process.Stdout:
			s.sink.Emit(events.ChannelStdout, lineText(ev.Data))
		case process.Stderr:
			s.sink.Emit(events.ChannelStderr, lineText(ev.Data))
		case process.Error:
			log.Warnw("reading sync server output", "error", ev.Err)
		case process.Terminated:
			log.Infow("sync server terminated", "code", ev.Code, "signal", ev.Signal)
			s.sink.Emit(events.ChannelTerminated, ev.Code)
			if s.release(r) {
				// Exited on its own; a probe still polling it can stop now.
				r.cancel()
				log.Warnw("sync server exited unexpectedly", "pid", handle.PID())
			}
		}
	}
}

func lineText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
