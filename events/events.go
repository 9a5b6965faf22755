// Package events carries sync server output and lifecycle notifications to the application.
package events

import "time"

// Channel names are a stable contract with the UI.
const (
	// ChannelStdout payload: one line of sync server stdout as a string.
	ChannelStdout = "sync://stdout"
	// ChannelStderr payload: one line of sync server stderr as a string.
	ChannelStderr = "sync://stderr"
	// ChannelTerminated payload: the exit code as *int, nil when killed by a signal.
	ChannelTerminated = "sync://terminated"
	// ChannelReady payload: the address the sync server is healthy on.
	ChannelReady = "sync://ready"
)

// Event is an emitted notification as delivered to subscribers.
type Event struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Sink receives notifications. Emit is called from the supervisor's forwarding goroutines
// and must not block.
type Sink interface {
	Emit(channel string, payload any)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(channel string, payload any)

func (f SinkFunc) Emit(channel string, payload any) { f(channel, payload) }

type multiSink []Sink

func (m multiSink) Emit(channel string, payload any) {
	for _, s := range m {
		s.Emit(channel, payload)
	}
}

// Multi emits to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

// Discard returns a sink that drops everything.
func Discard() Sink {
	return SinkFunc(func(string, any) {})
}
