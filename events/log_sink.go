package events

import "go.uber.org/zap"

// LogSink writes sync server output into the application log.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s *LogSink) Emit(channel string, payload any) {
	switch channel {
	case ChannelStdout:
		s.Log.Infow("[sync] "+toString(payload), "stream", "stdout")
	case ChannelStderr:
		s.Log.Warnw("[sync] "+toString(payload), "stream", "stderr")
	case ChannelTerminated:
		s.Log.Warnw("sync server terminated", "code", payload)
	case ChannelReady:
		s.Log.Infow("sync server ready", "addr", payload)
	default:
		s.Log.Debugw("event", "channel", channel, "payload", payload)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
