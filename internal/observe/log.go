package observe

import (
	"github.com/rs/zerolog"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) OnEvent(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case RelaySuccess:
		ev = s.log.Debug().Dur("latency", e.Latency)
	case RelayFailure:
		if e.Final {
			ev = s.log.Warn()
		} else {
			ev = s.log.Info()
		}
		ev = ev.Str("error_kind", e.ErrorKind).Int("attempt", e.Attempt).Bool("final", e.Final).Err(e.Err)
	case StartupError:
		ev = s.log.Error().Str("error_kind", e.ErrorKind).Err(e.Err)
	default:
		ev = s.log.Debug()
	}
	ev.Str("event", string(e.Type)).
		Str("pier", e.Pier).
		Str("channel", e.Channel).
		Str("message_id", e.MessageID).
		Msg("Relay event")
}
