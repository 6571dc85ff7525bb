package natsserver

import (
	"github.com/rs/zerolog"
)

// serverLogger routes the embedded server's log lines into relayd's logger.
// Fatal lines are logged at error level with fatal=true; the NATS server
// shuts itself down after them, and relayd's shutdown path stays in charge
// of the process.
type serverLogger struct {
	logger zerolog.Logger
}

func newServerLogger(l zerolog.Logger, serverID string, listen string) *serverLogger {
	return &serverLogger{logger: l.With().
		Str("component", "natsserver").
		Str("server_id", serverID).
		Str("listen", listen).
		Logger()}
}

func (s *serverLogger) Noticef(format string, v ...any) { s.emit(zerolog.InfoLevel, false, format, v) }
func (s *serverLogger) Warnf(format string, v ...any)   { s.emit(zerolog.WarnLevel, false, format, v) }
func (s *serverLogger) Errorf(format string, v ...any)  { s.emit(zerolog.ErrorLevel, false, format, v) }
func (s *serverLogger) Fatalf(format string, v ...any)  { s.emit(zerolog.ErrorLevel, true, format, v) }
func (s *serverLogger) Debugf(format string, v ...any)  { s.emit(zerolog.DebugLevel, false, format, v) }
func (s *serverLogger) Tracef(format string, v ...any)  { s.emit(zerolog.TraceLevel, false, format, v) }

func (s *serverLogger) emit(level zerolog.Level, fatal bool, format string, v []any) {
	e := s.logger.WithLevel(level)
	if fatal {
		e = e.Bool("fatal", true)
	}
	e.Msgf(format, v...)
}
