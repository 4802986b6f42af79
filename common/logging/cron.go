package logging

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Cron adapts l to the logger interface of robfig/cron. Scheduler chatter
// is logged at debug level.
func Cron(l *slog.Logger) cron.Logger {
	return cronLogger{l}
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, FieldError, err.Error())...)
}
