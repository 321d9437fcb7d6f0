package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger forwards whatsmeow's printf-style logs to slog so both share one sink.
type slogLogger struct {
	module string
	min    slog.Level
	logger *slog.Logger
}

var _ waLog.Logger = (*slogLogger)(nil)

// NewSlogLogger returns a whatsmeow logger writing to the default slog logger. level is one of
// DEBUG, INFO, WARN or ERROR; anything else means INFO.
func NewSlogLogger(module, level string) waLog.Logger {
	return &slogLogger{module: module, min: parseLevel(level), logger: slog.Default()}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) log(level slog.Level, msg string, args []interface{}) {
	if level < l.min {
		return
	}
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogLogger) Debugf(msg string, args ...interface{}) { l.log(slog.LevelDebug, msg, args) }
func (l *slogLogger) Infof(msg string, args ...interface{})  { l.log(slog.LevelInfo, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...interface{})  { l.log(slog.LevelWarn, msg, args) }
func (l *slogLogger) Errorf(msg string, args ...interface{}) { l.log(slog.LevelError, msg, args) }

// Sub returns a logger for a nested module, named like whatsmeow's own "Client/Socket".
func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{module: l.module + "/" + module, min: l.min, logger: l.logger}
}
