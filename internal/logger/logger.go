package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the global logger at the given level ("debug", "info",
// "warning" or "error").
func Init(level string, isService bool) error {
	return InitWriter(os.Stdout, level, isService)
}

// InitWriter is Init with an explicit output.
func InitWriter(out io.Writer, level string, isService bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    isService,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(lvl)

	return nil
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warning", "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// componentLogger is a Logger bound to a set of context fields.
type componentLogger struct {
	zl zerolog.Logger
}

// Named returns a Logger that tags every event with the component name.
// It captures the global logger, so call it after Init.
func Named(component string) Logger {
	return componentLogger{zl: log.With().Str("component", component).Logger()}
}

// New wraps an existing zerolog logger.
func New(zl zerolog.Logger) Logger {
	return componentLogger{zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return componentLogger{zl: zerolog.Nop()}
}

func (l componentLogger) Debug() *LogEvent { return &LogEvent{l.zl.Debug()} }
func (l componentLogger) Info() *LogEvent  { return &LogEvent{l.zl.Info()} }
func (l componentLogger) Warn() *LogEvent  { return &LogEvent{l.zl.Warn()} }
func (l componentLogger) Error() *LogEvent { return &LogEvent{l.zl.Error()} }

func (l componentLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(l.zl.Error(), err)
}

func (l componentLogger) With(key, value string) Logger {
	return componentLogger{zl: l.zl.With().Str(key, value).Logger()}
}
