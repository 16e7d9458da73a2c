package logger

import "codeberg.org/mutker/rpmd/internal/errors"

// Logger is the logging handle components receive at construction. Named
// returns one tagged with a component; With adds a field such as a
// machine or session id to every event.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	// ErrorWithCode starts an error event carrying err's code and data.
	ErrorWithCode(err errors.Error) *LogEvent
	With(key, value string) Logger
}
