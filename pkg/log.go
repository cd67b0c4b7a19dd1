package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component names the subsystem a log record comes from. It is attached to
// every record under the "component" key.
type Component string

// Components of the host stack.
const (
	ComponentHost  Component = "host"
	ComponentEnum  Component = "enum"
	ComponentPipe  Component = "pipe"
	ComponentHAL   Component = "hal"
	ComponentClass Component = "class"
	ComponentCache Component = "cache"
	ComponentDisk  Component = "disk"
	ComponentFAT   Component = "fatfs"
	ComponentCLI   Component = "cli"
)

// LogFormat selects the slog handler used by [SetLogOutput].
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	level  slog.LevelVar
	logger atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelWarn)
	SetLogOutput(os.Stderr, LogFormatText)
}

// SetLogLevel sets the minimum level of records the stack emits.
func SetLogLevel(l slog.Level) { level.Set(l) }

// LogLevel returns the minimum level of records the stack emits.
func LogLevel() slog.Level { return level.Level() }

// SetLogOutput sends all records to w in the given format. The level set by
// [SetLogLevel] keeps applying.
func SetLogOutput(w io.Writer, format LogFormat) {
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if format == LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger.Store(slog.New(h))
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a
// [slog.Level]. Unknown names yield [slog.LevelWarn] and false.
func ParseLogLevel(name string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, false
	}
	return l, true
}

func logAt(l slog.Level, c Component, msg string, args []any) {
	lg := logger.Load()
	if !lg.Enabled(context.Background(), l) {
		return
	}
	lg.Log(context.Background(), l, msg, append([]any{"component", string(c)}, args...)...)
}

// LogDebug logs msg at debug level on behalf of c.
func LogDebug(c Component, msg string, args ...any) { logAt(slog.LevelDebug, c, msg, args) }

// LogInfo logs msg at info level on behalf of c.
func LogInfo(c Component, msg string, args ...any) { logAt(slog.LevelInfo, c, msg, args) }

// LogWarn logs msg at warn level on behalf of c.
func LogWarn(c Component, msg string, args ...any) { logAt(slog.LevelWarn, c, msg, args) }

// LogError logs msg at error level on behalf of c.
func LogError(c Component, msg string, args ...any) { logAt(slog.LevelError, c, msg, args) }
