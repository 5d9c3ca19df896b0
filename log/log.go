// Package log provides the leveled, structured logger used throughout the
// bridge validator, matching the call shape the gtos family already uses:
// log.Info(msg, "key", val, "key2", val2).
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level, ordered least-to-most verbose by value.
type Level int

const (
	LevelCrit Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelCrit:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Logger is a leveled, structured logger. The zero value is not usable;
// construct one with New.
type Logger struct {
	out   io.Writer
	ctx   []any
	level *atomic.Int32
}

var root = New(os.Stderr)

// SetDefault replaces the package-level root logger used by the Info/Warn/
// Error/Debug/Crit free functions.
func SetDefault(l *Logger) { root = l }

// New creates a Logger writing to w at LevelInfo.
func New(w io.Writer) *Logger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(LevelInfo))
	return &Logger{out: w, level: lvl}
}

// SetLevel changes the minimum level this logger emits.
func (l *Logger) SetLevel(lvl Level) { l.level.Store(int32(lvl)) }

// With returns a child logger that always includes the given key/value pairs.
func (l *Logger) With(ctx ...any) *Logger {
	return &Logger{out: l.out, ctx: append(append([]any{}, l.ctx...), ctx...), level: l.level}
}

func (l *Logger) log(lvl Level, msg string, ctx []any) {
	if Level(l.level.Load()) < lvl {
		return
	}
	all := append(append([]any{}, l.ctx...), ctx...)
	line := formatLine(lvl, msg, all)
	fmt.Fprintln(l.out, line)
}

func formatLine(lvl Level, msg string, ctx []any) string {
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
	buf := fmt.Sprintf("%s [%s] %s", rec.Time.Format("2006-01-02T15:04:05.000Z0700"), lvl, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		buf += fmt.Sprintf(" %v=%v", ctx[i], ctx[i+1])
	}
	if len(ctx)%2 == 1 {
		buf += fmt.Sprintf(" %v=MISSING", ctx[len(ctx)-1])
	}
	return buf
}

func (l *Logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx) }

// Crit logs at LevelCrit and terminates the process, matching the ancestor
// tree's convention that log.Crit is reserved for unrecoverable invariant
// violations (spec §7 "Fatal errors").
func (l *Logger) Crit(msg string, ctx ...any) {
	l.CritExit(1, msg, ctx...)
}

// CritExit logs at LevelCrit and terminates the process with the given
// exit code, for the callers that must report one of the process's
// distinct documented exit statuses rather than the generic crash code.
func (l *Logger) CritExit(code int, msg string, ctx ...any) {
	l.log(LevelCrit, msg, ctx)
	os.Exit(code)
}

// Package-level convenience functions delegating to the root logger.
func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }
func CritExit(code int, msg string, ctx ...any) { root.CritExit(code, msg, ctx...) }

// NewContext returns a derived root-style logger carrying the given context,
// mirroring log.New(ctx...) from the ancestor tree.
func NewContext(ctx ...any) *Logger { return root.With(ctx...) }
