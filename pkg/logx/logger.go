package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Logger is a structured logger value. The zero value discards everything.
type Logger struct {
	// src is nil for standalone loggers, which use zl directly.
	src    *Service
	zl     *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewConsole is a standalone human-readable logger on stdout, for use before
// the Service exists.
func NewConsole(level string) Logger {
	return standalone(consoleWriter(os.Stdout), ParseLevel(level, LevelInfo))
}

// NewWriter is a standalone JSON logger on w. Tests capture output with it.
func NewWriter(w io.Writer, level string) Logger {
	return standalone(w, ParseLevel(level, LevelDebug))
}

func standalone(w io.Writer, lvl Level) Logger {
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

func (l Logger) IsZero() bool { return l.src == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) current() *zerolog.Logger {
	if l.src != nil {
		return l.src.root.Load()
	}
	return l.zl
}

// Enabled reports whether a line at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.current()
	return zl != nil && level >= zl.GetLevel()
}

// With derives a logger carrying fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// write is called from the level methods only; the caller frame is fixed.
func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.current()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps trace/debug/info/warn(ing)/error, case-insensitively;
// anything else yields def.
func ParseLevel(s string, def Level) Level {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "trace", "debug", "info", "warn", "error":
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return def
		}
		return lvl
	case "warning":
		return LevelWarn
	default:
		return def
	}
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
