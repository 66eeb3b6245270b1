// Package zaplog implements ccrouter.Logger on top of go.uber.org/zap.
package zaplog

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vitalvas/ccrouter"
)

// Logger writes router logs to a zap logger. Loggers derived with WithFields
// share the level of their parent.
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
	none  *atomic.Bool
}

var _ ccrouter.Logger = (*Logger)(nil)

// New wraps z. level must be the level enabler of z's core so SetLevel takes effect.
func New(z *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{z: z, level: level, none: &atomic.Bool{}}
}

// NewProduction builds a JSON logger writing to stderr.
func NewProduction(level ccrouter.LogLevel) (*Logger, error) {
	atom := zap.NewAtomicLevelAt(toZapLevel(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atom

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	l := New(z, atom)
	l.none.Store(level == ccrouter.LogLevelNone)
	return l, nil
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

func (l *Logger) Debug(msg string, fields ccrouter.LogFields) { l.write(zapcore.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ccrouter.LogFields)  { l.write(zapcore.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ccrouter.LogFields)  { l.write(zapcore.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ccrouter.LogFields) { l.write(zapcore.ErrorLevel, msg, fields) }

func (l *Logger) write(level zapcore.Level, msg string, fields ccrouter.LogFields) {
	if l.none.Load() {
		return
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(toZapFields(fields)...)
	}
}

// WithFields returns a child logger carrying fields.
func (l *Logger) WithFields(fields ccrouter.LogFields) ccrouter.Logger {
	return &Logger{z: l.z.With(toZapFields(fields)...), level: l.level, none: l.none}
}

// Level returns the current log level.
func (l *Logger) Level() ccrouter.LogLevel {
	if l.none.Load() {
		return ccrouter.LogLevelNone
	}
	return fromZapLevel(l.level.Level())
}

// SetLevel sets the log level of l and every logger sharing its level.
func (l *Logger) SetLevel(level ccrouter.LogLevel) {
	l.none.Store(level == ccrouter.LogLevelNone)
	l.level.SetLevel(toZapLevel(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func toZapLevel(level ccrouter.LogLevel) zapcore.Level {
	switch level {
	case ccrouter.LogLevelDebug:
		return zapcore.DebugLevel
	case ccrouter.LogLevelWarn:
		return zapcore.WarnLevel
	case ccrouter.LogLevelError:
		return zapcore.ErrorLevel
	case ccrouter.LogLevelNone:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) ccrouter.LogLevel {
	switch {
	case level <= zapcore.DebugLevel:
		return ccrouter.LogLevelDebug
	case level == zapcore.InfoLevel:
		return ccrouter.LogLevelInfo
	case level == zapcore.WarnLevel:
		return ccrouter.LogLevelWarn
	case level == zapcore.ErrorLevel:
		return ccrouter.LogLevelError
	default:
		return ccrouter.LogLevelNone
	}
}

func toZapFields(fields ccrouter.LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
