// Package log provides the structured logging hooks used by the progress
// loop and connection manager, mirroring client.Logger / client.StructuredLogger
// style interfaces.
package log

import "go.uber.org/zap"

// Logger provides unstructured debug logging, matching client.Logger.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs, matching client.StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// Full is the union most call sites want: a logger that satisfies both the
// unstructured and structured logging interfaces plus leveled error/warn
// reporting for failure classes that must surface above Debug.
type Full interface {
	Logger
	StructuredLogger
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// ZapLogger adapts a zap.SugaredLogger to Full. zap.SugaredLogger already
// implements Debugf and Debugw with the exact signatures Full requires.
type ZapLogger struct {
	*zap.SugaredLogger
}

var _ Full = ZapLogger{}

// New builds a ZapLogger from a production zap configuration at the given
// level name (PTL_LOG_LEVEL: debug/info/warn/error).
func New(level string) (ZapLogger, error) {
	var lvl zap.AtomicLevel
	switch level {
	case "debug":
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		lvl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	l, err := cfg.Build()
	if err != nil {
		return ZapLogger{}, err
	}
	return ZapLogger{l.Sugar()}, nil
}

// Nop returns a logger that discards everything, for tests and for callers
// that did not configure a logger, as a safe default rather than nil-guards
// scattered through the code.
func Nop() ZapLogger {
	return ZapLogger{zap.NewNop().Sugar()}
}

func (z ZapLogger) Warnw(msg string, keyvals ...any) {
	z.SugaredLogger.Warnw(msg, keyvals...)
}

func (z ZapLogger) Errorw(msg string, keyvals ...any) {
	z.SugaredLogger.Errorw(msg, keyvals...)
}
