package log

import (
	"context"
	"sync"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewNop()
)

// SetDefault installs the process-wide logger returned by Default and Component.
// It is called once by the binary after the logging driver is built.
func SetDefault(l Logger) {
	if l == nil {
		l = NewNop()
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Component returns the default logger tagged with a component field.
func Component(component string) Logger {
	return Default().With(String("component", component))
}

type contextKey string

const loggerContextKey contextKey = "logger"

// ToContext adds a logger to the context.
func ToContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext extracts a logger from the context, or returns the default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey).(Logger); ok {
		return logger
	}
	return Default()
}

// nopLogger discards everything. Used before the driver is configured and in tests.
type nopLogger struct{}

// NewNop returns a Logger that discards all entries.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) Fatal(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
