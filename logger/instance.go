package logger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	defaultLogger = l
}

// InitFromConfig replaces the default logger
func InitFromConfig(config LoggerConfig) error {
	l, err := New(config)
	if err != nil {
		return err
	}

	mu.Lock()
	old := defaultLogger
	defaultLogger = l
	mu.Unlock()

	return old.Close()
}

// Close closes the default logger's file
func Close() error {
	return current().Close()
}

// Default returns the default logger as an entry
func Default() *logrus.Entry {
	return logrus.NewEntry(current().Logger)
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// WithFields returns an entry carrying structured fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return current().WithFields(fields)
}

// WithDevice returns an entry tagged with a device id
func WithDevice(deviceID string) *logrus.Entry {
	return current().WithField("device", deviceID)
}

type contextKey struct{}

// ContextWithRequestID returns a context carrying an entry with a fresh
// request id. A context that already has one is returned unchanged.
func ContextWithRequestID(ctx context.Context) (context.Context, *logrus.Entry) {
	if entry, ok := ctx.Value(contextKey{}).(*logrus.Entry); ok {
		return ctx, entry
	}
	entry := current().WithField("requestID", uuid.NewString())
	return context.WithValue(ctx, contextKey{}, entry), entry
}

// FromContext returns the context's entry or the default logger
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(contextKey{}).(*logrus.Entry); ok {
			return entry
		}
	}
	return Default()
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}
