package logging

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// TemporalLogger adapts Logger to the Temporal SDK's keyvals logger interface.
type TemporalLogger struct {
	zap *zap.Logger
}

var _ log.Logger = (*TemporalLogger)(nil)
var _ log.WithLogger = (*TemporalLogger)(nil)

// NewTemporalLogger wraps l for use as client.Options.Logger.
func NewTemporalLogger(l *Logger) *TemporalLogger {
	return &TemporalLogger{zap: l.zap.WithOptions(zap.AddCallerSkip(1)).Named("temporal")}
}

func (t *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.zap.Debug(msg, keyvalFields(keyvals)...)
}

func (t *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	t.zap.Info(msg, keyvalFields(keyvals)...)
}

func (t *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.zap.Warn(msg, keyvalFields(keyvals)...)
}

func (t *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	t.zap.Error(msg, keyvalFields(keyvals)...)
}

// With implements log.WithLogger.
func (t *TemporalLogger) With(keyvals ...interface{}) log.Logger {
	return &TemporalLogger{zap: t.zap.With(keyvalFields(keyvals)...)}
}

func keyvalFields(keyvals []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 >= len(keyvals) {
			fields = append(fields, zap.Any("extra", key))
			break
		}
		if err, ok := keyvals[i+1].(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	return fields
}
