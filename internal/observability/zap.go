package observability

import "go.uber.org/zap"

// ZapLogger adapts a zap.Logger to the engine's Logger interface.
type ZapLogger struct {
	inner *zap.Logger
}

// NewZapLogger wraps the provided zap logger.
func NewZapLogger(inner *zap.Logger) *ZapLogger {
	if inner == nil {
		inner = zap.NewNop()
	}
	return &ZapLogger{inner: inner}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.inner.Debug(msg, convert(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.inner.Info(msg, convert(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.inner.Warn(msg, convert(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.inner.Error(msg, convert(fields)...) }

func convert(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
