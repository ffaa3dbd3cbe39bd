package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTEL tees log entries into the OTEL log pipeline through the
// otelzap bridge. A nil provider returns the logger unchanged, so
// callers can pass telemetry.LoggerProvider() straight through.
func WithOTEL(logger *zap.Logger, provider log.LoggerProvider) *zap.Logger {
	if provider == nil {
		return logger
	}
	bridge := otelzap.NewCore("dialogd", otelzap.WithLoggerProvider(provider))
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, bridge)
	}))
}
