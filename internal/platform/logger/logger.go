package logger

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger: a JSON console core teed with the
// OpenTelemetry bridge core, which ships records through the global log
// provider. Call it after telemetry.Setup so the provider is installed.
func New(serviceName, level string) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl.SetLevel(parsed)
	}

	otelCore := otelzap.NewCore(serviceName+".manual",
		otelzap.WithLoggerProvider(global.GetLoggerProvider()),
	)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		lvl,
	)

	return zap.New(zapcore.NewTee(otelCore, consoleCore),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", serviceName)),
	)
}

// Saga returns the standard fields attached to every saga log line.
func Saga(tenantID, orderID, correlationID string) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("correlation_id", correlationID),
	}
}
