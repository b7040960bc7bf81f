// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger writing JSON to stderr at the given level
// ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Must aborts the process through logger.Fatal when err is non-nil. The
// entry names the caller's file, line and function and the failed
// expression, so a failed contract check reads like an assertion.
func Must(logger *zap.Logger, err error, expr string) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.String("expr", expr), zap.Error(err)}
	if pc, file, line, ok := runtime.Caller(1); ok {
		fields = append(fields, zap.String("file", file), zap.Int("line", line))
		if fn := runtime.FuncForPC(pc); fn != nil {
			fields = append(fields, zap.String("func", fn.Name()))
		}
	}
	logger.WithOptions(zap.AddCallerSkip(1)).Fatal("assertion failed", fields...)
}
