// Package logging provides the zap-backed implementation of core.ILogger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/posedge/engine/internal/core"
)

// ZapLogger implements core.ILogger on top of go.uber.org/zap.
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a console-encoded, ISO8601-timestamped zap logger at the given
// level string (DEBUG/INFO/WARN/ERROR/FATAL).
func New(levelStr string) (*ZapLogger, error) {
	zapLevel := parseZapLevel(levelStr)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zc := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	logger := zap.New(zc, zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

func parseZapLevel(levelStr string) zapcore.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func (z *ZapLogger) fields(kvs []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, kvs[i+1]))
	}
	return fields
}

func (z *ZapLogger) Debug(msg string, fields ...interface{}) { z.logger.Debug(msg, z.fields(fields)...) }
func (z *ZapLogger) Info(msg string, fields ...interface{})  { z.logger.Info(msg, z.fields(fields)...) }
func (z *ZapLogger) Warn(msg string, fields ...interface{})  { z.logger.Warn(msg, z.fields(fields)...) }
func (z *ZapLogger) Error(msg string, fields ...interface{}) { z.logger.Error(msg, z.fields(fields)...) }
func (z *ZapLogger) Fatal(msg string, fields ...interface{}) { z.logger.Fatal(msg, z.fields(fields)...) }

func (z *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: z.logger.With(zap.Any(key, value))}
}

func (z *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zfs := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zfs = append(zfs, zap.Any(k, v))
	}
	return &ZapLogger{logger: z.logger.With(zfs...)}
}

var _ core.ILogger = (*ZapLogger)(nil)
