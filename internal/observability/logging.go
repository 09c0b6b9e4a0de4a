// Package observability provides structured logging for pubgate.
//
// Two loggers are exposed: CLILogger for human-facing command output and
// Logger for engine/worker events. Engine log records carry an "event"
// field so downstream pipelines can route publish events.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the engine logger. Defaults to structured JSON on stderr.
var Logger = newLogger("json")

// CLILogger is used by cobra commands for operator-facing messages.
var CLILogger = newLogger("console")

func newLogger(encoding string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), levelFromEnv())
	return zap.New(core)
}

func levelFromEnv() zapcore.Level {
	switch os.Getenv("PUBGATE_LOG_LEVEL") {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel rebuilds both loggers at the given level. Intended for use by
// the --verbose flag on commands.
func SetLevel(level zapcore.Level) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	Logger = zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), level))

	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	CLILogger = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}
