package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It discards everything until
	// Initialize runs, so packages may log from init code.
	Logger = zap.NewNop().Sugar()

	// JSONOutput reports whether Logger writes JSON lines
	JSONOutput bool
)

// Initialize sets up Logger at info level
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zapcore.InfoLevel)
}

// InitializeWithLevel replaces Logger. JSON output suits log shippers
// under systemd or containers; otherwise a colored console layout is used.
func InitializeWithLevel(jsonOutput bool, level zapcore.Level) error {
	l, err := build(jsonOutput, level)
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = l.Sugar()
	return nil
}

func build(jsonOutput bool, level zapcore.Level) (*zap.Logger, error) {
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		return cfg.Build()
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeCaller = nil
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level)
	return zap.New(core), nil
}

// Cleanup flushes buffered entries before exit
func Cleanup() {
	_ = Logger.Sync()
}

// Package-level shorthands for code without an injected logger.

func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...interface{})  { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }
