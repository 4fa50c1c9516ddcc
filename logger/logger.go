// Package logger provides the global structured logger for Buntime.
//
// The logger is a zap.SugaredLogger shared by every subsystem. Call
// Initialize once from main before anything logs; until then the package
// holds a no-op logger so early calls never panic. Subsystems derive
// named loggers (logger.Logger.Named("pool")) rather than creating their
// own cores.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether structured JSON output is enabled
	JSONOutput bool

	// atomicLevel backs both encoder cores so verbosity can be raised
	// after Initialize without rebuilding the logger
	atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	// Safe no-op logger at package load time so callers before
	// Initialize() never hit a nil pointer
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects machine-readable
// JSON; otherwise a human-readable console encoder is used. Production
// environments (RUNTIME_ENV=production) suppress debug output.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	level := zap.InfoLevel
	if isDevelopment() {
		level = zap.DebugLevel
	}
	atomicLevel.SetLevel(level)

	var zapLogger *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = atomicLevel
		built, err := cfg.Build()
		if err != nil {
			return err
		}
		zapLogger = built
	} else {
		encCfg := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05.000"),
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		}
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg),
				zapcore.AddSync(os.Stdout),
				atomicLevel,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// SetVerbosity lowers the log level from a -v flag count. It only ever
// makes the logger chattier; the level chosen by Initialize stands when
// count is zero.
func SetVerbosity(count int) {
	if count >= 1 && atomicLevel.Level() > zap.DebugLevel {
		atomicLevel.SetLevel(zap.DebugLevel)
	}
}

func isDevelopment() bool {
	env := strings.ToLower(os.Getenv("RUNTIME_ENV"))
	return env == "development" || env == "dev" || env == ""
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		Logger.Sync()
	}
}

// Named returns a sub-logger with the given subsystem name
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Info logs an info message
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
