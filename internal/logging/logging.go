// Package logging builds the process logger and adapts it to the
// pion/logging interfaces the congestion controller logs through.
package logging

import (
	"fmt"
	"os"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger writing to stderr. level is one of debug, info,
// warn, error; format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// LoggerFactory implements logging.LoggerFactory on top of zap. Every scope
// becomes a named child logger.
type LoggerFactory struct {
	logger *zap.Logger

	// Trace enables pion trace logs, written at debug level.
	Trace bool
}

// NewLoggerFactory returns a factory logging through logger.
func NewLoggerFactory(logger *zap.Logger) *LoggerFactory {
	return &LoggerFactory{logger: logger}
}

// NewLogger implements logging.LoggerFactory.
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{
		// pion wraps the logger, skip the adapter frame
		sugar: f.logger.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar(),
		trace: f.Trace,
	}
}

// leveledLogger implements logging.LeveledLogger.
type leveledLogger struct {
	sugar *zap.SugaredLogger
	trace bool
}

func (l *leveledLogger) Trace(msg string) {
	if l.trace {
		l.sugar.Debug(msg)
	}
}

func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.sugar.Debugf(format, args...)
	}
}

func (l *leveledLogger) Debug(msg string) { l.sugar.Debug(msg) }

func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

func (l *leveledLogger) Info(msg string) { l.sugar.Info(msg) }

func (l *leveledLogger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

func (l *leveledLogger) Warn(msg string) { l.sugar.Warn(msg) }

func (l *leveledLogger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

func (l *leveledLogger) Error(msg string) { l.sugar.Error(msg) }

func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
