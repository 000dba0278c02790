// Package logging bootstraps the process-wide structured logger.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	NameKey:        "logger",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
}

var log *zap.Logger
var logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

func init() {
	ws, _, err := zap.Open("stdout")
	if err != nil {
		panic(err)
	}
	log = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), ws, logLevel))
}

// GetLogger returns the current process-wide logger.
func GetLogger() *zap.Logger {
	return log
}

// SetLevel adjusts the minimum level without replacing the logger.
func SetLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// ReplaceLogger rebuilds the global logger from config. Must be called
// once at startup, before other goroutines are spawned, to avoid races.
func ReplaceLogger(config *Config) error {
	ws, _, err := zap.Open(config.OutputPaths...)
	if err != nil {
		return err
	}
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		return errors.Wrapf(err, "failed to parse log level %q", config.Level)
	}
	log = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), ws, logLevel))
	return nil
}

// Config describes the logger's configurable knobs.
type Config struct {
	Level       string   `json:"level" yaml:"level"`
	OutputPaths []string `json:"outputPaths" yaml:"outputPaths"`
}

// Default returns the conventional default logging configuration.
func (c Config) Default() *Config {
	return &Config{
		Level:       "info",
		OutputPaths: []string{"stdout"},
	}
}
