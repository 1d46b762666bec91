package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions enables a rotated log file in addition to stderr.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

// NewLoggerWithFile tees production JSON output to stderr and a lumberjack-rotated file.
// An empty path falls back to NewLogger.
func NewLoggerWithFile(level string, file FileOptions) (*zap.Logger, error) {
	if strings.TrimSpace(file.Path) == "" {
		return NewLogger(level)
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	atomicLevel := zap.NewAtomicLevelAt(parseLevel(level))
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atomicLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), atomicLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
