package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"docrel/src/settings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. Debug mode uses the development config on stdout,
// otherwise the production config. When LogDir is set the output is also written to a
// rotated log file in that directory.
func NewLogger(config *settings.Arguments) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if config.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if config.LogDir == "" {
		return logger, nil
	}

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, "docrel.log"),
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Debug || config.Verbose {
		level.SetLevel(zap.DebugLevel)
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotated),
		level,
	)

	if !config.PrintToScreen {
		return zap.New(fileCore, zap.AddCaller()), nil
	}

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
