// Package logging builds the application's zap loggers: console output
// for the terminal, optional JSON file output with lumberjack rotation,
// module-named child loggers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level (debug, info, warn, error)
	Level string
	// FilePath enables rotated JSON file output when non-empty
	FilePath string
	// Rotation settings for the file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Factory hands out module-named loggers off one shared core.
type Factory struct {
	root *zap.Logger

	mu      sync.Mutex
	loggers map[string]*zap.Logger
}

// NewFactory builds the root logger per config.
func NewFactory(cfg Config) (*Factory, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level),
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		})
		fileEncoder := zapcore.NewJSONEncoder(jsonEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, fileSink, level))
	}

	root := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	zap.ReplaceGlobals(root)

	return &Factory{
		root:    root,
		loggers: make(map[string]*zap.Logger),
	}, nil
}

// Get returns the named module logger, creating it on first use.
func (f *Factory) Get(module string) *zap.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if logger, ok := f.loggers[module]; ok {
		return logger
	}
	logger := f.root.Named(module)
	f.loggers[module] = logger
	return logger
}

// Root returns the unnamed root logger.
func (f *Factory) Root() *zap.Logger {
	return f.root
}

// Sync flushes buffered entries; call on shutdown.
func (f *Factory) Sync() {
	_ = f.root.Sync()
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
