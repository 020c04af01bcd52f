// Package logging builds the operator logger used across lookout.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where operator logs go and how they rotate.
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // "json" or "console"
	Path       string `mapstructure:"path" yaml:"path"`     // empty or "stderr" writes to stderr
	MaxSizeMB  int    `mapstructure:"max-size-mb" yaml:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups" yaml:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days" yaml:"max-age-days"`
}

// DefaultPath returns the state-directory log file, or "" when the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "lookout", "lookout.log")
}

// New returns a logger and a cleanup func that flushes and closes the sink.
func New(cfg Config) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if cfg.Level == "" {
		level, err = zapcore.InfoLevel, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var (
		sink    zapcore.WriteSyncer
		closeFn = func() {}
	)
	if cfg.Path == "" || cfg.Path == "stderr" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("logging: mkdir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    positive(cfg.MaxSizeMB, 50),
			MaxBackups: positive(cfg.MaxBackups, 5),
			MaxAge:     positive(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		sink = zapcore.AddSync(rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	logger := zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
