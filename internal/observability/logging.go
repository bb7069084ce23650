// Package observability provides structured logger construction.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/keyrelay/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// Every entry carries a "service" field naming the binary.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	zapCfg, err := buildConfig(cfg, service)
	if err != nil {
		return nil, err
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func buildConfig(cfg config.LoggingConfig, service string) (zap.Config, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	zapCfg, err := baseConfig(cfg.Format)
	if err != nil {
		return zap.Config{}, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if service != "" {
		zapCfg.InitialFields = map[string]interface{}{"service": service}
	}
	return zapCfg, nil
}

func baseConfig(format string) (zap.Config, error) {
	switch format {
	case "json":
		cfg := zap.NewProductionConfig()
		// No sampling: every session lifecycle line is kept.
		cfg.Sampling = nil
		return cfg, nil
	case "console":
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg, nil
	default:
		return zap.Config{}, fmt.Errorf("unknown log format %q", format)
	}
}
