// Package logging builds the shared zap logger and names the per-system
// categories used across the service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cap/internal/config"
)

// Category names a logging subsystem. Loggers derived with For carry
// the category in their name field.
type Category string

const (
	CategoryServer   Category = "server"
	CategoryPipeline Category = "pipeline"
	CategorySPARQL   Category = "sparql"
	CategoryCache    Category = "cache"
	CategoryLLM      Category = "llm"
)

// New builds the root logger from config. Format "console" gives the
// development encoder; anything else gives production JSON.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// For derives a category-scoped logger from the root.
func For(base *zap.Logger, cat Category) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(string(cat))
}
