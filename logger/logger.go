package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/sandboxd/config"
)

func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level, cfg.Logging.Output)
}

// New creates a new logger instance based on configuration. Logs go to
// stderr unless outputs name other sinks; stdout carries the stdio transport.
func New(mode, level string, outputs ...string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	// Set the log level
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	paths := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if out == "stdout" {
			return nil, fmt.Errorf("invalid logging output: stdout is reserved for the MCP stdio transport")
		}
		if out != "" {
			paths = append(paths, out)
		}
	}
	if len(paths) > 0 {
		cfg.OutputPaths = paths
	}

	return cfg.Build()
}
