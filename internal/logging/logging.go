package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"motionpipe/config"
)

// Common field keys shared by every stage.
const (
	FieldStage       = "stage"
	FieldQueue       = "queue"
	FieldFrameNumber = "frame_number"
	FieldFramePath   = "frame_path"
	FieldSessionID   = "session_id"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	Development bool
}

// New constructs a zap logger using the provided options.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(defaultString(opts.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(defaultString(opts.Format, "console"))) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.Development = opts.Development
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}

// NewFromConfig creates a logger using application config.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}
	return New(Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// ForStage tags a logger with the pipeline stage name.
func ForStage(logger *zap.Logger, stage string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String(FieldStage, stage))
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
