// Package logx initialises structured logging. The main path is
// log/slog over stdout plus an optional lumberjack-rotated file sink and
// an optional Loki push sink; a separate logrus-based pattern formatter
// (formatter.go) renders the legacy human-readable line a stage's
// GetStatus hook writes. Grounded on the teacher's internal/log package,
// consolidated from its slog path (logger.go) and its logrus path
// (formatter.go/logger_adapter.go) into two coexisting, non-overlapping
// concerns instead of two competing Init entry points.
package logx

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/otus/internal/config"
)

// Init configures the global slog logger from cfg and installs it with
// slog.SetDefault.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("logx: %w", err)
	}

	writers := []io.Writer{os.Stdout}

	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return fmt.Errorf("logx: outputs.file.path is required when outputs.file.enabled")
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Outputs.File.Path,
			MaxSize:    cfg.Outputs.File.Rotation.MaxSizeMB,
			MaxBackups: cfg.Outputs.File.Rotation.MaxBackups,
			MaxAge:     cfg.Outputs.File.Rotation.MaxAgeDays,
			Compress:   cfg.Outputs.File.Rotation.Compress,
		})
	}

	if cfg.Outputs.Loki.Enabled {
		if cfg.Outputs.Loki.Endpoint == "" {
			return fmt.Errorf("logx: outputs.loki.endpoint is required when outputs.loki.enabled")
		}
		loki, err := NewLokiWriter(LokiConfig{
			Endpoint:      cfg.Outputs.Loki.Endpoint,
			Labels:        cfg.Outputs.Loki.Labels,
			BatchSize:     cfg.Outputs.Loki.BatchSize,
			FlushInterval: cfg.Outputs.Loki.BatchTimeout,
		})
		if err != nil {
			return fmt.Errorf("logx: create loki writer: %w", err)
		}
		writers = append(writers, loki)
	}

	multi := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multi, opts)
	case "text":
		handler = slog.NewTextHandler(multi, opts)
	default:
		return fmt.Errorf("logx: unsupported log format %q (must be json or text)", cfg.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
