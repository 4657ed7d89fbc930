package logx

import (
	"log/slog"
	"testing"

	"firestige.xyz/otus/internal/config"
)

func TestParseLevelAcceptsKnownLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Errorf("parseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestInitAcceptsMinimalJSONConfig(t *testing.T) {
	cfg := config.LogConfig{Level: "info", Format: "json"}
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestInitAcceptsTextFormat(t *testing.T) {
	cfg := config.LogConfig{Level: "debug", Format: "text"}
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestInitRejectsUnsupportedFormat(t *testing.T) {
	cfg := config.LogConfig{Level: "info", Format: "xml"}
	if err := Init(cfg); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestInitRejectsFileOutputWithoutPath(t *testing.T) {
	cfg := config.LogConfig{Level: "info", Format: "json"}
	cfg.Outputs.File.Enabled = true
	if err := Init(cfg); err == nil {
		t.Fatalf("expected error for file output missing a path")
	}
}

func TestInitRejectsLokiOutputWithoutEndpoint(t *testing.T) {
	cfg := config.LogConfig{Level: "info", Format: "json"}
	cfg.Outputs.Loki.Enabled = true
	if err := Init(cfg); err == nil {
		t.Fatalf("expected error for loki output missing an endpoint")
	}
}
