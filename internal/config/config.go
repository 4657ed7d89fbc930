// Package config handles startup configuration loading using viper.
// Grounded on the teacher's internal/config/config.go: same root-key
// wrapper pattern, same "." -> "_" env-var key replacer, same
// defaults-then-unmarshal-then-validate shape — retargeted from the
// teacher's capture-agent/Kafka/task-persistence domain onto the stage
// graph this engine actually runs (spec.md §6 "every stage declares its
// type and a connections list").
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full startup configuration document, mapped from the
// "otus:" root key.
type Config struct {
	RootStage string                 `mapstructure:"root_stage"`
	Source    SourceConfig           `mapstructure:"source"`
	Output    OutputConfig           `mapstructure:"output"`
	Control   ControlConfig          `mapstructure:"control"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Log       LogConfig              `mapstructure:"log"`
	Ruleset   RulesetConfig          `mapstructure:"ruleset"`
	Pipeline  PipelineConfig         `mapstructure:"pipeline"`
	Stages    map[string]StageConfig `mapstructure:"stages"`
}

// PipelineConfig carries the store-eviction timeouts and the periodic
// tick interval spec.md §5 describes ("every configured interval, in
// capture-time seconds, registered listeners are called").
type PipelineConfig struct {
	TickIntervalSeconds  int64 `mapstructure:"tick_interval_seconds"`
	FlowTimeoutSeconds   int64 `mapstructure:"flow_timeout_seconds"`
	TunnelTimeoutSeconds int64 `mapstructure:"tunnel_timeout_seconds"` // 0 = unbounded, spec.md §4.E default
}

// StageConfig is one stage's declared configuration block: the
// implementation type registered in internal/stage, its named port
// connections (including the reserved "default" port), and the
// implementation-specific settings map a stage's own Configure hook
// decodes via mapstructure.
type StageConfig struct {
	Type        string            `mapstructure:"type"`
	Connections map[string]string `mapstructure:"connections"`
	Settings    map[string]any    `mapstructure:",remain"`
}

// SourceConfig selects and configures the capture source.
type SourceConfig struct {
	Kind    string              `mapstructure:"kind"` // "offline" | "live"
	Offline OfflineSourceConfig `mapstructure:"offline"`
	Live    LiveSourceConfig    `mapstructure:"live"`
}

// OfflineSourceConfig configures a pcap-file replay source.
type OfflineSourceConfig struct {
	Path string `mapstructure:"path"`
}

// LiveSourceConfig configures an AF_PACKET capture source.
type LiveSourceConfig struct {
	Device       string `mapstructure:"device"`
	SnapLen      int    `mapstructure:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	FanoutID     uint16 `mapstructure:"fanout_id"`
	BPFFilter    string `mapstructure:"bpf_filter"`
}

// OutputConfig configures internal/output.Manager and its streams.
type OutputConfig struct {
	Directory       string `mapstructure:"directory"`
	Prefix          string `mapstructure:"prefix"`
	RotateSizeBytes int64  `mapstructure:"rotate_size_bytes"`
	MinFreeBytes    int64  `mapstructure:"min_free_bytes"`
}

// ControlConfig configures internal/control.Server, the TCP
// reconfiguration channel spec.md §6 describes.
type ControlConfig struct {
	Port         int `mapstructure:"port"`
	MaxPortTries int `mapstructure:"max_port_tries"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Listen          string `mapstructure:"listen"`
	Path            string `mapstructure:"path"`
	CollectInterval string `mapstructure:"collect_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// RulesetConfig locates the classification ruleset document.
type RulesetConfig struct {
	Path string `mapstructure:"path"`
}

type configRoot struct {
	Otus Config `mapstructure:"otus"`
}

// Load reads and decodes the startup configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Environment variable overrides. No explicit prefix — the "otus."
	// key prefix naturally maps to OTUS_ via the key replacer (e.g.
	// "otus.log.level" -> "OTUS_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg := root.Otus

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("otus.control.port", 9000)
	v.SetDefault("otus.control.max_port_tries", 10)

	v.SetDefault("otus.metrics.enabled", true)
	v.SetDefault("otus.metrics.listen", ":9091")
	v.SetDefault("otus.metrics.path", "/metrics")
	v.SetDefault("otus.metrics.collect_interval", "5s")

	v.SetDefault("otus.log.level", "info")
	v.SetDefault("otus.log.format", "json")
	v.SetDefault("otus.log.outputs.file.enabled", false)
	v.SetDefault("otus.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("otus.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("otus.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("otus.log.outputs.file.rotation.compress", true)

	v.SetDefault("otus.output.prefix", "captool")
	v.SetDefault("otus.output.min_free_bytes", 1024*1024)

	v.SetDefault("otus.source.live.snap_len", 1500)
	v.SetDefault("otus.source.live.buffer_size_mb", 8)
	v.SetDefault("otus.source.live.timeout_ms", 100)

	v.SetDefault("otus.pipeline.tick_interval_seconds", 1)
	v.SetDefault("otus.pipeline.flow_timeout_seconds", 300)
	v.SetDefault("otus.pipeline.tunnel_timeout_seconds", 0)
}

// Validate checks the cross-field invariants defaults alone can't carry:
// a declared root stage that actually exists under stages, and a capture
// source with its kind-specific required field present.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Log.Format)
	}

	if c.RootStage == "" {
		return fmt.Errorf("root_stage is required")
	}
	if _, ok := c.Stages[c.RootStage]; !ok {
		return fmt.Errorf("root_stage %q is not declared under stages", c.RootStage)
	}

	switch c.Source.Kind {
	case "offline":
		if c.Source.Offline.Path == "" {
			return fmt.Errorf("source.offline.path is required when source.kind is \"offline\"")
		}
	case "live":
		if c.Source.Live.Device == "" {
			return fmt.Errorf("source.live.device is required when source.kind is \"live\"")
		}
	default:
		return fmt.Errorf("source.kind must be \"offline\" or \"live\", got %q", c.Source.Kind)
	}
	return nil
}

// DecodeStageSettings decodes a stage's raw settings map into out. This
// is the same decode path internal/control uses for a control-channel
// configuration block, per spec.md §6.
func DecodeStageSettings(settings map[string]any, out any) error {
	return mapstructure.Decode(settings, out)
}

// ParseControlBlock parses one control-channel configuration block — the
// same grammar as the startup file, scoped to its stages map — and
// returns the decoded per-stage settings.
func ParseControlBlock(r io.Reader) (map[string]StageConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("config: read control block: %w", err)
	}

	var block struct {
		Stages map[string]StageConfig `mapstructure:"stages"`
	}
	if err := v.Unmarshal(&block); err != nil {
		return nil, fmt.Errorf("config: unmarshal control block: %w", err)
	}
	return block.Stages, nil
}
