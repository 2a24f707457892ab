// Package config handles configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"firestige.xyz/magicreboot/internal/core"
)

// DefaultPath is read when no --config is given. A missing file there is not an error.
const DefaultPath = "/etc/magic-reboot/config.yml"

// Config is the daemon configuration.
// Maps to the `magic-reboot:` root key in YAML.
type Config struct {
	Port    int           `mapstructure:"port" yaml:"port"`
	Mode    core.Mode     `mapstructure:"mode" yaml:"mode"`
	Verbose bool          `mapstructure:"verbose" yaml:"verbose"`
	Key     KeyConfig     `mapstructure:"key" yaml:"key"`
	Trigger TriggerConfig `mapstructure:"trigger" yaml:"trigger"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
}

// ─── Key ───

// KeyConfig locates the 64-byte secret.
type KeyConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Strict bool   `mapstructure:"strict" yaml:"strict"` // reject keys longer than 64 bytes
}

// ─── Trigger ───

// Restart methods.
const (
	TriggerSysRq  = "sysrq"
	TriggerReboot = "reboot"
)

// TriggerConfig selects the restart primitive.
type TriggerConfig struct {
	Method    string `mapstructure:"method" yaml:"method"` // sysrq | reboot
	SysRqPath string `mapstructure:"sysrq_path" yaml:"sysrq_path"`
}

// ─── Capture ───

// Capture backends.
const (
	BackendPacket   = "packet"
	BackendAFPacket = "afpacket"
)

// CaptureConfig configures the packet source the hooks attach to.
type CaptureConfig struct {
	Backend      string        `mapstructure:"backend" yaml:"backend"`     // packet | afpacket
	Interface    string        `mapstructure:"interface" yaml:"interface"` // empty = all interfaces
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	SnapLen      int           `mapstructure:"snap_len" yaml:"snap_len"`             // afpacket only
	BufferSizeMB int           `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"` // afpacket only
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level    string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format   string           `mapstructure:"format" yaml:"format"` // json / text
	Journald bool             `mapstructure:"journald" yaml:"journald"`
	Outputs  LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Control ───

// ControlConfig contains process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Loading ───

const rootKey = "magic-reboot"

// configRoot is the top-level wrapper matching the YAML structure `magic-reboot: ...`.
type configRoot struct {
	MagicReboot Config `mapstructure:"magic-reboot"`
}

// FlagKeys maps command-line flag names to configuration keys (without the root prefix).
var FlagKeys = map[string]string{
	"port":       "port",
	"key":        "key.path",
	"strict-key": "key.strict",
	"verbose":    "verbose",
	"interface":  "capture.interface",
	"backend":    "capture.backend",
	"trigger":    "trigger.method",
	"pidfile":    "control.pid_file",
	"log-level":  "log.level",
}

type loadOptions struct {
	flags *pflag.FlagSet
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithFlags binds the flags named in FlagKeys so that explicitly set flags override
// the environment and the file.
func WithFlags(fs *pflag.FlagSet) LoadOption {
	return func(o *loadOptions) {
		o.flags = fs
	}
}

// Load loads configuration with precedence flags > env > file > defaults.
// The YAML file uses `magic-reboot:` as root key; env vars use the MAGIC_REBOOT_ prefix
// (e.g., MAGIC_REBOOT_KEY_PATH). An empty path reads DefaultPath if it exists.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v)

	// key "magic-reboot.key.path" → env "MAGIC_REBOOT_KEY_PATH"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	if o.flags != nil {
		if err := bindFlags(v, o.flags); err != nil {
			return nil, err
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", core.ErrConfigInvalid, err)
	}
	cfg := root.MagicReboot

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: failed to read config file %s: %w", core.ErrConfigInvalid, path, err)
	}
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(rootKey+"."+key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	// --dry-run is a boolean shortcut for mode.
	if f := fs.Lookup("dry-run"); f != nil && f.Changed && f.Value.String() == "true" {
		v.Set(rootKey+".mode", core.ModeDryRun.String())
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// setDefaults sets default values for configuration.
// All keys use "magic-reboot." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("magic-reboot.port", 999)
	v.SetDefault("magic-reboot.mode", "enforce")
	v.SetDefault("magic-reboot.verbose", false)

	// Key defaults
	v.SetDefault("magic-reboot.key.path", "/run/agenix/magic-reboot.key")
	v.SetDefault("magic-reboot.key.strict", false)

	// Trigger defaults
	v.SetDefault("magic-reboot.trigger.method", TriggerSysRq)
	v.SetDefault("magic-reboot.trigger.sysrq_path", "/proc/sysrq-trigger")

	// Capture defaults
	v.SetDefault("magic-reboot.capture.backend", BackendPacket)
	v.SetDefault("magic-reboot.capture.interface", "")
	v.SetDefault("magic-reboot.capture.workers", 2)
	v.SetDefault("magic-reboot.capture.poll_timeout", "100ms")
	v.SetDefault("magic-reboot.capture.snap_len", 2048)
	v.SetDefault("magic-reboot.capture.buffer_size_mb", 8)

	// Log defaults
	v.SetDefault("magic-reboot.log.level", "info")
	v.SetDefault("magic-reboot.log.format", "text")
	v.SetDefault("magic-reboot.log.journald", true)
	v.SetDefault("magic-reboot.log.outputs.file.enabled", false)
	v.SetDefault("magic-reboot.log.outputs.file.path", "/var/log/magic-reboot/magic-reboot.log")
	v.SetDefault("magic-reboot.log.outputs.file.rotation.max_size_mb", 10)
	v.SetDefault("magic-reboot.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("magic-reboot.log.outputs.file.rotation.max_backups", 3)
	v.SetDefault("magic-reboot.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("magic-reboot.metrics.enabled", false)
	v.SetDefault("magic-reboot.metrics.listen", "127.0.0.1:9157")
	v.SetDefault("magic-reboot.metrics.path", "/metrics")

	// Control defaults
	v.SetDefault("magic-reboot.control.pid_file", "")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every failure wraps core.ErrConfigInvalid.
func (cfg *Config) ValidateAndApplyDefaults() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("port %d out of range (must be 1-65535)", cfg.Port)
	}
	if cfg.Mode != core.ModeEnforce && cfg.Mode != core.ModeDryRun {
		return invalid("unknown mode %d", cfg.Mode)
	}
	if cfg.Key.Path == "" {
		return invalid("key.path is required")
	}

	// ── Trigger ──
	cfg.Trigger.Method = strings.ToLower(cfg.Trigger.Method)
	switch cfg.Trigger.Method {
	case TriggerSysRq:
		if cfg.Trigger.SysRqPath == "" {
			cfg.Trigger.SysRqPath = "/proc/sysrq-trigger"
		}
	case TriggerReboot:
	default:
		return invalid("unsupported trigger.method: %s (must be sysrq/reboot)", cfg.Trigger.Method)
	}

	// ── Capture ──
	cfg.Capture.Backend = strings.ToLower(cfg.Capture.Backend)
	if cfg.Capture.Backend != BackendPacket && cfg.Capture.Backend != BackendAFPacket {
		return invalid("unsupported capture.backend: %s (must be packet/afpacket)", cfg.Capture.Backend)
	}
	if cfg.Capture.Workers < 1 {
		return invalid("capture.workers must be >= 1, got %d", cfg.Capture.Workers)
	}
	if cfg.Capture.PollTimeout <= 0 {
		return invalid("capture.poll_timeout must be positive, got %s", cfg.Capture.PollTimeout)
	}
	if cfg.Capture.Backend == BackendAFPacket {
		if cfg.Capture.SnapLen <= 0 {
			cfg.Capture.SnapLen = 2048
		}
		if cfg.Capture.BufferSizeMB <= 0 {
			cfg.Capture.BufferSizeMB = 8
		}
	}

	// ── Log ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return invalid("invalid metrics.listen %q: %v", cfg.Metrics.Listen, err)
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
