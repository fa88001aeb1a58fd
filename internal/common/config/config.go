// Package config provides configuration management for AtlasBridge.
// Configuration is an immutable snapshot built once at startup from
// CLI flags, ATLASBRIDGE_* environment variables, config.toml, and
// defaults, in that precedence order. Legacy AEGIS_* environment
// variables are honoured as lowest-precedence fallback.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// Config holds all configuration sections for AtlasBridge.
type Config struct {
	StateDir  string               `mapstructure:"state_dir"`
	Daemon    DaemonConfig         `mapstructure:"daemon"`
	Detector  DetectorConfig       `mapstructure:"detector"`
	Prompt    PromptConfig         `mapstructure:"prompt"`
	Channels  map[string]Channel   `mapstructure:"channels"`
	Autopilot AutopilotConfig      `mapstructure:"autopilot"`
	Bus       BusConfig            `mapstructure:"bus"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// DaemonConfig holds local control API configuration.
type DaemonConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DetectorConfig holds prompt detection tuning.
type DetectorConfig struct {
	SilenceMs            int `mapstructure:"silence_ms"`
	PostInjectSuppressMs int `mapstructure:"post_inject_suppress_ms"`
}

// PromptConfig holds prompt lifecycle tuning.
type PromptConfig struct {
	TTLSeconds      int `mapstructure:"ttl_seconds"`
	ReminderSeconds int `mapstructure:"reminder_seconds"` // 0 disables the reminder
}

// Channel holds the configuration of one messaging channel instance.
// Token fields may hold "keyring:<service>:<key>" pointers instead of
// literal secrets.
type Channel struct {
	Kind      string   `mapstructure:"kind"`
	Token     string   `mapstructure:"token"`
	Allowlist []string `mapstructure:"allowlist"`
	TimeoutS  int      `mapstructure:"timeout_seconds"`
}

// AutopilotConfig holds the autopilot engine configuration.
type AutopilotConfig struct {
	Mode            string `mapstructure:"mode"` // off, assist, full
	PolicyPath      string `mapstructure:"policy_path"`
	OverrideWindowS int    `mapstructure:"override_window_seconds"`
}

// BusConfig selects the event bus backing the status fan-out.
// An empty URL selects the in-process bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// SilenceTimeout returns the silence threshold as a time.Duration.
func (d *DetectorConfig) SilenceTimeout() time.Duration {
	return time.Duration(d.SilenceMs) * time.Millisecond
}

// SuppressWindow returns the post-injection suppression window.
func (d *DetectorConfig) SuppressWindow() time.Duration {
	return time.Duration(d.PostInjectSuppressMs) * time.Millisecond
}

// TTL returns the prompt TTL as a time.Duration.
func (p *PromptConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// OverrideWindow returns the assist-mode override window.
func (a *AutopilotConfig) OverrideWindow() time.Duration {
	return time.Duration(a.OverrideWindowS) * time.Second
}

// Timeout returns the channel delivery deadline, falling back to the default.
func (c *Channel) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return constants.ChannelDeliverTimeout
	}
	return time.Duration(c.TimeoutS) * time.Second
}

// Load builds the configuration snapshot from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath builds the configuration snapshot, preferring configPath
// as the config file directory when non-empty.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(DefaultStateDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir())

	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 7617)

	v.SetDefault("detector.silence_ms", 2000)
	v.SetDefault("detector.post_inject_suppress_ms", 500)

	v.SetDefault("prompt.ttl_seconds", int(constants.DefaultPromptTTL/time.Second))
	v.SetDefault("prompt.reminder_seconds", 0)

	v.SetDefault("autopilot.mode", "off")
	v.SetDefault("autopilot.policy_path", "")
	v.SetDefault("autopilot.override_window_seconds", 10)

	v.SetDefault("bus.url", "")
	v.SetDefault("bus.client_id", "atlasbridge")
	v.SetDefault("bus.max_reconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")
}

// bindLegacyEnv wires AEGIS_* variables as lowest-precedence aliases.
// BindEnv tries names in order, so the current prefix wins when both are set.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"state_dir":          "STATE_DIR",
		"daemon.port":        "DAEMON_PORT",
		"autopilot.mode":     "AUTOPILOT_MODE",
		"logging.level":      "LOG_LEVEL",
		"prompt.ttl_seconds": "PROMPT_TTL_SECONDS",
	}
	for key, suffix := range legacy {
		_ = v.BindEnv(key,
			constants.EnvPrefix+"_"+suffix,
			constants.LegacyEnvPrefix+"_"+suffix,
		)
	}
}

func validate(cfg *Config) error {
	switch cfg.Autopilot.Mode {
	case "off", "assist", "full":
	default:
		return fmt.Errorf("autopilot.mode must be off, assist, or full, got %q", cfg.Autopilot.Mode)
	}
	if cfg.Prompt.TTLSeconds <= 0 {
		return fmt.Errorf("prompt.ttl_seconds must be positive, got %d", cfg.Prompt.TTLSeconds)
	}
	if cfg.Detector.SilenceMs <= 0 {
		return fmt.Errorf("detector.silence_ms must be positive, got %d", cfg.Detector.SilenceMs)
	}
	for name, ch := range cfg.Channels {
		if ch.Kind == "" {
			return fmt.Errorf("channel %q has no kind", name)
		}
	}
	return nil
}

// DefaultStateDir returns the state directory, XDG-style on Unix.
// A legacy ~/.aegis directory is migrated forward by MigrateLegacyDir.
func DefaultStateDir() string {
	if dir := os.Getenv(constants.EnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, constants.StateDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + constants.StateDirName
	}
	return filepath.Join(home, ".local", "state", constants.StateDirName)
}

// MigrateLegacyDir copies a legacy ~/.aegis state directory forward to the
// current state directory when the current one does not exist yet. It runs
// once per startup and is a no-op when nothing needs migrating.
func MigrateLegacyDir(stateDir string) error {
	if _, err := os.Stat(stateDir); err == nil {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	legacy := filepath.Join(home, constants.LegacyDirName)
	info, err := os.Stat(legacy)
	if err != nil || !info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}
	entries, err := os.ReadDir(legacy)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(legacy, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(stateDir, entry.Name()), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}
