package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so the config file can say "2s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every knob of the plugin host engine.
type Config struct {
	// PluginDir is scanned for plugin executables at startup.
	PluginDir string `yaml:"plugin_dir"`

	// Disabled lists plugins to skip, by executable suffix or declared name.
	Disabled []string `yaml:"disabled"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	PreviewTimeout   Duration `yaml:"preview_timeout"`

	// MaxRespawns bounds restart attempts after a crash; once exhausted the
	// plugin stays disabled for the session.
	MaxRespawns    int      `yaml:"max_respawns"`
	RespawnBackoff Duration `yaml:"respawn_backoff"`

	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`

	CacheEntries int      `yaml:"cache_entries"`
	CacheTTL     Duration `yaml:"cache_ttl"`

	LogLevel string `yaml:"log_level"`

	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `yaml:"metrics_addr"`

	// Watch reloads the plugin directory on filesystem changes.
	Watch bool `yaml:"watch"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PluginDir:        defaultPluginDir(),
		HandshakeTimeout: Duration(2 * time.Second),
		PreviewTimeout:   Duration(5 * time.Second),
		MaxRespawns:      3,
		RespawnBackoff:   Duration(500 * time.Millisecond),
		MaxFrameBytes:    16 << 20,
		CacheEntries:     128,
		CacheTTL:         Duration(5 * time.Minute),
		LogLevel:         "info",
	}
}

// Load reads configuration with precedence: defaults, then the YAML file,
// then environment variables. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("KIORG_CONFIG")
		if configPath == "" {
			configPath = defaultConfigPath()
		}
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	if dir := os.Getenv("KIORG_PLUGIN_DIR"); dir != "" {
		cfg.PluginDir = dir
	}
	if level := os.Getenv("KIORG_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.PluginDir == "" {
		return fmt.Errorf("plugin_dir cannot be empty")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.PreviewTimeout <= 0 {
		return fmt.Errorf("preview_timeout must be positive")
	}
	if c.MaxRespawns < 0 {
		return fmt.Errorf("max_respawns cannot be negative")
	}
	if c.RespawnBackoff < 0 {
		return fmt.Errorf("respawn_backoff cannot be negative")
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("max_frame_bytes must be positive")
	}
	if c.CacheEntries < 0 {
		return fmt.Errorf("cache_entries cannot be negative")
	}
	return nil
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "kiorg.yml"
	}
	return filepath.Join(base, "kiorg", "plugins.yml")
}

func defaultPluginDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "plugins"
	}
	return filepath.Join(base, "kiorg", "plugins")
}
