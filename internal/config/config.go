package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/parley/internal/config/loader"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARLEY_"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Sandbox modes.
const (
	ModeInProc    = "inproc"
	ModeWebSocket = "websocket"
)

// Config is the complete parley configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Plugins PluginsConfig `toml:"plugins"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `toml:"development"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// SandboxConfig configures the plugin runtime and the boundary to it.
type SandboxConfig struct {
	// Mode is inproc (runtime in this process over a pipe) or websocket
	// (runtime served by "parley sandbox serve").
	Mode string `toml:"mode"`
	// Address is the websocket URL to dial, or the listen address when
	// serving.
	Address string `toml:"address"`
	// ExecTimeout bounds a plugin's top-level execution.
	ExecTimeout Duration `toml:"exec_timeout"`
	// CallTimeout bounds each call across the boundary. Zero keeps the
	// runtime default.
	CallTimeout Duration `toml:"call_timeout"`
	// QueueSize is the endpoint and event relay buffer.
	QueueSize int `toml:"queue_size"`
	// HTTPRate is the per-plugin http requests per second.
	HTTPRate float64 `toml:"http_rate"`
	// HTTPBurst is the per-plugin http burst.
	HTTPBurst int `toml:"http_burst"`
}

// PluginsConfig configures plugin sources.
type PluginsConfig struct {
	// Dir is the external plugin directory.
	Dir string `toml:"dir"`
	// Watch follows Dir for changes.
	Watch bool `toml:"watch"`
	// Builtins installs the plugins embedded in the binary.
	Builtins bool `toml:"builtins"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(dataDir(), "parley.db"),
		},
		Sandbox: SandboxConfig{
			Mode:        ModeInProc,
			Address:     "127.0.0.1:7878",
			ExecTimeout: Duration(5 * time.Second),
			QueueSize:   256,
			HTTPRate:    5,
			HTTPBurst:   10,
		},
		Plugins: PluginsConfig{
			Dir:      filepath.Join(configDir(), "plugins"),
			Watch:    true,
			Builtins: true,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(configDir(), "parley.toml")
}

// Load builds the configuration from defaults, the file at path and the
// environment. A missing file is not an error unless path was given
// explicitly (required).
func Load(path string, required bool) (*Config, error) {
	layers := []loader.Loader{
		loader.NewTOMLLoader(path),
		loader.NewEnvLoader(EnvPrefix),
	}
	if required {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
	}

	merged := map[string]any{}
	for _, l := range layers {
		m, err := l.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}
	return decode(merged)
}

// Parse builds the configuration from defaults and TOML data only.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode applies the merged layers over the defaults.
func decode(merged map[string]any) (*Config, error) {
	cfg := Default()
	if len(merged) > 0 {
		data, err := toml.Marshal(merged)
		if err != nil {
			return nil, err
		}
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decoding config: %w", err)
		}
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Path: "log.level", Message: "must be debug, info, warn or error", Value: c.Log.Level}
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return &ValidationError{Path: "storage.path", Message: "required for sqlite", Value: c.Storage.Path}
		}
	case DriverMemory:
	default:
		return &ValidationError{Path: "storage.driver", Message: "must be sqlite or memory", Value: c.Storage.Driver}
	}
	switch c.Sandbox.Mode {
	case ModeInProc, ModeWebSocket:
	default:
		return &ValidationError{Path: "sandbox.mode", Message: "must be inproc or websocket", Value: c.Sandbox.Mode}
	}
	if c.Sandbox.Mode == ModeWebSocket && c.Sandbox.Address == "" {
		return &ValidationError{Path: "sandbox.address", Message: "required for websocket mode", Value: c.Sandbox.Address}
	}
	if c.Sandbox.ExecTimeout <= 0 {
		return &ValidationError{Path: "sandbox.exec_timeout", Message: "must be positive", Value: c.Sandbox.ExecTimeout.Std()}
	}
	if c.Sandbox.CallTimeout < 0 {
		return &ValidationError{Path: "sandbox.call_timeout", Message: "must not be negative", Value: c.Sandbox.CallTimeout.Std()}
	}
	if c.Sandbox.QueueSize <= 0 {
		return &ValidationError{Path: "sandbox.queue_size", Message: "must be positive", Value: c.Sandbox.QueueSize}
	}
	if c.Sandbox.HTTPRate <= 0 {
		return &ValidationError{Path: "sandbox.http_rate", Message: "must be positive", Value: c.Sandbox.HTTPRate}
	}
	if c.Sandbox.HTTPBurst <= 0 {
		return &ValidationError{Path: "sandbox.http_burst", Message: "must be positive", Value: c.Sandbox.HTTPBurst}
	}
	return nil
}

// expand resolves a leading ~ in paths.
func (c *Config) expand() {
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Plugins.Dir = expandHome(c.Plugins.Dir)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "parley")
	}
	return ".parley"
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "parley")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "parley")
	}
	return ".parley"
}
