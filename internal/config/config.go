// Package config loads and writes the lockstep configuration file.
//
// The file lives at the XDG config location by default and is plain YAML.
// Durations use Go notation ("30s", "200ms"). The remote auth token can
// be kept out of the file entirely and supplied through LOCKSTEP_AUTH_TOKEN.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvAuthToken overrides remote.auth_token when set, so the secret never
// has to live in the file.
const EnvAuthToken = "LOCKSTEP_AUTH_TOKEN"

// Duration wraps time.Duration so the file round-trips Go notation
// instead of integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// durationHook converts "30s"-style strings into Duration when viper
// decodes the settings map. Numeric values pass through as nanoseconds.
func durationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durType {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(dur), nil
	}
}

// Modes the remote connection can run in.
const (
	ModeRemote  = "remote"
	ModeReplica = "replica"
	ModeLocal   = "local"
)

// Config is the full configuration tree.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Local     LocalConfig     `mapstructure:"local" yaml:"local"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Push      PushConfig      `mapstructure:"push" yaml:"push"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RemoteConfig describes the record store connection.
type RemoteConfig struct {
	// Mode is remote, replica or local.
	Mode string `mapstructure:"mode" yaml:"mode"`

	// URL is the database URL for remote and replica modes.
	URL string `mapstructure:"url" yaml:"url,omitempty"`

	// AuthToken authenticates remote and replica connections.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`

	// Path is the database file for local mode and the replica file for
	// replica mode.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// SyncInterval is the replica background sync cadence.
	SyncInterval Duration `mapstructure:"sync_interval" yaml:"sync_interval,omitempty"`
}

// LocalConfig locates the local object store and the entity manifest.
type LocalConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	ManifestPath string `mapstructure:"manifest_path" yaml:"manifest_path"`

	// AssetsDir holds record-keyed binary assets.
	AssetsDir string `mapstructure:"assets_dir" yaml:"assets_dir"`
}

// DaemonConfig tunes the long-running mode.
type DaemonConfig struct {
	DropDir          string   `mapstructure:"drop_dir" yaml:"drop_dir"`
	FetchInterval    Duration `mapstructure:"fetch_interval" yaml:"fetch_interval"`
	DebounceInterval Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
}

// DashboardConfig controls the monitoring websocket server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// PushConfig tunes the outbound path.
type PushConfig struct {
	MaxBatch   int `mapstructure:"max_batch" yaml:"max_batch"`
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	PageSize   int `mapstructure:"page_size" yaml:"page_size"`

	// ExcludeOnMetered lists record types withheld from metered networks.
	ExcludeOnMetered []string `mapstructure:"exclude_on_metered" yaml:"exclude_on_metered,omitempty"`
}

// LogConfig controls daemon log rotation. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// DefaultPath returns the XDG location of the config file, creating parent
// directories as needed.
func DefaultPath() (string, error) {
	return xdg.ConfigFile("lockstep/config.yaml")
}

// DataDir returns the XDG directory holding the local database, manifest
// and drop directory.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "lockstep")
}

// Default returns a runnable configuration: local mode against a file
// database, everything under the XDG data directory.
func Default() *Config {
	data := DataDir()
	return &Config{
		Remote: RemoteConfig{
			Mode: ModeLocal,
			Path: filepath.Join(data, "remote.db"),
		},
		Local: LocalConfig{
			DatabasePath: filepath.Join(data, "local.db"),
			ManifestPath: filepath.Join(data, "manifest.toml"),
			AssetsDir:    filepath.Join(data, "assets"),
		},
		Daemon: DaemonConfig{
			DropDir:          filepath.Join(data, "drop"),
			FetchInterval:    Duration(30 * time.Second),
			DebounceInterval: Duration(200 * time.Millisecond),
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7450",
		},
		Push: PushConfig{
			MaxBatch:   400,
			MaxRetries: 3,
			PageSize:   100,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the config file at path. Keys absent from the file keep
// their Default values; LOCKSTEP_AUTH_TOKEN overrides the stored token.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		durationHook(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if tok := os.Getenv(EnvAuthToken); tok != "" {
		cfg.Remote.AuthToken = tok
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does
// not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if tok := os.Getenv(EnvAuthToken); tok != "" {
			cfg.Remote.AuthToken = tok
		}
		return cfg, nil
	}
	return cfg, err
}

// Validate checks mode and the fields that mode requires.
func (c *Config) Validate() error {
	switch c.Remote.Mode {
	case ModeRemote:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote mode requires remote.url")
		}
	case ModeReplica:
		if c.Remote.URL == "" {
			return fmt.Errorf("replica mode requires remote.url")
		}
		if c.Remote.Path == "" {
			return fmt.Errorf("replica mode requires remote.path")
		}
	case ModeLocal:
		if c.Remote.Path == "" {
			return fmt.Errorf("local mode requires remote.path")
		}
	default:
		return fmt.Errorf("unknown remote.mode %q", c.Remote.Mode)
	}

	if c.Local.DatabasePath == "" {
		return fmt.Errorf("local.database_path is required")
	}
	if c.Local.ManifestPath == "" {
		return fmt.Errorf("local.manifest_path is required")
	}
	if c.Daemon.FetchInterval < 0 || c.Daemon.DebounceInterval < 0 {
		return fmt.Errorf("daemon intervals cannot be negative")
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}
	return nil
}

// Write renders the config to path, creating parent directories. The file
// is user-readable only since it may hold the auth token.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# lockstep configuration. Durations use Go notation (30s, 200ms).\n\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish config encoding: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
