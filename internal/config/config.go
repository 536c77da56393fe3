// Package config handles daemon configuration loaded from a TOML file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Socket   SocketConfig   `toml:"socket"`
	Data     DataConfig     `toml:"data"`
	Audio    AudioConfig    `toml:"audio"`
	Behavior BehaviorConfig `toml:"behavior"`
	Poller   PollerConfig   `toml:"poller"`
}

// ServerConfig contains media server connection settings.
type ServerConfig struct {
	BaseURL          string  `toml:"base_url"`
	RateLimit        float64 `toml:"rate_limit"`
	RequestTimeoutMs int     `toml:"request_timeout_ms"`
}

// SocketConfig contains IPC socket settings.
type SocketConfig struct {
	Path string `toml:"path"`
}

// DataConfig contains local storage settings.
type DataConfig struct {
	Dir string `toml:"dir"`
}

// AudioConfig contains audio output settings.
type AudioConfig struct {
	SampleRate    int     `toml:"sample_rate"`
	BufferSizeMs  int     `toml:"buffer_size_ms"`
	DefaultVolume float64 `toml:"default_volume"`
}

// BehaviorConfig contains startup and persistence behavior.
type BehaviorConfig struct {
	RestoreLastTrack bool `toml:"restore_last_track"`
	RememberQueue    bool `toml:"remember_queue"`
}

// PollerConfig contains job status poll intervals.
type PollerConfig struct {
	ActiveIntervalMs int `toml:"active_interval_ms"`
	IdleIntervalMs   int `toml:"idle_interval_ms"`
	MaxIntervalMs    int `toml:"max_interval_ms"`
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path. Fields absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", shared.ErrMissingConfig, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns a Config populated from the embedded example file.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile writes the embedded example config to the specified path.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("%w: server.base_url is required", shared.ErrInvalidConfig)
	}
	if c.Poller.ActiveIntervalMs <= 0 || c.Poller.IdleIntervalMs <= 0 || c.Poller.MaxIntervalMs <= 0 {
		return fmt.Errorf("%w: poller intervals must be positive", shared.ErrInvalidConfig)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("%w: audio.sample_rate must be positive", shared.ErrInvalidConfig)
	}
	if c.Audio.DefaultVolume < 0 || c.Audio.DefaultVolume > 1 {
		return fmt.Errorf("%w: audio.default_volume must be between 0 and 1", shared.ErrInvalidConfig)
	}
	return nil
}

// SocketPath returns the configured IPC socket path, or the per-user default.
func (c *Config) SocketPath() string {
	if c.Socket.Path != "" {
		return c.Socket.Path
	}
	return fmt.Sprintf("/tmp/playerd-%d.sock", os.Getuid())
}

// DataDir returns the configured data directory, or the per-user default.
// The directory is not created here.
func (c *Config) DataDir() (string, error) {
	if c.Data.Dir != "" {
		return c.Data.Dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "playerd"), nil
}

// StatePath returns the path of the local state database.
func (c *Config) StatePath() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "playerd.db"), nil
}

// ActiveInterval returns the poll interval used while any job is running.
func (c *Config) ActiveInterval() time.Duration {
	return time.Duration(c.Poller.ActiveIntervalMs) * time.Millisecond
}

// IdleInterval returns the poll interval used while no job is running.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.Poller.IdleIntervalMs) * time.Millisecond
}

// MaxInterval returns the error backoff ceiling.
func (c *Config) MaxInterval() time.Duration {
	return time.Duration(c.Poller.MaxIntervalMs) * time.Millisecond
}

// RequestTimeout returns the HTTP timeout for track and like requests.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMs) * time.Millisecond
}
