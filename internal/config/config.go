// Package config loads the daemon configuration from
// ~/.wcbridge/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dailybot/wcbridge/internal/decrypt"
	"github.com/dailybot/wcbridge/internal/wcpath"
)

// EnvKey overrides the db_key config value when set, so the hex key can
// be kept out of the config file.
const EnvKey = "WCBRIDGE_DB_KEY"

const defaultPollInterval = 30

// Config represents ~/.wcbridge/config.toml.
type Config struct {
	// Key is the 64-hex-char SQLCipher key extracted from the running
	// client's memory.
	Key string `toml:"db_key"`

	// ContainerRoot overrides the default client container location.
	ContainerRoot string `toml:"container_root"`

	CacheDir string `toml:"cache_dir"`
	StateDir string `toml:"state_dir"`
	LogPath  string `toml:"log_path"`

	// OutputPath is the NDJSON file new messages are appended to.
	OutputPath string `toml:"output_path"`

	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	PerTableLimit       int    `toml:"per_table_limit"`
	CipherProfile       string `toml:"cipher_profile"`
}

// Load reads the config at path and applies defaults and the key
// environment override. A missing file is an error: the daemon cannot
// run without a key.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if v := os.Getenv(EnvKey); v != "" {
		cfg.Key = v
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ContainerRoot == "" {
		c.ContainerRoot = wcpath.DefaultContainerRoot()
	}
	if c.CacheDir == "" {
		c.CacheDir = wcpath.CacheDir()
	}
	if c.StateDir == "" {
		c.StateDir = wcpath.StateDir()
	}
	if c.LogPath == "" {
		c.LogPath = wcpath.LogPath(c.StateDir)
	}
	if c.OutputPath == "" {
		c.OutputPath = filepath.Join(c.StateDir, "messages.ndjson")
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = defaultPollInterval
	}
}

// Validate checks the fields the daemon cannot limp along without.
func (c *Config) Validate() error {
	if _, err := decrypt.ParseKey(c.Key); err != nil {
		return fmt.Errorf("db_key: %w", err)
	}
	if _, ok := decrypt.Profile(c.CipherProfile); !ok {
		return fmt.Errorf("cipher_profile: unknown profile %q", c.CipherProfile)
	}
	return nil
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
