// Package config loads the global and per-profile TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Global represents ~/.chatsync/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Config is a profile's config.toml.
type Config struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	PhotoRef    string `toml:"photo_ref"`
	// RemoteDSN selects the Postgres remote store. Empty runs the
	// in-memory store.
	RemoteDSN string `toml:"remote_dsn"`

	Typing       Typing       `toml:"typing"`
	Outbox       Outbox       `toml:"outbox"`
	Connectivity Connectivity `toml:"connectivity"`
}

type Typing struct {
	RefreshInterval time.Duration `toml:"refresh_interval"`
	Window          time.Duration `toml:"window"`
	PruneInterval   time.Duration `toml:"prune_interval"`
}

type Outbox struct {
	BaseDelay    time.Duration `toml:"base_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// Connectivity controls the remote store reachability check.
type Connectivity struct {
	PingInterval time.Duration `toml:"ping_interval"`
	PingTimeout  time.Duration `toml:"ping_timeout"`
}

// Environment overrides read from the process or the profile's .env file.
const (
	EnvRemoteDSN = "CHATSYNC_REMOTE_DSN"
	EnvUserID    = "CHATSYNC_USER_ID"
)

var ErrNoUserID = errors.New("user_id is not configured")

// WithDefaults returns a copy with unset durations filled in.
func (c Config) WithDefaults() Config {
	setDefault(&c.Typing.RefreshInterval, 3*time.Second)
	setDefault(&c.Typing.Window, 5*time.Second)
	setDefault(&c.Typing.PruneInterval, time.Second)
	setDefault(&c.Outbox.BaseDelay, time.Second)
	setDefault(&c.Outbox.MaxDelay, 5*time.Minute)
	setDefault(&c.Outbox.PollInterval, 10*time.Second)
	setDefault(&c.Connectivity.PingInterval, 5*time.Second)
	setDefault(&c.Connectivity.PingTimeout, 2*time.Second)
	return c
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// Validate reports settings the daemon cannot start without.
func (c Config) Validate() error {
	if c.UserID == "" {
		return ErrNoUserID
	}
	if c.Typing.Window <= c.Typing.RefreshInterval {
		return fmt.Errorf("typing window %s must exceed refresh interval %s", c.Typing.Window, c.Typing.RefreshInterval)
	}
	return nil
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, cfg *Global) error {
	return save(path, cfg)
}

// Load reads a profile config and applies the env overlay found at envPath
// (if any) and in the process environment. A missing config file yields
// defaults so a profile can run from environment alone.
func Load(path, envPath string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := applyEnv(&cfg, envPath); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	return &cfg, nil
}

// Save writes a profile config.
func Save(path string, cfg *Config) error {
	return save(path, cfg)
}

// applyEnv overlays CHATSYNC_* variables. Process environment wins over the
// .env file.
func applyEnv(cfg *Config, envPath string) error {
	file := map[string]string{}
	if envPath != "" {
		vars, err := godotenv.Read(envPath)
		switch {
		case err == nil:
			file = vars
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("read %s: %w", envPath, err)
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return file[key]
	}
	if v := lookup(EnvRemoteDSN); v != "" {
		cfg.RemoteDSN = v
	}
	if v := lookup(EnvUserID); v != "" {
		cfg.UserID = v
	}
	return nil
}

func save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
