// Package config loads the relay server's settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	StoreMemory  = "memory"
	StoreLevelDB = "leveldb"
)

// Duration is a time.Duration written as a string ("90s", "2m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Tor struct {
	Enabled    bool   `toml:"enabled"`
	RemotePort int    `toml:"remote_port"`
	DataDir    string `toml:"data_dir"`
}

type Config struct {
	Listen       string   `toml:"listen"`
	DataDir      string   `toml:"data_dir"`
	KeyFile      string   `toml:"key_file"`
	Store        string   `toml:"store"`
	ChallengeTTL Duration `toml:"challenge_ttl"`
	LogLevel     string   `toml:"log_level"`
	Tor          Tor      `toml:"tor"`
}

func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		DataDir:      "data",
		Store:        StoreMemory,
		ChallengeTTL: Duration{time.Minute},
		LogLevel:     "info",
		Tor:          Tor{RemotePort: 80},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Store {
	case StoreMemory:
	case StoreLevelDB:
		if c.DataDir == "" {
			errs = append(errs, errors.New("leveldb store needs a data_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.ChallengeTTL.Duration <= 0 {
		errs = append(errs, errors.New("challenge_ttl must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Tor.Enabled && (c.Tor.RemotePort <= 0 || c.Tor.RemotePort > 65535) {
		errs = append(errs, fmt.Errorf("invalid tor remote_port %d", c.Tor.RemotePort))
	}
	return errors.Join(errs...)
}

// KeyPath is where the server key pair lives: KeyFile if set, otherwise
// server.key inside DataDir.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "server.key")
}

// StorePath is the LevelDB directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "messages")
}
