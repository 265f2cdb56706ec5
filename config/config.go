// Package config loads the node configuration from a TOML file,
// creating one with defaults when none exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// ListenAddress is the IP the DHT sockets bind to; empty binds the
	// wildcard of each enabled family.
	ListenAddress string `toml:"ListenAddress"`
	Port          int    `toml:"Port"`
	EnableIPv4    bool   `toml:"EnableIPv4"`
	EnableIPv6    bool   `toml:"EnableIPv6"`

	DataDir string `toml:"DataDir"`

	// MaxActiveCalls is read and written with the file but is not passed
	// to the servers; the daemon's servers always use
	// kad.DefaultMaxActiveCalls.
	MaxActiveCalls int `toml:"MaxActiveCalls"`

	// ThrottleRate and ThrottleBurst tune the per-source spam throttle.
	ThrottleRate  float64 `toml:"ThrottleRate"`
	ThrottleBurst int     `toml:"ThrottleBurst"`

	WorkerThreads int `toml:"WorkerThreads"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
}

func defaultConfig() *Config {
	return &Config{
		Port:          49001,
		EnableIPv4:    true,
		EnableIPv6:    false,
		DataDir:       "./data",
		ThrottleRate:  10,
		ThrottleBurst: 30,
		LogMaxSizeMB:  64,
		LogMaxBackups: 4,
	}
}

// Load reads the configuration at path. A missing file is created with
// defaults and returned.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := defaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if !c.EnableIPv4 && !c.EnableIPv6 {
		return fmt.Errorf("config: at least one address family must be enabled")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write defaults: %w", err)
	}
	return cfg, nil
}
