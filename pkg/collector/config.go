package collector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the collector configuration, stored as TOML.
type Config struct {
	Meters       []MeterConfig `toml:"meters"`
	DatabasePath string        `toml:"database_path"`
	Interval     time.Duration `toml:"interval"`
	Timeout      time.Duration `toml:"timeout"`
	SyncTime     bool          `toml:"sync_time"` // Push the collector clock to each meter
	LogLevel     string        `toml:"log_level"`
}

// MeterConfig names one meter endpoint.
type MeterConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"` // e.g. http://10.0.0.1
}

// DefaultConfig returns a collector config for a single meter on its access point.
func DefaultConfig() *Config {
	return &Config{
		Meters:       []MeterConfig{{Name: "meter", URL: "http://10.0.0.1"}},
		DatabasePath: "ctmeter.db",
		Interval:     5 * time.Minute,
		Timeout:      30 * time.Second,
		SyncTime:     true,
		LogLevel:     "info",
	}
}

// LoadConfig reads path, writing the default config there first if it does not exist.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create collector config: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, fmt.Errorf("write collector config: %w", err)
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	cfg.Meters = nil
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse collector config: %w", err)
	}
	if len(cfg.Meters) == 0 {
		return nil, errors.New("collector config: no meters configured")
	}
	for _, m := range cfg.Meters {
		if m.Name == "" || m.URL == "" {
			return nil, fmt.Errorf("collector config: meter %q needs a name and url", m.Name)
		}
	}
	return cfg, nil
}
