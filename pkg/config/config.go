package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the meter configuration.
type Config struct {
	Phases   int             `yaml:"phases" toml:"phases"` // Channel table variant: 1 or 3
	Channels []ChannelConfig `yaml:"channels" toml:"channels"`
	Sampling SamplingConfig  `yaml:"sampling" toml:"sampling"`
	Storage  StorageConfig   `yaml:"storage" toml:"storage"`
	ADC      ADCConfig       `yaml:"adc" toml:"adc"`
	HTTP     HTTPConfig      `yaml:"http" toml:"http"`
	Logging  LoggingConfig   `yaml:"logging" toml:"logging"`
	Mock     MockConfig      `yaml:"mock" toml:"mock"`
}

// ChannelConfig describes one CT + voltage reference pair.
type ChannelConfig struct {
	ID            uint16  `yaml:"id" toml:"id"`
	CurrentPin    uint8   `yaml:"current_pin" toml:"current_pin"`
	CurrentScale  float32 `yaml:"current_scale" toml:"current_scale"`
	CurrentOffset float32 `yaml:"current_offset" toml:"current_offset"`
	VoltagePin    uint8   `yaml:"voltage_pin" toml:"voltage_pin"`
	VoltageScale  float32 `yaml:"voltage_scale" toml:"voltage_scale"`
	PhaseCal      float32 `yaml:"phase_cal" toml:"phase_cal"`
	VoltageOffset float32 `yaml:"voltage_offset" toml:"voltage_offset"`
}

// SamplingConfig contains measurement loop parameters.
type SamplingConfig struct {
	Crossings      int           `yaml:"crossings" toml:"crossings"`             // Voltage zero-crossings per burst
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`                 // Bound for each burst phase
	FullScale      uint16        `yaml:"full_scale" toml:"full_scale"`           // Converter full scale (mV at 11dB attenuation)
	SupplyVoltage  float32       `yaml:"supply_voltage" toml:"supply_voltage"`   // Volts
	NoiseThreshold float32       `yaml:"noise_threshold" toml:"noise_threshold"` // Max sample-to-sample step for min/max tracking
	SavePeriod     time.Duration `yaml:"save_period" toml:"save_period"`
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// StorageConfig contains flash storage layout and limits.
type StorageConfig struct {
	Root           string `yaml:"root" toml:"root"`
	ReadingsDir    string `yaml:"readings_dir" toml:"readings_dir"`
	MaxShardSize   int64  `yaml:"max_shard_size" toml:"max_shard_size"` // bytes
	MaxTimeSize    int64  `yaml:"max_time_size" toml:"max_time_size"`   // bytes
	TokenSize      int    `yaml:"token_size" toml:"token_size"`         // bytes
	DrainChunkRecs int    `yaml:"drain_chunk_records" toml:"drain_chunk_records"`
}

// ADCConfig contains the serial converter front-end settings.
// An empty Port selects the synthetic front-end configured by Mock.
type ADCConfig struct {
	Port        string        `yaml:"port" toml:"port"`
	BaudRate    int           `yaml:"baud_rate" toml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`
}

// HTTPConfig contains the telemetry server settings.
type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// MockConfig contains synthetic front-end parameters.
type MockConfig struct {
	SamplesPerCycle  int     `yaml:"samples_per_cycle" toml:"samples_per_cycle"`
	VoltageAmplitude float64 `yaml:"voltage_amplitude" toml:"voltage_amplitude"` // counts
	CurrentAmplitude float64 `yaml:"current_amplitude" toml:"current_amplitude"` // counts
	PhaseShift       float64 `yaml:"phase_shift" toml:"phase_shift"`             // degrees current lags voltage
}

// Default returns the single-phase configuration.
func Default() *Config {
	channels, _ := DefaultChannels(1)
	return &Config{
		Phases:   1,
		Channels: channels,
		Sampling: SamplingConfig{
			Crossings:      200,
			Timeout:        3 * time.Second,
			FullScale:      2450,
			SupplyVoltage:  3.3,
			NoiseThreshold: 2450.0 / 8,
			SavePeriod:     120 * time.Second, // 3600s for hourly records
			PollInterval:   time.Second,
		},
		Storage: StorageConfig{
			Root:           "/littlefs",
			ReadingsDir:    "ct_readings",
			MaxShardSize:   256,
			MaxTimeSize:    256,
			TokenSize:      20,
			DrainChunkRecs: 5,
		},
		ADC: ADCConfig{
			Port:        "",
			BaudRate:    115200,
			ReadTimeout: 50 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Listen: ":80",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Mock: MockConfig{
			SamplesPerCycle:  200,
			VoltageAmplitude: 900,
			CurrentAmplitude: 300,
			PhaseShift:       10,
		},
	}
}

// DefaultChannels returns the calibration table for the given phase variant.
func DefaultChannels(phases int) ([]ChannelConfig, error) {
	switch phases {
	case 1:
		return []ChannelConfig{
			{ID: 1, CurrentPin: 35, CurrentScale: 102.0, CurrentOffset: 1066, VoltagePin: 34, VoltageScale: 232.5, PhaseCal: 1.7, VoltageOffset: 1288},
		}, nil
	case 3:
		return []ChannelConfig{
			{ID: 1, CurrentPin: 32, CurrentScale: 30.0, CurrentOffset: 1066, VoltagePin: 39, VoltageScale: 219.25, PhaseCal: 1.7, VoltageOffset: 1288},
			{ID: 2, CurrentPin: 35, CurrentScale: 30.0, CurrentOffset: 1066, VoltagePin: 36, VoltageScale: 219.25, PhaseCal: 1.7, VoltageOffset: 1288},
			{ID: 3, CurrentPin: 34, CurrentScale: 30.0, CurrentOffset: 1066, VoltagePin: 33, VoltageScale: 219.25, PhaseCal: 1.7, VoltageOffset: 1288},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported phase variant %d (want 1 or 3)", phases)
	}
}

// Load loads configuration from a YAML or TOML file (chosen by extension). If the
// file doesn't exist or fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()
	// Channels come from the file or from the phase variant, never merged with defaults.
	cfg.Channels = nil

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isTOML(filename) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.ensureDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML or TOML file (chosen by extension).
func (c *Config) Save(filename string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(filename) {
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks invariants the meter relies on.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("config: no channels configured")
	}
	seen := make(map[uint16]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if seen[ch.ID] {
			return fmt.Errorf("config: duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
	}
	if c.Storage.MaxShardSize <= 0 || c.Storage.MaxTimeSize <= 0 || c.Storage.TokenSize <= 0 {
		return errors.New("config: storage sizes must be positive")
	}
	if c.Sampling.FullScale == 0 {
		return errors.New("config: sampling full scale must be positive")
	}
	return nil
}

// ReadingsPath returns the shard directory.
func (s StorageConfig) ReadingsPath() string {
	return filepath.Join(s.Root, s.ReadingsDir)
}

// TimePath returns the time checkpoint file.
func (s StorageConfig) TimePath() string {
	return filepath.Join(s.Root, "time")
}

// TokenPath returns the access token file.
func (s StorageConfig) TokenPath() string {
	return filepath.Join(s.Root, "token")
}

// PowerLossPath returns the power-loss log file.
func (s StorageConfig) PowerLossPath() string {
	return filepath.Join(s.Root, "powerloss_log")
}

func isTOML(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".toml")
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() error {
	def := Default()

	if c.Phases == 0 {
		c.Phases = def.Phases
	}
	if len(c.Channels) == 0 {
		channels, err := DefaultChannels(c.Phases)
		if err != nil {
			return err
		}
		c.Channels = channels
	}

	if c.Sampling.Crossings == 0 {
		c.Sampling.Crossings = def.Sampling.Crossings
	}
	if c.Sampling.Timeout == 0 {
		c.Sampling.Timeout = def.Sampling.Timeout
	}
	if c.Sampling.FullScale == 0 {
		c.Sampling.FullScale = def.Sampling.FullScale
	}
	if c.Sampling.SupplyVoltage == 0 {
		c.Sampling.SupplyVoltage = def.Sampling.SupplyVoltage
	}
	if c.Sampling.NoiseThreshold == 0 {
		c.Sampling.NoiseThreshold = float32(c.Sampling.FullScale) / 8
	}
	if c.Sampling.SavePeriod == 0 {
		c.Sampling.SavePeriod = def.Sampling.SavePeriod
	}
	if c.Sampling.PollInterval == 0 {
		c.Sampling.PollInterval = def.Sampling.PollInterval
	}

	if c.Storage.Root == "" {
		c.Storage.Root = def.Storage.Root
	}
	if c.Storage.ReadingsDir == "" {
		c.Storage.ReadingsDir = def.Storage.ReadingsDir
	}
	if c.Storage.MaxShardSize == 0 {
		c.Storage.MaxShardSize = def.Storage.MaxShardSize
	}
	if c.Storage.MaxTimeSize == 0 {
		c.Storage.MaxTimeSize = def.Storage.MaxTimeSize
	}
	if c.Storage.TokenSize == 0 {
		c.Storage.TokenSize = def.Storage.TokenSize
	}
	if c.Storage.DrainChunkRecs == 0 {
		c.Storage.DrainChunkRecs = def.Storage.DrainChunkRecs
	}

	if c.ADC.BaudRate == 0 {
		c.ADC.BaudRate = def.ADC.BaudRate
	}
	if c.ADC.ReadTimeout == 0 {
		c.ADC.ReadTimeout = def.ADC.ReadTimeout
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}

	if c.Mock.SamplesPerCycle == 0 {
		c.Mock.SamplesPerCycle = def.Mock.SamplesPerCycle
	}
	if c.Mock.VoltageAmplitude == 0 {
		c.Mock.VoltageAmplitude = def.Mock.VoltageAmplitude
	}
	if c.Mock.CurrentAmplitude == 0 {
		c.Mock.CurrentAmplitude = def.Mock.CurrentAmplitude
	}

	return nil
}
