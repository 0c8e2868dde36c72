package core

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	akitasim "github.com/sarchlab/akita/v4/sim"
	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/latency"
	"github.com/sarchlab/rvsim/timing/pipeline"
	"github.com/sarchlab/rvsim/timing/pred"
)

// ConfigVersion is the version written by SaveConfig.
const ConfigVersion = "1.0.0"

// supportedVersions is the range of config file versions this build reads.
const supportedVersions = "^1.0"

// Config describes a whole simulated system.
type Config struct {
	Version string `yaml:"version"`

	// FrequencyMHz is the core clock, used to report simulated time.
	FrequencyMHz float64 `yaml:"frequency_mhz"`

	RAMBase uint64 `yaml:"ram_base"`
	RAMSize uint64 `yaml:"ram_size"`
	// StartPC overrides the program entry point when non-zero.
	StartPC uint64 `yaml:"start_pc"`

	// MaxTicks and MaxInstructions end the run early; zero means no limit.
	MaxTicks        uint64 `yaml:"max_ticks"`
	MaxInstructions uint64 `yaml:"max_instructions"`

	// Crosscheck replays every retired instruction on the reference
	// interpreter and stops at the first difference.
	Crosscheck bool `yaml:"crosscheck"`

	Pipeline  pipeline.Config       `yaml:"pipeline"`
	Predictor pred.Config           `yaml:"predictor"`
	Caches    cache.HierarchyConfig `yaml:"caches"`
	Latency   latency.TimingConfig  `yaml:"latency"`
}

// DefaultConfig returns a 1 GHz system with the default pipeline,
// predictor, caches and latencies.
func DefaultConfig() Config {
	return Config{
		Version:      ConfigVersion,
		FrequencyMHz: 1000,
		RAMBase:      emu.DefaultRAMBase,
		RAMSize:      emu.DefaultRAMSize,
		Pipeline:     pipeline.DefaultConfig(),
		Predictor:    pred.DefaultConfig(),
		Caches:       cache.DefaultHierarchyConfig(),
		Latency:      *latency.DefaultTimingConfig(),
	}
}

// Freq returns the core clock.
func (c *Config) Freq() akitasim.Freq {
	return akitasim.Freq(c.FrequencyMHz) * akitasim.MHz
}

// Seconds converts a tick count to simulated seconds.
func (c *Config) Seconds(ticks uint64) float64 {
	return float64(ticks) / float64(c.Freq())
}

// StartAddress returns StartPC, or entry when StartPC is zero.
func (c *Config) StartAddress(entry uint64) uint64 {
	if c.StartPC != 0 {
		return c.StartPC
	}
	return entry
}

// Validate checks the version and every component configuration.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("invalid config version %q: %w", c.Version, err)
	}
	supported, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	if !supported.Check(v) {
		return fmt.Errorf("config version %s is not supported (want %s)", v, supportedVersions)
	}

	if c.FrequencyMHz <= 0 {
		return fmt.Errorf("frequency must be positive, got %v MHz", c.FrequencyMHz)
	}
	if c.RAMSize == 0 {
		return fmt.Errorf("ram size must be positive")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if err := c.Predictor.Validate(); err != nil {
		return fmt.Errorf("invalid predictor config: %w", err)
	}
	if err := c.Caches.Validate(); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}
	if err := c.Latency.Validate(); err != nil {
		return fmt.Errorf("invalid latency config: %w", err)
	}

	return nil
}

// LoadConfig reads a YAML config. Missing fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig writes config as YAML.
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
