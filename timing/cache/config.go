package cache

import "fmt"

// Config holds cache configuration parameters.
type Config struct {
	// Name identifies the cache in logs and statistics.
	Name string `yaml:"name" json:"name"`
	// Sets is the number of sets (a power of two).
	Sets int `yaml:"sets" json:"sets"`
	// Ways is the associativity.
	Ways int `yaml:"ways" json:"ways"`
	// LineSize in bytes (a power of two).
	LineSize int `yaml:"line_size" json:"line_size"`
	// Delay is the hit latency in ticks.
	Delay int `yaml:"delay" json:"delay"`
}

// Size returns the capacity in bytes.
func (c Config) Size() int {
	return c.Sets * c.Ways * c.LineSize
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.Sets <= 0 || c.Sets&(c.Sets-1) != 0 {
		return fmt.Errorf("cache %s: sets must be a power of two, got %d", c.Name, c.Sets)
	}
	if c.LineSize < 8 || c.LineSize&(c.LineSize-1) != 0 {
		return fmt.Errorf("cache %s: line size must be a power of two >= 8, got %d", c.Name, c.LineSize)
	}
	if c.Ways <= 0 {
		return fmt.Errorf("cache %s: ways must be positive, got %d", c.Name, c.Ways)
	}
	if c.Delay < 1 {
		return fmt.Errorf("cache %s: delay must be at least 1, got %d", c.Name, c.Delay)
	}
	return nil
}

// DefaultL1IConfig returns default configuration for the L1 instruction
// cache: 32KB, 8-way, 64B lines.
func DefaultL1IConfig() Config {
	return Config{Name: "l1i", Sets: 64, Ways: 8, LineSize: 64, Delay: 1}
}

// DefaultL1DConfig returns default configuration for the L1 data cache:
// 32KB, 8-way, 64B lines.
func DefaultL1DConfig() Config {
	return Config{Name: "l1d", Sets: 64, Ways: 8, LineSize: 64, Delay: 1}
}

// DefaultL2Config returns default configuration for the unified L2 cache:
// 512KB, 8-way, 64B lines.
func DefaultL2Config() Config {
	return Config{Name: "l2", Sets: 1024, Ways: 8, LineSize: 64, Delay: 8}
}

// MemoryConfig configures the root memory.
type MemoryConfig struct {
	// Latency is the fixed DRAM access time in ticks.
	Latency int `yaml:"latency" json:"latency"`
	// QueueSize bounds the DRAM requests in flight.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultMemoryConfig returns a 100-tick DRAM with 8 outstanding requests.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{Latency: 100, QueueSize: 8}
}

// Validate checks the memory parameters.
func (c MemoryConfig) Validate() error {
	if c.Latency < 1 {
		return fmt.Errorf("memory latency must be at least 1, got %d", c.Latency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("memory queue size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}
