package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimingConfig holds the extra execute-stage cycles of multi-cycle
// instruction classes. Classes not listed complete in their first execute
// cycle. A zero value also completes in the first cycle.
type TimingConfig struct {
	// MultiplyLatency covers MUL, MULH, MULHSU, MULHU and MULW. Default: 2.
	MultiplyLatency uint64 `yaml:"multiply_latency" json:"multiply_latency"`

	// DivideLatency covers DIV, DIVU, REM, REMU and their W forms.
	// Default: 20.
	DivideLatency uint64 `yaml:"divide_latency" json:"divide_latency"`

	// FAddLatency is the floating-point add/subtract latency. Default: 3.
	FAddLatency uint64 `yaml:"fadd_latency" json:"fadd_latency"`

	// FMulLatency is the floating-point multiply latency. Default: 3.
	FMulLatency uint64 `yaml:"fmul_latency" json:"fmul_latency"`

	// FMALatency is the fused multiply-add latency. Default: 4.
	FMALatency uint64 `yaml:"fma_latency" json:"fma_latency"`

	// FDivLatency is the floating-point divide latency. Default: 12.
	FDivLatency uint64 `yaml:"fdiv_latency" json:"fdiv_latency"`

	// FSqrtLatency is the floating-point square root latency. Default: 16.
	FSqrtLatency uint64 `yaml:"fsqrt_latency" json:"fsqrt_latency"`

	// FMiscComplexLatency covers conversions and other complex
	// floating-point operations. Default: 2.
	FMiscComplexLatency uint64 `yaml:"fmisc_complex_latency" json:"fmisc_complex_latency"`
}

// maxLatency bounds every value; anything longer would trip the watchdog
// long before it completed.
const maxLatency = 1000

// DefaultTimingConfig returns a TimingConfig with the default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		MultiplyLatency:     2,
		DivideLatency:       20,
		FAddLatency:         3,
		FMulLatency:         3,
		FMALatency:          4,
		FDivLatency:         12,
		FSqrtLatency:        16,
		FMiscComplexLatency: 2,
	}
}

// LoadConfig loads a TimingConfig from a JSON file. Missing fields keep
// their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that every latency is within range.
func (c *TimingConfig) Validate() error {
	for _, f := range []struct {
		name  string
		value uint64
	}{
		{"multiply_latency", c.MultiplyLatency},
		{"divide_latency", c.DivideLatency},
		{"fadd_latency", c.FAddLatency},
		{"fmul_latency", c.FMulLatency},
		{"fma_latency", c.FMALatency},
		{"fdiv_latency", c.FDivLatency},
		{"fsqrt_latency", c.FSqrtLatency},
		{"fmisc_complex_latency", c.FMiscComplexLatency},
	} {
		if f.value > maxLatency {
			return fmt.Errorf("%s must be <= %d, got %d", f.name, maxLatency, f.value)
		}
	}
	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
