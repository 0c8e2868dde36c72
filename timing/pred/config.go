package pred

import "fmt"

// BTBConfig sizes the branch target buffer.
type BTBConfig struct {
	Entries int `yaml:"entries" json:"entries"`
	TagBits int `yaml:"tag_bits" json:"tag_bits"`
	Delay   int `yaml:"delay" json:"delay"`
}

// GShareConfig sizes the GShare direction predictor.
type GShareConfig struct {
	Entries     int `yaml:"entries" json:"entries"`
	HistoryBits int `yaml:"history_bits" json:"history_bits"`
	CounterBits int `yaml:"counter_bits" json:"counter_bits"`
	Delay       int `yaml:"delay" json:"delay"`
}

// RASConfig sizes the return address stack.
type RASConfig struct {
	Depth int `yaml:"depth" json:"depth"`
	Delay int `yaml:"delay" json:"delay"`
}

// Config holds the predictor configuration.
type Config struct {
	// RetireSize is the number of predictions that may be in flight.
	RetireSize int `yaml:"retire_size" json:"retire_size"`
	// GHRLength is the number of conditional outcomes the GHR keeps.
	GHRLength int `yaml:"ghr_length" json:"ghr_length"`

	BTB    BTBConfig    `yaml:"btb" json:"btb"`
	GShare GShareConfig `yaml:"gshare" json:"gshare"`
	RAS    RASConfig    `yaml:"ras" json:"ras"`
}

// DefaultConfig returns a 512-entry BTB, a 4K-entry GShare with 12 bits of
// history and a 16-entry RAS.
func DefaultConfig() Config {
	return Config{
		RetireSize: 16,
		GHRLength:  64,
		BTB:        BTBConfig{Entries: 512, TagBits: 16, Delay: 0},
		GShare:     GShareConfig{Entries: 4096, HistoryBits: 12, CounterBits: 2, Delay: 1},
		RAS:        RASConfig{Depth: 16, Delay: 1},
	}
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RetireSize < 1 || c.RetireSize > ghrSlack {
		return fmt.Errorf("predictor retire size must be in [1, %d], got %d", ghrSlack, c.RetireSize)
	}
	if c.GHRLength < c.GShare.HistoryBits || c.GHRLength > 64 {
		return fmt.Errorf("ghr length %d must cover gshare history %d and be at most 64",
			c.GHRLength, c.GShare.HistoryBits)
	}
	if !powerOfTwo(c.BTB.Entries) {
		return fmt.Errorf("btb entries must be a power of two, got %d", c.BTB.Entries)
	}
	if c.BTB.TagBits < 1 || c.BTB.TagBits > 48 {
		return fmt.Errorf("btb tag bits must be in [1, 48], got %d", c.BTB.TagBits)
	}
	if !powerOfTwo(c.GShare.Entries) {
		return fmt.Errorf("gshare entries must be a power of two, got %d", c.GShare.Entries)
	}
	if c.GShare.CounterBits < 1 || c.GShare.CounterBits > 7 {
		return fmt.Errorf("gshare counter bits must be in [1, 7], got %d", c.GShare.CounterBits)
	}
	if !powerOfTwo(c.RAS.Depth) {
		return fmt.Errorf("ras depth must be a power of two, got %d", c.RAS.Depth)
	}
	if c.BTB.Delay < 0 || c.GShare.Delay < 0 || c.RAS.Delay < 0 {
		return fmt.Errorf("predictor delays must not be negative")
	}
	return nil
}
