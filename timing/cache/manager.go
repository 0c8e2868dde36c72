package cache

import (
	"fmt"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/timing/sim"
)

// Level names a cache in the hierarchy.
type Level int

// Cache levels.
const (
	L1I Level = iota
	L1D
	L2
	L3
)

// HierarchyConfig describes the tree L1I/L1D -> [L2 -> [L3]] -> Memory.
type HierarchyConfig struct {
	L1I    Config       `yaml:"l1i" json:"l1i"`
	L1D    Config       `yaml:"l1d" json:"l1d"`
	L2     *Config      `yaml:"l2,omitempty" json:"l2,omitempty"`
	L3     *Config      `yaml:"l3,omitempty" json:"l3,omitempty"`
	Memory MemoryConfig `yaml:"memory" json:"memory"`
}

// DefaultHierarchyConfig returns split L1s over a shared L2.
func DefaultHierarchyConfig() HierarchyConfig {
	l2 := DefaultL2Config()
	return HierarchyConfig{
		L1I:    DefaultL1IConfig(),
		L1D:    DefaultL1DConfig(),
		L2:     &l2,
		Memory: DefaultMemoryConfig(),
	}
}

// Validate checks every level.
func (c HierarchyConfig) Validate() error {
	if c.L3 != nil && c.L2 == nil {
		return fmt.Errorf("an L3 cache requires an L2 cache")
	}

	for _, cfg := range []*Config{&c.L1I, &c.L1D, c.L2, c.L3} {
		if cfg == nil {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	return c.Memory.Validate()
}

// Manager owns the cache tree and ticks it in a fixed order: memory first,
// then caches from the root towards the leaves, so a completion travels all
// the way down within one tick.
type Manager struct {
	memory *Memory
	levels map[Level]*Cache
	// order lists the caches root first.
	order []*Cache
}

// NewManager builds the hierarchy over backing and wires parent callbacks.
func NewManager(ctx *sim.Context, config HierarchyConfig, backing *emu.Memory) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to build cache hierarchy: %w", err)
	}

	m := &Manager{
		memory: NewMemory(ctx, config.Memory, backing),
		levels: make(map[Level]*Cache),
	}

	var parent Port = m.memory
	for _, lv := range []struct {
		level  Level
		config *Config
	}{{L3, config.L3}, {L2, config.L2}} {
		if lv.config == nil {
			continue
		}
		c := m.add(ctx, lv.level, *lv.config, parent)
		parent = c
	}

	m.add(ctx, L1D, config.L1D, parent)
	m.add(ctx, L1I, config.L1I, parent)

	return m, nil
}

func (m *Manager) add(ctx *sim.Context, level Level, config Config, parent Port) *Cache {
	c := New(ctx, config, parent)
	c.SetUncached(m.memory.IsMMIO)
	m.levels[level] = c
	m.order = append(m.order, c)
	return c
}

// ICache returns the L1 instruction cache.
func (m *Manager) ICache() *Cache {
	return m.levels[L1I]
}

// DCache returns the L1 data cache.
func (m *Manager) DCache() *Cache {
	return m.levels[L1D]
}

// Cache returns the cache at level, or nil.
func (m *Manager) Cache(level Level) *Cache {
	return m.levels[level]
}

// Caches returns every cache, root first.
func (m *Manager) Caches() []*Cache {
	return m.order
}

// Memory returns the root memory.
func (m *Manager) Memory() *Memory {
	return m.memory
}

// Flush starts a flush of the cache at level.
func (m *Manager) Flush(level Level, addr uint64, asid uint32) error {
	c, ok := m.levels[level]
	if !ok {
		return fmt.Errorf("no cache at level %d", level)
	}
	c.Flush(addr, asid)
	return nil
}

// Busy reports whether any level holds work.
func (m *Manager) Busy() bool {
	if m.memory.Busy() {
		return true
	}
	for _, c := range m.order {
		if c.Busy() {
			return true
		}
	}
	return false
}

// Tick advances memory and every cache by one tick.
func (m *Manager) Tick() {
	m.memory.Tick()
	for _, c := range m.order {
		c.Tick()
	}
}

// RegisterStats publishes per-level counters into reg.
func (m *Manager) RegisterStats(reg *sim.Registry) {
	for _, c := range m.order {
		name := c.Name()
		reg.RegisterFunc(name+".reads", "read lookups", func() uint64 { return c.stats.Reads })
		reg.RegisterFunc(name+".writes", "write lookups", func() uint64 { return c.stats.Writes })
		reg.RegisterFunc(name+".hits", "lookups that hit", func() uint64 { return c.stats.Hits })
		reg.RegisterFunc(name+".misses", "lookups that missed", func() uint64 { return c.stats.Misses })
		reg.RegisterFunc(name+".writebacks", "dirty lines written back", func() uint64 { return c.stats.Writebacks })
		reg.RegisterFunc(name+".refused", "lookups refused by backpressure", func() uint64 { return c.stats.Refused })
		reg.RegisterRatio(name+".miss_rate", "misses per tag-checked lookup",
			func() uint64 { return c.stats.Misses },
			func() uint64 { return c.stats.Hits + c.stats.Misses })
	}

	mem := m.memory
	reg.RegisterFunc("memory.reads", "memory read requests", func() uint64 { return mem.stats.Reads })
	reg.RegisterFunc("memory.writes", "memory write requests", func() uint64 { return mem.stats.Writes })
	reg.RegisterFunc("memory.device_accesses", "device requests", func() uint64 { return mem.stats.DeviceAccesses })
}
