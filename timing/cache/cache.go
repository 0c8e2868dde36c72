// Package cache provides cache hierarchy modeling using Akita cache components.
//
// Every cache serves one request at a time through Lookup and reports
// completion through a registered callback. A cache that cannot accept a
// request returns false and the caller retries on a later tick; there is no
// request queue inside a cache.
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/rvsim/timing/sim"
)

type state uint8

const (
	stateIdle state = iota
	stateLookup
	stateWriteBack
	stateMiss
	stateRefill
)

var stateNames = [...]string{"idle", "lookup", "writeback", "miss", "refill"}

func (s state) String() string {
	return stateNames[s]
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	Bypasses   uint64
	Refused    uint64
	Flushes    uint64
}

// Cache is a set-associative cache level. The tag store is an akita
// directory with an LRU victim finder.
type Cache struct {
	ctx    *sim.Context
	config Config

	directory *akitacache.DirectoryImpl

	parent   Port
	parentID int
	uncached func(addr uint64) bool

	callbacks []Callback

	state      state
	req        Request
	reqCB      int
	tagChecked bool
	hit        bool
	hitTagv    Tagv
	countdown  int

	next      Request
	nextCB    int
	nextValid bool

	victim   *akitacache.Block
	bypass   bool
	issued   bool
	fillTagv Tagv

	// pendingClear swallows the completion of an abandoned parent request.
	pendingClear bool

	flushPending bool
	flushing     bool
	flushSet     int

	stats Statistics
}

// New creates a cache below parent. The cache registers its own callback
// with the parent.
func New(ctx *sim.Context, config Config, parent Port) *Cache {
	if parent == nil {
		panic(fmt.Sprintf("cache %s: parent required", config.Name))
	}

	c := &Cache{
		ctx:    ctx,
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			config.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		parent: parent,
	}
	c.parentID = parent.AddCallback(c.parentCallback)

	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Name returns the configured name.
func (c *Cache) Name() string {
	return c.config.Name
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// SetUncached installs the predicate selecting addresses that bypass the
// cache, such as memory-mapped device registers.
func (c *Cache) SetUncached(uncached func(addr uint64) bool) {
	c.uncached = uncached
}

// AddCallback registers a completion callback and returns its id.
func (c *Cache) AddCallback(cb Callback) int {
	c.callbacks = append(c.callbacks, cb)
	return len(c.callbacks) - 1
}

// Busy reports whether the cache holds a request or runs a flush.
func (c *Cache) Busy() bool {
	return c.state != stateIdle || c.flushPending || c.flushing
}

// Lookup offers a request. It is accepted when the cache is idle, or when
// the current request already hit and only waits for its callback; that
// second request is latched and checked right after the callback fires.
func (c *Cache) Lookup(callbackID int, req *Request) bool {
	if callbackID < 0 || callbackID >= len(c.callbacks) {
		c.ctx.Fatalf(sim.ErrProtocol, "%s: lookup with unknown callback id %d", c.config.Name, callbackID)
		return false
	}

	if c.flushPending || c.flushing {
		c.stats.Refused++
		return false
	}

	switch {
	case c.state == stateIdle:
		c.latch(callbackID, req)
		return true
	case c.state == stateLookup && c.hit && !c.nextValid:
		c.next = *req
		c.nextCB = callbackID
		c.nextValid = true
		return true
	}

	c.stats.Refused++
	return false
}

func (c *Cache) latch(callbackID int, req *Request) {
	c.req = *req
	c.reqCB = callbackID
	c.state = stateLookup
	c.tagChecked = false
	c.hit = false
	c.countdown = c.config.Delay
}

// Flush invalidates every line, one set per tick, once the cache is idle.
// Lookups are refused until the flush completes.
func (c *Cache) Flush(addr uint64, asid uint32) {
	if c.flushing {
		return
	}
	c.flushPending = true
	c.stats.Flushes++
	c.ctx.Logger().V(2).Info("cache flush", "cache", c.config.Name, "addr", addr, "asid", asid)
}

// Redirect abandons the current request. A request already sent to the
// parent cannot be recalled, so its completion is absorbed instead of being
// forwarded.
func (c *Cache) Redirect() {
	c.nextValid = false

	switch c.state {
	case stateLookup:
		c.state = stateIdle
		c.tagChecked = false
		c.hit = false
	case stateWriteBack, stateMiss:
		if c.issued {
			c.pendingClear = true
			return
		}
		c.state = stateIdle
		c.bypass = false
		c.victim = nil
	case stateRefill:
		c.pendingClear = true
	}
}

// Tick advances the cache by one tick.
func (c *Cache) Tick() {
	switch c.state {
	case stateIdle:
		c.tickFlush()
	case stateLookup:
		c.tickLookup()
	case stateWriteBack, stateMiss:
		c.issueParent()
	case stateRefill:
		c.refill()
	}
}

func (c *Cache) tickFlush() {
	if c.flushPending {
		c.flushPending = false
		c.flushing = true
		c.flushSet = 0
	}
	if !c.flushing {
		return
	}

	sets := c.directory.GetSets()
	for _, block := range sets[c.flushSet].Blocks {
		if block.IsValid && block.IsDirty {
			c.stats.Writebacks++
		}
		block.IsValid = false
		block.IsDirty = false
	}

	c.flushSet++
	if c.flushSet == c.config.Sets {
		c.flushing = false
	}
}

func (c *Cache) tickLookup() {
	if !c.tagChecked {
		c.checkTags()
		if c.state != stateLookup {
			return
		}
	}

	c.countdown--
	if c.countdown > 0 {
		return
	}

	cb, ids, tagv := c.reqCB, c.req.IDs, c.hitTagv
	c.state = stateIdle
	c.hit = false

	promoted := c.nextValid
	if promoted {
		c.nextValid = false
		c.latch(c.nextCB, &c.next)
	}

	c.callbacks[cb](ids, tagv)

	// The latched request uses this tick as its first lookup tick.
	if promoted && c.state == stateLookup && !c.tagChecked {
		c.tickLookup()
	}
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	return addr &^ uint64(c.config.LineSize-1)
}

func (c *Cache) checkTags() {
	c.tagChecked = true
	write := c.req.Op.IsWrite()
	if write {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}

	if c.uncached != nil && c.uncached(c.req.Addr) {
		c.stats.Bypasses++
		c.bypass = true
		c.enterMiss(stateMiss)
		return
	}

	blockAddr := c.blockAddr(c.req.Addr)
	block := c.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)
		if write {
			block.IsDirty = true
		}
		c.hit = true
		c.hitTagv = tagvOf(block)
		return
	}

	c.stats.Misses++
	c.ctx.Logger().V(2).Info("cache miss", "cache", c.config.Name, "addr", c.req.Addr)

	c.victim = c.directory.FindVictim(blockAddr)
	if c.victim.IsValid {
		c.stats.Evictions++
		if c.victim.IsDirty {
			c.stats.Writebacks++
			c.enterMiss(stateWriteBack)
			return
		}
	}

	c.enterMiss(stateMiss)
}

func (c *Cache) enterMiss(s state) {
	c.state = s
	c.issued = false
	c.issueParent()
}

// issueParent sends the victim writeback or the line request. The state is
// marked issued before the call and reverted on refusal.
func (c *Cache) issueParent() {
	if c.issued {
		return
	}

	var req Request
	switch {
	case c.state == stateWriteBack:
		req = Request{Addr: c.victim.Tag, Size: c.config.LineSize, Op: WriteBack}
	case c.bypass:
		req = c.req
	default:
		op := ReadShared
		if c.req.Op.IsWrite() {
			op = ReadUnique
		}
		req = Request{Addr: c.blockAddr(c.req.Addr), Size: c.config.LineSize, Op: op}
	}
	req.IDs = c.req.IDs

	c.issued = true
	if !c.parent.Lookup(c.parentID, &req) {
		c.issued = false
	}
}

func (c *Cache) parentCallback(_ [4]uint16, tagv Tagv) {
	if !c.issued || (c.state != stateMiss && c.state != stateWriteBack) {
		c.ctx.Fatalf(sim.ErrProtocol, "%s: parent callback in state %v", c.config.Name, c.state)
		return
	}

	c.issued = false
	if c.state == stateWriteBack {
		c.victim.IsDirty = false
		c.victim.IsValid = false
		c.state = stateMiss
		return
	}

	c.fillTagv = tagv
	c.state = stateRefill
}

func (c *Cache) refill() {
	tagv := c.fillTagv
	if !c.bypass {
		v := c.victim
		v.Tag = c.blockAddr(c.req.Addr)
		v.IsValid = true
		v.IsDirty = c.req.Op.IsWrite()
		c.directory.Visit(v)
		tagv = tagvOf(v)
	}

	c.state = stateIdle
	c.bypass = false
	c.victim = nil

	if c.pendingClear {
		c.pendingClear = false
		return
	}

	c.callbacks[c.reqCB](c.req.IDs, tagv)
}

// Contains reports whether the line holding addr is valid. Used by tests
// and statistics; it does not touch LRU state.
func (c *Cache) Contains(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	return block != nil && block.IsValid
}

func tagvOf(b *akitacache.Block) Tagv {
	return Tagv{Tag: b.Tag, Valid: b.IsValid, Dirty: b.IsDirty}
}
