// Package sim provides the simulation context shared by every timing
// component: the global tick counter, the logger, the fatal-error latch and
// the statistics registry. It also provides the compressed trace sink.
package sim

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
)

// Fatal error kinds. A fatal error means the model broke one of its own
// invariants; the run stops at the end of the tick that raised it.
var (
	ErrProtocol     = errors.New("protocol violation")
	ErrWatchdog     = errors.New("watchdog expired")
	ErrInconsistent = errors.New("pipeline inconsistency")
)

// FatalError is latched by Context.Fatalf.
type FatalError struct {
	Kind error
	Tick uint64
	Msg  string
	// Dump is the architectural state at the time of the error.
	Dump string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tick %d: %v: %s", e.Tick, e.Kind, e.Msg)
}

// Unwrap returns the error kind, so errors.Is works against the sentinels.
func (e *FatalError) Unwrap() error {
	return e.Kind
}

// Context is created once per simulation and handed to every component at
// construction. It is not safe for concurrent use.
type Context struct {
	tick   uint64
	log    logr.Logger
	fatal  *FatalError
	stats  *Registry
	dumper func() string
}

// NewContext creates a context at tick zero.
func NewContext(log logr.Logger) *Context {
	return &Context{
		log:   log,
		stats: NewRegistry(),
	}
}

// Tick returns the current tick.
func (c *Context) Tick() uint64 {
	return c.tick
}

// Advance moves to the next tick.
func (c *Context) Advance() {
	c.tick++
}

// Logger returns the simulation logger.
func (c *Context) Logger() logr.Logger {
	return c.log
}

// Stats returns the statistics registry.
func (c *Context) Stats() *Registry {
	return c.stats
}

// SetDumper installs the function producing the state dump attached to
// fatal errors.
func (c *Context) SetDumper(dump func() string) {
	c.dumper = dump
}

// Fatalf latches a fatal error of the given kind. Only the first one is
// kept; later ones are logged and dropped.
func (c *Context) Fatalf(kind error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log.Error(kind, msg, "tick", c.tick)

	if c.fatal != nil {
		return
	}

	c.fatal = &FatalError{Kind: kind, Tick: c.tick, Msg: msg}
	if c.dumper != nil {
		c.fatal.Dump = c.dumper()
	}
}

// Failed reports whether a fatal error was latched.
func (c *Context) Failed() bool {
	return c.fatal != nil
}

// Err returns the latched fatal error, or nil.
func (c *Context) Err() error {
	if c.fatal == nil {
		return nil
	}
	return c.fatal
}
