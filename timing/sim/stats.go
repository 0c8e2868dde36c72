package sim

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Counter is a monotonically increasing statistic.
type Counter struct {
	v uint64
}

// Inc adds one.
func (c *Counter) Inc() {
	c.v++
}

// Add adds n.
func (c *Counter) Add(n uint64) {
	c.v += n
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return c.v
}

type stat struct {
	name  string
	desc  string
	ratio bool
	value func() float64
}

// Registry collects named statistics. Components own their counters and
// register read functions, so registering never changes what they count.
type Registry struct {
	stats map[string]*stat
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stats: make(map[string]*stat)}
}

func (r *Registry) add(s *stat) {
	if _, ok := r.stats[s.name]; !ok {
		r.order = append(r.order, s.name)
	}
	r.stats[s.name] = s
}

// Counter registers and returns a new counter.
func (r *Registry) Counter(name, desc string) *Counter {
	c := &Counter{}
	r.RegisterFunc(name, desc, c.Value)
	return c
}

// RegisterFunc registers an integer statistic read through f.
func (r *Registry) RegisterFunc(name, desc string, f func() uint64) {
	r.add(&stat{name: name, desc: desc, value: func() float64 { return float64(f()) }})
}

// RegisterRatio registers num/den. A zero denominator reads as zero.
func (r *Registry) RegisterRatio(name, desc string, num, den func() uint64) {
	r.add(&stat{name: name, desc: desc, ratio: true, value: func() float64 {
		d := den()
		if d == 0 {
			return 0
		}
		return float64(num()) / float64(d)
	}})
}

// Value reads a statistic by name.
func (r *Registry) Value(name string) (float64, bool) {
	s, ok := r.stats[name]
	if !ok {
		return 0, false
	}
	return s.value(), true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Dump writes every statistic as "name value # description", numbers
// formatted for the given language.
func (r *Registry) Dump(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)

	for _, name := range r.order {
		s := r.stats[name]
		var line string
		if s.ratio {
			line = p.Sprintf("%-40s %20.4f", s.name, s.value())
		} else {
			line = p.Sprintf("%-40s %20d", s.name, uint64(s.value()))
		}

		if _, err := fmt.Fprintf(w, "%s # %s\n", line, s.desc); err != nil {
			return fmt.Errorf("failed to write statistics: %w", err)
		}
	}

	return nil
}
