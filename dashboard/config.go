// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dashboard contains the configuration of a build master:
// its slaves, slave pools and allocation classes, and builders with
// the policy each uses to pick its next slave.
package dashboard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/coordinator/pool/queue"
)

// Dispatch modes.
const (
	// DispatchBuilder lets each builder pick among its own idle slaves
	// with its NextSlave policy.
	DispatchBuilder = "builder"
	// DispatchTryserver pairs slaves and requests across all builders,
	// honoring explicit slave requests and builder categories.
	DispatchTryserver = "tryserver"
)

// Next-slave policies.
const (
	PolicyFirst       = "first"
	PolicyFloating    = "floating"
	PolicyPreferred   = "preferred"
	PolicyPreferredNG = "preferred_ng"
)

// DefaultTickInterval is how often the scheduler looks for work when
// nothing else wakes it up.
const DefaultTickInterval = 30 * time.Second

// Config is the configuration of a build master. It is loaded once at
// startup and not modified after.
type Config struct {
	// Dispatch is DispatchBuilder (the default) or DispatchTryserver.
	Dispatch string `yaml:"dispatch"`

	// TestingPool names slaves reserved for testing traffic on a
	// tryserver. They get builds only when no other slave can.
	TestingPool []string `yaml:"testing_pool"`

	Pools    []PoolConfig    `yaml:"pools"`
	Slaves   []SlaveConfig   `yaml:"slaves"`
	Classes  []ClassConfig   `yaml:"classes"`
	Builders []BuilderConfig `yaml:"builders"`

	// TickInterval is how often the scheduler runs when nothing wakes
	// it up. Zero means DefaultTickInterval.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// PoolConfig is a named set of slaves.
type PoolConfig struct {
	Name   string   `yaml:"name"`
	Slaves []string `yaml:"slaves"`
}

// SlaveConfig carries the properties of a slave.
type SlaveConfig struct {
	Name             string `yaml:"name"`
	PreferredBuilder string `yaml:"preferred_builder"`
}

// Properties returns the slave's dispatch properties.
func (c *SlaveConfig) Properties() queue.Properties {
	return queue.Properties{PreferredBuilder: c.PreferredBuilder}
}

// ClassConfig declares an allocation class.
type ClassConfig struct {
	Name    string `yaml:"name"`
	Subtype string `yaml:"subtype"`
	// Exclusive defaults to true.
	Exclusive *bool    `yaml:"exclusive"`
	Pools     []string `yaml:"pools"`
	// Count is the number of slaves the class needs. Nil means every
	// slave left in its pools.
	Count *int `yaml:"count"`
}

func (c *ClassConfig) subtype() string {
	if c.Subtype == "" {
		return pool.DefaultSubtype
	}
	return c.Subtype
}

func (c *ClassConfig) allocOptions() []pool.AllocOption {
	opts := []pool.AllocOption{pool.Subtype(c.subtype())}
	if c.Exclusive != nil {
		opts = append(opts, pool.Exclusive(*c.Exclusive))
	}
	if len(c.Pools) > 0 {
		opts = append(opts, pool.Pools(c.Pools...))
	}
	if c.Count != nil {
		opts = append(opts, pool.Count(*c.Count))
	}
	return opts
}

// BuilderConfig describes a builder.
type BuilderConfig struct {
	// Name is the unique name of the builder.
	Name string `yaml:"name"`

	// Category orders builders on a tryserver: requests for builders
	// with a smaller category are served first.
	Category string `yaml:"category"`

	// Slaves are attached to the builder regardless of allocation.
	Slaves []string `yaml:"slaves"`

	// Allocation optionally attaches the slaves of an allocation class.
	Allocation *AllocationRef `yaml:"allocation"`

	// NextSlave is the policy picking the builder's next slave. Nil
	// means PolicyFirst.
	NextSlave *NextSlaveConfig `yaml:"next_slave"`
}

// Policy returns the builder's next-slave policy name.
func (c *BuilderConfig) Policy() string {
	if c.NextSlave == nil || c.NextSlave.Policy == "" {
		return PolicyFirst
	}
	return c.NextSlave.Policy
}

// AllocationRef names an allocation class by name and subtype.
type AllocationRef struct {
	Class   string `yaml:"class"`
	Subtype string `yaml:"subtype"`
}

// NextSlaveConfig configures a next-slave policy.
type NextSlaveConfig struct {
	Policy string `yaml:"policy"`

	// Primaries, Floating and GracePeriod configure PolicyFloating.
	Primaries   []string      `yaml:"primaries"`
	Floating    []string      `yaml:"floating"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Load reads a YAML master configuration and validates it.
func Load(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	c := new(Config)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing master config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads the master configuration at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// DispatchMode returns the dispatch mode, defaulting to DispatchBuilder.
func (c *Config) DispatchMode() string {
	if c.Dispatch == "" {
		return DispatchBuilder
	}
	return c.Dispatch
}

// Tick returns the scheduler tick interval.
func (c *Config) Tick() time.Duration {
	if c.TickInterval <= 0 {
		return DefaultTickInterval
	}
	return c.TickInterval
}

// Builder returns the configuration of the named builder.
func (c *Config) Builder(name string) (*BuilderConfig, bool) {
	for i := range c.Builders {
		if c.Builders[i].Name == name {
			return &c.Builders[i], true
		}
	}
	return nil, false
}

// Slave returns the configuration of the named slave. A slave with no
// configuration has no properties.
func (c *Config) Slave(name string) SlaveConfig {
	for _, s := range c.Slaves {
		if s.Name == name {
			return s
		}
	}
	return SlaveConfig{Name: name}
}

// TestingSlaves returns TestingPool as a set.
func (c *Config) TestingSlaves() map[string]bool {
	m := make(map[string]bool, len(c.TestingPool))
	for _, s := range c.TestingPool {
		m[s] = true
	}
	return m
}

// Validate reports every problem with the configuration. Problems only
// found when resolving the allocation, such as too few slaves for a
// class, are reported by Allocator's SlaveMap.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Dispatch {
	case "", DispatchBuilder, DispatchTryserver:
	default:
		add("unknown dispatch mode %q", c.Dispatch)
	}
	if c.TickInterval < 0 {
		add("negative tick_interval %v", c.TickInterval)
	}

	pools := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			add("pool with no name")
		}
		pools[p.Name] = true
	}
	slaves := make(map[string]bool)
	for _, s := range c.Slaves {
		if slaves[s.Name] {
			add("slave %q configured twice", s.Name)
		}
		slaves[s.Name] = true
		if s.PreferredBuilder != "" {
			if _, ok := c.Builder(s.PreferredBuilder); !ok {
				add("slave %q prefers unknown builder %q", s.Name, s.PreferredBuilder)
			}
		}
	}

	classes := make(map[[2]string]bool)
	for _, cl := range c.Classes {
		if cl.Name == "" {
			add("allocation class with no name")
		}
		classes[[2]string{cl.Name, cl.subtype()}] = true
		if cl.Count != nil && *cl.Count < 0 {
			add("class %s/%s: negative count %d", cl.Name, cl.subtype(), *cl.Count)
		}
		for _, p := range cl.Pools {
			if !pools[p] {
				add("class %s/%s: unknown pool %q", cl.Name, cl.subtype(), p)
			}
		}
		if len(cl.Pools) == 0 && !pools[pool.DefaultPool] {
			add("class %s/%s: no pools given and no %q pool", cl.Name, cl.subtype(), pool.DefaultPool)
		}
	}

	builders := make(map[string]bool)
	for _, b := range c.Builders {
		if b.Name == "" {
			add("builder with no name")
		}
		if builders[b.Name] {
			add("builder %q configured twice", b.Name)
		}
		builders[b.Name] = true
		if a := b.Allocation; a != nil {
			sub := a.Subtype
			if sub == "" {
				sub = pool.DefaultSubtype
			}
			if !classes[[2]string{a.Class, sub}] {
				add("builder %q: unknown allocation class %s/%s", b.Name, a.Class, sub)
			}
		}
		switch b.Policy() {
		case PolicyFirst, PolicyPreferred, PolicyPreferredNG:
		case PolicyFloating:
			ns := b.NextSlave
			if len(ns.Primaries) == 0 {
				add("builder %q: floating policy with no primaries", b.Name)
			}
			if ns.GracePeriod <= 0 {
				add("builder %q: grace_period must be positive, got %v", b.Name, ns.GracePeriod)
			}
			// With an allocation, the builder's slaves are only known
			// once it is resolved.
			if b.Allocation == nil {
				own := make(map[string]bool, len(b.Slaves))
				for _, s := range b.Slaves {
					own[s] = true
				}
				for _, s := range append(append([]string(nil), ns.Primaries...), ns.Floating...) {
					if !own[s] {
						add("builder %q: floating set names %q, which is not one of its slaves", b.Name, s)
					}
				}
			}
		default:
			add("builder %q: unknown next_slave policy %q", b.Name, b.Policy())
		}
	}
	return result.ErrorOrNil()
}

// Allocator returns an Allocator holding the configured pools and
// classes, with each builder joined to its allocation class.
func (c *Config) Allocator() (*pool.Allocator, error) {
	a := pool.NewAllocator()
	for _, p := range c.Pools {
		if err := a.AddPool(p.Name, p.Slaves...); err != nil {
			return nil, err
		}
	}
	classes := make(map[[2]string]*pool.Class)
	for _, cl := range c.Classes {
		class, err := a.Alloc(cl.Name, cl.allocOptions()...)
		if err != nil {
			return nil, err
		}
		classes[[2]string{cl.Name, cl.subtype()}] = class
	}
	for _, b := range c.Builders {
		if b.Allocation == nil {
			continue
		}
		sub := b.Allocation.Subtype
		if sub == "" {
			sub = pool.DefaultSubtype
		}
		class, ok := classes[[2]string{b.Allocation.Class, sub}]
		if !ok {
			return nil, fmt.Errorf("builder %q: %w: %s/%s", b.Name, pool.ErrUnknownClass, b.Allocation.Class, sub)
		}
		if err := a.Join(b.Name, class); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// BuilderSlaves returns the sorted slaves attached to each builder:
// its configured slaves and those allocated to it in sm.
func (c *Config) BuilderSlaves(sm *pool.SlaveMap) map[string][]string {
	out := make(map[string][]string, len(c.Builders))
	for _, b := range c.Builders {
		seen := make(map[string]bool)
		var slaves []string
		for _, s := range b.Slaves {
			if !seen[s] {
				seen[s] = true
				slaves = append(slaves, s)
			}
		}
		if sm != nil {
			for _, s := range sm.Slaves(b.Name) {
				if !seen[s] {
					seen[s] = true
					slaves = append(slaves, s)
				}
			}
		}
		sort.Strings(slaves)
		out[b.Name] = slaves
	}
	return out
}
