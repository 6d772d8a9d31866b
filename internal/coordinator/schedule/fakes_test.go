// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"sort"
	"time"

	"go.chromium.org/build/internal/coordinator/pool/queue"
)

type fakeSlave struct {
	name      string
	connected bool
	lastSeen  time.Time // zero if never seen
	builders  []string
	props     queue.Properties
}

func (s *fakeSlave) Name() string    { return s.name }
func (s *fakeSlave) Connected() bool { return s.connected }
func (s *fakeSlave) LastSeen() (time.Time, bool) {
	return s.lastSeen, !s.lastSeen.IsZero()
}
func (s *fakeSlave) Builders() []string           { return s.builders }
func (s *fakeSlave) Properties() queue.Properties { return s.props }

type fakeBuilder struct {
	name     string
	category string
	slaves   []Slave
}

func (b *fakeBuilder) Name() string     { return b.name }
func (b *fakeBuilder) Category() string { return b.category }
func (b *fakeBuilder) Slaves() []Slave  { return b.slaves }

type poke struct {
	builder string
	d       time.Duration
}

type fakePoker struct {
	pokes    []poke
	canceled []string
}

func (p *fakePoker) PokeAfter(builder string, d time.Duration) {
	p.pokes = append(p.pokes, poke{builder, d})
}

func (p *fakePoker) CancelPoke(builder string) {
	p.canceled = append(p.canceled, builder)
}

func lookupOf(builders ...*fakeBuilder) BuilderLookup {
	m := make(map[string]Builder)
	for _, b := range builders {
		m[b.name] = b
	}
	return func(name string) (Builder, bool) {
		b, ok := m[name]
		return b, ok
	}
}

func names(slaves []Slave) []string {
	var out []string
	for _, s := range slaves {
		out = append(out, s.Name())
	}
	sort.Strings(out)
	return out
}

func nameOf(s Slave) string {
	if s == nil {
		return "<nil>"
	}
	return s.Name()
}
