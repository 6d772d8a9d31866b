// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"context"
	"sort"
	"time"

	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool/queue"
)

// Slave is the scheduler's view of a build slave.
type Slave interface {
	Name() string
	// Connected reports whether the slave currently holds a
	// connection to the master, busy or not.
	Connected() bool
	// LastSeen reports when the slave was last connected, and false if
	// it never was.
	LastSeen() (time.Time, bool)
	// Builders returns the names of the builders the slave is
	// attached to.
	Builders() []string
	Properties() queue.Properties
}

// Builder is the scheduler's view of a builder.
type Builder interface {
	Name() string
	Category() string
	// Slaves returns every slave attached to the builder, idle or not.
	Slaves() []Slave
}

// BuilderLookup finds a builder by name.
type BuilderLookup func(name string) (Builder, bool)

// NextSlaveFunc picks which of the idle candidate slaves attached to a
// builder should run the builder's next build. It returns nil when
// none should.
type NextSlaveFunc func(ctx context.Context, b Builder, candidates []Slave) Slave

// A Poker re-evaluates a builder after a delay.
type Poker interface {
	PokeAfter(builder string, d time.Duration)
	// CancelPoke drops the builder's pending re-evaluation, if any.
	CancelPoke(builder string)
}

// FirstSlave picks the candidate with the smallest name.
func FirstSlave(ctx context.Context, b Builder, candidates []Slave) Slave {
	if len(candidates) == 0 {
		return nil
	}
	noteReason(ctx, metrics.ReasonFirst)
	return sortedByName(candidates)[0]
}

// serves reports whether s is attached to builder.
func serves(s Slave, builder string) bool {
	for _, b := range s.Builders() {
		if b == builder {
			return true
		}
	}
	return false
}

// sortedByName returns a copy of slaves sorted by name.
func sortedByName(slaves []Slave) []Slave {
	out := append([]Slave(nil), slaves...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

type decisionKey struct{}

// decision records why a NextSlaveFunc picked its slave.
type decision struct {
	reason string
}

func withDecision(ctx context.Context) (context.Context, *decision) {
	d := new(decision)
	return context.WithValue(ctx, decisionKey{}, d), d
}

func noteReason(ctx context.Context, reason string) {
	if d, ok := ctx.Value(decisionKey{}).(*decision); ok {
		d.reason = reason
	}
}
