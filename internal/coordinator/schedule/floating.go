// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"

	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/ctxlog"
)

// A FloatingSet splits the slaves of a builder into primaries and
// floating slaves. Primaries always get the builder's builds when
// they are present. Floating slaves only get a build once every
// primary has been gone for a grace period, so that a primary which is
// merely between builds or reconnecting doesn't lose its builder.
type FloatingSet struct {
	primary  map[string]bool
	floating map[string]bool
}

// NewFloatingSet returns an empty FloatingSet.
func NewFloatingSet() *FloatingSet {
	return &FloatingSet{
		primary:  make(map[string]bool),
		floating: make(map[string]bool),
	}
}

// AddPrimary adds primary slaves. A name already added as a floating
// slave becomes a primary.
func (fs *FloatingSet) AddPrimary(names ...string) {
	for _, n := range names {
		delete(fs.floating, n)
		fs.primary[n] = true
	}
}

// AddFloating adds floating slaves. A name already added as a primary
// becomes a floating slave.
func (fs *FloatingSet) AddFloating(names ...string) {
	for _, n := range names {
		delete(fs.primary, n)
		fs.floating[n] = true
	}
}

// Get returns the sorted primary and floating slave names.
func (fs *FloatingSet) Get() (primary, floating []string) {
	return sortedSet(fs.primary), sortedSet(fs.floating)
}

func (fs *FloatingSet) String() string {
	p, f := fs.Get()
	return fmt.Sprintf("%s > %s", strings.Join(p, ", "), strings.Join(f, ", "))
}

// NextSlaveFunc returns a NextSlaveFunc that prefers the set's primaries.
//
// The returned func picks the first idle primary. With no idle primary
// it falls over to the first idle floating slave, unless some primary
// attached to the builder is still present: connected, or seen less
// than gracePeriod ago. When the only present primaries are
// disconnected ones within their grace period and a floating slave is
// waiting, poker is asked to re-evaluate the builder once the last of
// those grace periods ends. Every decision first cancels the poke left
// by the previous one.
//
// Later changes to fs do not affect the returned func.
func (fs *FloatingSet) NextSlaveFunc(gracePeriod time.Duration, poker Poker) NextSlaveFunc {
	primaries, floatings := fs.Get()
	isPrimary, isFloating := nameSet(primaries), nameSet(floatings)

	return func(ctx context.Context, b Builder, candidates []Slave) Slave {
		logger := ctxlog.FromContext(ctx).WithField("builder", b.Name())
		if poker != nil {
			poker.CancelPoke(b.Name())
		}
		candidates = sortedByName(candidates)
		for _, s := range candidates {
			if isPrimary[s.Name()] {
				logger.WithField("slave", s.Name()).Debug("using idle primary")
				noteReason(ctx, metrics.ReasonPrimary)
				return s
			}
		}
		var floating Slave
		for _, s := range candidates {
			if isFloating[s.Name()] {
				floating = s
				break
			}
		}

		now := clock.Now(ctx)
		var (
			present bool          // some primary is present
			busy    bool          // some present primary is connected
			wait    time.Duration // longest remaining grace period
		)
		for _, s := range sortedByName(b.Slaves()) {
			if !isPrimary[s.Name()] {
				continue
			}
			if s.Connected() {
				present, busy = true, true
				continue
			}
			seen, ok := s.LastSeen()
			if !ok {
				continue
			}
			since := now.Sub(seen)
			if since >= gracePeriod {
				continue
			}
			present = true
			if rem := gracePeriod - since; rem > wait {
				wait = rem
			}
		}

		if !present {
			if floating != nil {
				logger.WithField("slave", floating.Name()).Info("no primary present, using floating slave")
				noteReason(ctx, metrics.ReasonFloating)
				metrics.RecordFloatingFallback(ctx, b.Name())
			}
			return floating
		}
		if !busy && wait > 0 && floating != nil && poker != nil {
			logger.WithField("wait", wait).Debug("primaries within grace period, poking later")
			poker.PokeAfter(b.Name(), wait)
			metrics.RecordPoke(ctx, b.Name(), wait)
		}
		return nil
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nameSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
