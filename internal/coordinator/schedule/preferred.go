// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool/queue"
	"go.chromium.org/build/internal/ctxlog"
)

// A Chooser picks one of a non-empty list of slaves.
type Chooser func([]Slave) Slave

// FirstChooser picks the first slave.
func FirstChooser(slaves []Slave) Slave {
	if len(slaves) == 0 {
		return nil
	}
	return slaves[0]
}

// RandomChooser picks a slave uniformly at random using r.
func RandomChooser(r *rand.Rand) Chooser {
	var mu sync.Mutex // rand.Rand isn't safe for concurrent use
	return func(slaves []Slave) Slave {
		if len(slaves) == 0 {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		return slaves[r.Intn(len(slaves))]
	}
}

func preferredBuilder(s Slave) string {
	v, ok := s.Properties().Get(queue.PropertyPreferredBuilder)
	if !ok {
		return ""
	}
	return v[0]
}

// PreferredBuilderNextSlave returns a NextSlaveFunc that picks the first
// candidate preferring the builder. With no such candidate, choose
// picks among all of them.
func PreferredBuilderNextSlave(choose Chooser) NextSlaveFunc {
	return func(ctx context.Context, b Builder, candidates []Slave) Slave {
		if len(candidates) == 0 {
			return nil
		}
		candidates = sortedByName(candidates)
		for _, s := range candidates {
			if preferredBuilder(s) == b.Name() {
				noteReason(ctx, metrics.ReasonPreferred)
				return s
			}
		}
		noteReason(ctx, metrics.ReasonAny)
		return choose(candidates)
	}
}

// PreferredSlaveCandidates groups the candidates by preferred builder
// and returns the group builder should pick from: the slaves that
// prefer builder; if there are none, the largest group preferring some
// other builder, ties going to the smallest builder name; and if there
// are none of those either, the slaves with no preference. The
// returned slaves are sorted by name.
func PreferredSlaveCandidates(builder string, candidates []Slave) []Slave {
	group, _ := preferredGroup(builder, candidates)
	return group
}

func preferredGroup(builder string, candidates []Slave) ([]Slave, string) {
	groups := make(map[string][]Slave)
	for _, s := range sortedByName(candidates) {
		pb := preferredBuilder(s)
		groups[pb] = append(groups[pb], s)
	}
	if own := groups[builder]; builder != "" && len(own) > 0 {
		return own, metrics.ReasonPreferred
	}
	var others []string
	for pb := range groups {
		if pb != "" && pb != builder {
			others = append(others, pb)
		}
	}
	sort.Strings(others)
	var best []Slave
	for _, pb := range others {
		if len(groups[pb]) > len(best) {
			best = groups[pb]
		}
	}
	if best != nil {
		return best, metrics.ReasonBorrowed
	}
	if none := groups[""]; len(none) > 0 {
		return none, metrics.ReasonAny
	}
	return nil, ""
}

// PreferredBuilderNextSlaveNG returns a NextSlaveFunc that lets choose
// pick among PreferredSlaveCandidates. A builder whose own slaves are
// all busy borrows from whichever builder has the most idle slaves
// before it touches the slaves with no preference.
func PreferredBuilderNextSlaveNG(choose Chooser) NextSlaveFunc {
	return func(ctx context.Context, b Builder, candidates []Slave) Slave {
		group, reason := preferredGroup(b.Name(), candidates)
		if len(group) == 0 {
			return nil
		}
		s := choose(group)
		ctxlog.FromContext(ctx).WithField("builder", b.Name()).WithField("slave", s.Name()).
			WithField("reason", reason).Debug("picked preferred slave")
		noteReason(ctx, reason)
		return s
	}
}
