// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"sort"

	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool/queue"
)

// Tryserver pairs idle slaves with pending build requests across all
// builders of a tryserver master.
type Tryserver struct {
	// TestingPool holds the names of slaves reserved for testing
	// traffic. They take a build only when no other idle slave can.
	TestingPool map[string]bool
}

// NextSlaveAndBuild picks at most one slave and build request to
// start. It returns nil, nil when there is nothing to start.
//
// Requests are considered in the order given, which should be
// submission order. A request naming slaves in its slaves_request
// property gets the first of those that is idle and attached to its
// builder, ahead of every other request. The other requests are
// ordered by their builder's category, keeping submission order within
// a category, and each gets the first idle slave attached to its
// builder, trying the slaves attached to the fewest builders first.
func (t Tryserver) NextSlaveAndBuild(builders BuilderLookup, slaves []Slave, requests []*queue.BuildRequest) (Slave, *queue.BuildRequest) {
	s, r, _ := t.next(builders, slaves, requests)
	return s, r
}

func (t Tryserver) next(builders BuilderLookup, slaves []Slave, requests []*queue.BuildRequest) (Slave, *queue.BuildRequest, string) {
	byName := make(map[string]Slave, len(slaves))
	for _, s := range slaves {
		byName[s.Name()] = s
	}

	type pending struct {
		req      *queue.BuildRequest
		category string
	}
	var remaining []pending
	for _, r := range requests {
		b, ok := builders(r.Builder)
		if !ok {
			continue
		}
		wanted := r.SlavesRequest()
		if len(wanted) == 0 {
			remaining = append(remaining, pending{r, b.Category()})
			continue
		}
		for _, name := range wanted {
			if s, ok := byName[name]; ok && serves(s, r.Builder) {
				return s, r, metrics.ReasonExplicit
			}
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].category < remaining[j].category
	})

	var normal, testing []Slave
	for _, s := range slaves {
		if t.TestingPool[s.Name()] {
			testing = append(testing, s)
		} else {
			normal = append(normal, s)
		}
	}
	for _, pool := range [][]Slave{bySpecialization(normal), bySpecialization(testing)} {
		for _, p := range remaining {
			for _, s := range pool {
				if serves(s, p.req.Builder) {
					return s, p.req, metrics.ReasonCategory
				}
			}
		}
	}
	return nil, nil, ""
}

// bySpecialization returns a copy of slaves with the slaves attached to
// the fewest builders first, ties broken by name.
func bySpecialization(slaves []Slave) []Slave {
	out := append([]Slave(nil), slaves...)
	sort.Slice(out, func(i, j int) bool {
		ni, nj := len(out[i].Builders()), len(out[j].Builders())
		if ni != nj {
			return ni < nj
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}
