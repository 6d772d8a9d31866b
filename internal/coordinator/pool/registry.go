// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

/*
This file tracks build slaves connected to the master. Slaves are not
started by the master: they connect, report heartbeats while connected,
and are marked busy while running a build. The scheduler reads an
idle/busy snapshot every tick.

The registry remembers when each slave was last seen even after it
disconnects, so that a scheduler can tell a slave that is between
reconnects from one that is gone.
*/

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.chromium.org/luci/common/clock"

	"go.chromium.org/build/types"
)

// SlaveStatus is a point-in-time view of one slave known to a Registry.
type SlaveStatus struct {
	Name      string
	Connected bool
	Busy      bool
	// LastSeen is the last time the slave connected or sent a
	// heartbeat, or the time of the snapshot if it is connected. It is
	// zero if the slave was never seen.
	LastSeen time.Time
	// InUseTime is when the slave last became busy or idle.
	InUseTime time.Time
	// ConnectedAt is when the current connection was registered.
	ConnectedAt time.Time
}

// Idle reports whether the slave is connected and not running a build.
func (s SlaveStatus) Idle() bool { return s.Connected && !s.Busy }

// connectedSlave is a registered slave.
// Its fields are guarded by the Registry mutex.
type connectedSlave struct {
	regTime   time.Time // when it was first connected
	inUse     bool
	inUseTime time.Time
}

// Registry tracks the slaves connected to the master.
type Registry struct {
	ctx    context.Context // for the clock
	logger logrus.FieldLogger

	// mu guards the fields below.
	mu sync.Mutex

	slaves map[string]*connectedSlave

	// lastGood tracks when slaves were last seen to be healthy,
	// including slaves that are no longer connected.
	lastGood map[string]time.Time

	subscribers map[<-chan struct{}]chan struct{}
}

// NewRegistry returns an empty Registry. Its timestamps come from the
// clock in ctx.
func NewRegistry(ctx context.Context, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		ctx:         ctx,
		logger:      logger,
		slaves:      make(map[string]*connectedSlave),
		lastGood:    make(map[string]time.Time),
		subscribers: make(map[<-chan struct{}]chan struct{}),
	}
}

// Connect registers a slave as connected and idle. Connecting an
// already connected slave only refreshes its last seen time.
func (r *Registry) Connect(name string) {
	r.mu.Lock()
	now := clock.Now(r.ctx)
	r.lastGood[name] = now
	if _, ok := r.slaves[name]; ok {
		r.mu.Unlock()
		return
	}
	r.slaves[name] = &connectedSlave{
		regTime:   now,
		inUseTime: now,
	}
	r.mu.Unlock()
	r.logger.WithField("slave", name).Info("slave connected")
	r.notify()
}

// Heartbeat records that the slave is alive. It reports false if the
// slave is not connected.
func (r *Registry) Heartbeat(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slaves[name]; !ok {
		return false
	}
	r.lastGood[name] = clock.Now(r.ctx)
	return true
}

// Disconnect removes a slave. Its last seen time is kept.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slaves[name]; !ok {
		return
	}
	r.lastGood[name] = clock.Now(r.ctx)
	delete(r.slaves, name)
	r.logger.WithField("slave", name).Info("slave disconnected")
}

// MarkBusy marks a connected idle slave as running a build. It reports
// whether the slave was connected and idle.
func (r *Registry) MarkBusy(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[name]
	if !ok || s.inUse {
		return false
	}
	s.inUse = true
	s.inUseTime = clock.Now(r.ctx)
	r.lastGood[name] = s.inUseTime
	return true
}

// MarkIdle marks a connected slave as done with its build and wakes up
// subscribers.
func (r *Registry) MarkIdle(name string) bool {
	r.mu.Lock()
	s, ok := r.slaves[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.inUse = false
	s.inUseTime = clock.Now(r.ctx)
	r.lastGood[name] = s.inUseTime
	r.mu.Unlock()
	r.notify()
	return true
}

// LastSeen gives the last time a slave was connected to the master. If
// the slave has never been seen, false is returned.
func (r *Registry) LastSeen(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slaves[name]; ok {
		return clock.Now(r.ctx), true
	}
	t, ok := r.lastGood[name]
	return t, ok
}

// Get returns the status of a single slave.
func (r *Registry) Get(name string) SlaveStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(name, clock.Now(r.ctx))
}

func (r *Registry) statusLocked(name string, now time.Time) SlaveStatus {
	st := SlaveStatus{Name: name, LastSeen: r.lastGood[name]}
	if s, ok := r.slaves[name]; ok {
		st.Connected = true
		st.Busy = s.inUse
		st.InUseTime = s.inUseTime
		st.ConnectedAt = s.regTime
		st.LastSeen = now
	}
	return st
}

// Snapshot returns the status of every slave ever seen, sorted by name.
func (r *Registry) Snapshot() []SlaveStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := clock.Now(r.ctx)
	out := make([]SlaveStatus, 0, len(r.lastGood))
	for name := range r.lastGood {
		out = append(out, r.statusLocked(name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Idle returns the names of the connected idle slaves, sorted.
func (r *Registry) Idle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, s := range r.slaves {
		if !s.inUse {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Subscribe returns a channel that becomes ready whenever a slave
// connects or becomes idle.
func (r *Registry) Subscribe() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{}, 1)
	r.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending to a channel returned by Subscribe.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, ch)
}

func (r *Registry) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Status builds the report served on /status/slaves.json. attached maps
// a slave name to the builders it serves.
func (r *Registry) Status(attached map[string][]string) *types.SlaveStatusReport {
	report := &types.SlaveStatusReport{}
	now := clock.Now(r.ctx)
	for _, st := range r.Snapshot() {
		ss := &types.SlaveStatus{
			Name:      st.Name,
			Connected: st.Connected,
			Busy:      st.Busy,
			Builders:  attached[st.Name],
		}
		if !st.LastSeen.IsZero() {
			ss.LastSeen = st.LastSeen.UTC().Format(time.RFC3339)
		}
		if st.Connected {
			ss.ConnectedSec = now.Sub(st.ConnectedAt).Seconds()
			report.Connected++
			if st.Busy {
				report.Busy++
				ss.BusySec = now.Sub(st.InUseTime).Seconds()
			} else {
				report.Idle++
				ss.IdleSec = now.Sub(st.InUseTime).Seconds()
			}
		}
		report.Slaves = append(report.Slaves, ss)
	}
	return report
}
