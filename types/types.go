// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package types contains common types used by the build dispatch
// coordinator and its tools.
package types

// AllocationState is the persisted form of a slave allocation. It maps
// an allocation class name to its subtypes, and each subtype to the
// slave names assigned to it:
//
//	{"linux": {"default": ["vm1", "vm2"]}}
//
// It is produced by the coordinator on shutdown and by the slavealloc
// tool, and fed back in on startup to keep assignments sticky.
type AllocationState map[string]map[string][]string

// Slaves returns the slaves recorded for the class name and subtype,
// or nil if none are.
func (s AllocationState) Slaves(class, subtype string) []string {
	return s[class][subtype]
}

// Set records slaves for the class name and subtype.
func (s AllocationState) Set(class, subtype string, slaves []string) {
	m, ok := s[class]
	if !ok {
		m = make(map[string][]string)
		s[class] = m
	}
	m[subtype] = slaves
}

// SlaveStatus is the status of one known build slave, as served on
// /status/slaves.json.
type SlaveStatus struct {
	Name      string
	Connected bool
	Busy      bool
	// LastSeen is when the slave last connected or sent a heartbeat,
	// formatted in RFC3339. It is empty if the slave was never seen.
	LastSeen     string   `json:",omitempty"`
	ConnectedSec float64  `json:",omitempty"`
	IdleSec      float64  `json:",omitempty"`
	BusySec      float64  `json:",omitempty"`
	Builders     []string // builders the slave is attached to
}

// SlaveStatusReport is /status/slaves.json.
type SlaveStatusReport struct {
	Connected int
	Idle      int
	Busy      int
	Slaves    []*SlaveStatus
}

// AllocationReport is /status/allocation.json.
type AllocationReport struct {
	// Entries maps a joined key (usually a builder name) to the
	// slaves allocated to it.
	Entries     map[string][]string
	State       AllocationState
	Unallocated []string
}

// WaitingState summarizes a set of pending build requests.
type WaitingState struct {
	Count  int
	Newest float64 // age in seconds of the newest request
	Oldest float64 // age in seconds of the oldest request
}

// BuilderState is the scheduler's view of one builder.
type BuilderState struct {
	Builder  string
	Category string
	Policy   string
	Slaves   int // attached slaves
	Idle     int // attached slaves currently idle
	Pending  WaitingState
	// LastProgress is how many seconds ago a request for this builder
	// was last handed to a slave. It is zero if that never happened or
	// happened before the oldest pending request was queued.
	LastProgress float64 `json:",omitempty"`
}

// SchedulerState is /status/scheduler.json.
type SchedulerState struct {
	Dispatch string
	Builders []BuilderState
}

// RequestWaitStatus tells the submitter of a build request how it is
// doing.
type RequestWaitStatus struct {
	// Message is a free-form message. If present, all other fields are
	// ignored.
	Message string `json:"message,omitempty"`

	// Ahead is the number of requests for the same builder that will be
	// considered before this one.
	Ahead int `json:"ahead"`
}
