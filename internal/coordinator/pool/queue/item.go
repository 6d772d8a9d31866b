// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package queue

import (
	"fmt"
	"time"
)

// A Property is a build property the dispatcher understands. The set
// is closed: slaves and requests carry no other properties.
type Property string

const (
	// PropertyPreferredBuilder is the builder a slave would rather
	// serve. It is set on slaves.
	PropertyPreferredBuilder Property = "preferred_builder"
	// PropertySlavesRequest is the ordered list of slave names a build
	// request asks to run on. It is set on build requests.
	PropertySlavesRequest Property = "slaves_request"
)

// ParseProperty returns the Property named s.
func ParseProperty(s string) (Property, error) {
	switch p := Property(s); p {
	case PropertyPreferredBuilder, PropertySlavesRequest:
		return p, nil
	}
	return "", fmt.Errorf("unknown property %q", s)
}

// Properties holds the recognized properties of a slave or a build
// request. The zero value has none set.
type Properties struct {
	PreferredBuilder string   `json:"preferred_builder,omitempty" yaml:"preferred_builder,omitempty"`
	SlavesRequest    []string `json:"slaves_request,omitempty" yaml:"slaves_request,omitempty"`
}

// Get returns the value of key, and whether it is set. A scalar
// property is returned as a single element.
func (p Properties) Get(key Property) ([]string, bool) {
	switch key {
	case PropertyPreferredBuilder:
		if p.PreferredBuilder == "" {
			return nil, false
		}
		return []string{p.PreferredBuilder}, true
	case PropertySlavesRequest:
		if len(p.SlavesRequest) == 0 {
			return nil, false
		}
		return append([]string(nil), p.SlavesRequest...), true
	}
	return nil, false
}

// BuildRequest is a pending unit of work for a builder.
//
// A BuildRequest is not modified once it has been pushed onto a
// Pending queue.
type BuildRequest struct {
	ID          string
	Builder     string
	Properties  Properties
	RequestTime time.Time

	seq uint64 // submission order, set by Pending.Push
}

// SlavesRequest returns the slaves the request explicitly asks for, in
// order of preference.
func (r *BuildRequest) SlavesRequest() []string {
	v, _ := r.Properties.Get(PropertySlavesRequest)
	return v
}

// Less reports whether r was submitted before other. Requests with the
// same RequestTime keep the order they were pushed in.
func (r *BuildRequest) Less(other *BuildRequest) bool {
	if !r.RequestTime.Equal(other.RequestTime) {
		return r.RequestTime.Before(other.RequestTime)
	}
	return r.seq < other.seq
}
