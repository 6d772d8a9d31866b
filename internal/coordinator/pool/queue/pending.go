// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package queue holds the build requests waiting for a slave.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateRequest is returned when pushing a request whose ID is
// already pending.
var ErrDuplicateRequest = errors.New("duplicate build request")

// NewPending returns an initialized *Pending ready for use.
func NewPending() *Pending {
	return &Pending{
		queue: new(requestQueue),
		byID:  make(map[string]*item),
	}
}

// Pending is the set of build requests waiting for a slave, kept in
// submission order.
type Pending struct {
	mu    sync.Mutex
	queue *requestQueue
	byID  map[string]*item
	seq   uint64
}

// Push adds r to the queue.
func (q *Pending) Push(r *BuildRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[r.ID]; ok {
		return fmt.Errorf("request %q: %w", r.ID, ErrDuplicateRequest)
	}
	q.seq++
	r.seq = q.seq
	it := &item{req: r}
	q.byID[r.ID] = it
	heap.Push(q.queue, it)
	return nil
}

// Remove removes the request with the given ID, reporting whether it
// was pending.
func (q *Pending) Remove(id string) (*BuildRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	delete(q.byID, id)
	if it.index != -1 {
		heap.Remove(q.queue, it.index)
	}
	return it.req, true
}

// Get returns the pending request with the given ID.
func (q *Pending) Get(id string) (*BuildRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return it.req, true
}

// Peek returns the oldest pending request, or nil.
func (q *Pending) Peek() *BuildRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Len() == 0 {
		return nil
	}
	return (*q.queue)[0].req
}

// Empty returns true when there are no requests in the queue.
func (q *Pending) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of requests in the queue.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Snapshot returns the pending requests in submission order.
func (q *Pending) Snapshot() []*BuildRequest {
	return q.filter(func(*BuildRequest) bool { return true })
}

// ForBuilder returns the pending requests for builder in submission
// order.
func (q *Pending) ForBuilder(builder string) []*BuildRequest {
	return q.filter(func(r *BuildRequest) bool { return r.Builder == builder })
}

// Ahead returns how many requests for the same builder were submitted
// before the request with the given ID. It reports false if the
// request is not pending.
func (q *Pending) Ahead(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return 0, false
	}
	n := 0
	for _, o := range *q.queue {
		if o.req.Builder == it.req.Builder && o.req.Less(it.req) {
			n++
		}
	}
	return n, true
}

func (q *Pending) filter(keep func(*BuildRequest) bool) []*BuildRequest {
	q.mu.Lock()
	var out []*BuildRequest
	for _, it := range *q.queue {
		if keep(it.req) {
			out = append(out, it.req)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// An item is something we manage in a requestQueue.
type item struct {
	req *BuildRequest
	// index is maintained by the heap.Interface methods.
	index int
}

// A requestQueue implements heap.Interface and holds items.
type requestQueue []*item

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	return q[i].req.Less(q[j].req)
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x interface{}) {
	n := len(*q)
	it := x.(*item)
	it.index = n
	*q = append(*q, it)
}

func (q *requestQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*q = old[0 : n-1]
	return it
}
