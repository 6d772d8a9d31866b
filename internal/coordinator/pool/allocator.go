// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.chromium.org/build/types"
)

const (
	// DefaultPool is the pool a class draws from when none is named.
	DefaultPool = "default"
	// DefaultSubtype is the subtype of a class declared without one.
	DefaultSubtype = "default"
	// Unlimited is the count of a class that takes every slave left in
	// its pools.
	Unlimited = -1
)

var (
	ErrSlaveInMultiplePools = errors.New("slave registered with multiple pools")
	ErrUnknownPool          = errors.New("unknown pool")
	ErrClassConflict        = errors.New("allocation class redeclared with a different configuration")
	ErrUnknownClass         = errors.New("allocation class not declared by this allocator")
	ErrKeyJoined            = errors.New("key already joined to another allocation class")
	ErrUnlimitedConflict    = errors.New("unlimited allocation class shares its pools with another class")
	ErrInsufficientSlaves   = errors.New("not enough slaves to satisfy allocation class")
	ErrResolved             = errors.New("allocator already resolved")
	ErrInvalidCount         = errors.New("invalid allocation count")
)

// A Class is a named claim on the slaves of one or more pools.
//
// Classes are created by Allocator.Alloc and are immutable.
type Class struct {
	name      string
	subtype   string
	exclusive bool
	pools     []string // sorted
	count     int      // or Unlimited

	a *Allocator
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Subtype returns the class subtype.
func (c *Class) Subtype() string { return c.subtype }

// Exclusive reports whether slaves of this class may not be claimed by
// any other class.
func (c *Class) Exclusive() bool { return c.exclusive }

// Pools returns the names of the pools the class draws from.
func (c *Class) Pools() []string { return append([]string(nil), c.pools...) }

// Count returns the number of slaves requested, or Unlimited.
func (c *Class) Count() int { return c.count }

func (c *Class) String() string {
	count := "unlimited"
	if c.count != Unlimited {
		count = fmt.Sprint(c.count)
	}
	return fmt.Sprintf("%s/%s(exclusive=%v, pools=%s, count=%s)",
		c.name, c.subtype, c.exclusive, strings.Join(c.pools, ","), count)
}

func (c *Class) id() classID { return classID{c.name, c.subtype} }

func (c *Class) sameConfig(o *Class) bool {
	if c.exclusive != o.exclusive || c.count != o.count || len(c.pools) != len(o.pools) {
		return false
	}
	for i := range c.pools {
		if c.pools[i] != o.pools[i] {
			return false
		}
	}
	return true
}

// poolKey identifies the exact set of pools the class draws from.
func (c *Class) poolKey() string { return strings.Join(c.pools, "\x00") }

type classID struct {
	name, subtype string
}

func (id classID) less(o classID) bool {
	if id.name != o.name {
		return id.name < o.name
	}
	return id.subtype < o.subtype
}

// An AllocOption modifies an allocation class declared by Alloc.
type AllocOption func(*Class)

// Subtype sets the class subtype. Two classes may share a name as long
// as their subtypes differ.
func Subtype(s string) AllocOption { return func(c *Class) { c.subtype = s } }

// Exclusive sets whether the class's slaves may be shared with other
// non-exclusive classes.
func Exclusive(v bool) AllocOption { return func(c *Class) { c.exclusive = v } }

// Pools sets the pools the class draws from.
func Pools(names ...string) AllocOption {
	return func(c *Class) { c.pools = append([]string(nil), names...) }
}

// Count sets the number of slaves the class requires. Use Unlimited to
// take every slave not claimed by another class.
func Count(n int) AllocOption { return func(c *Class) { c.count = n } }

// Allocator partitions a fixed set of named slaves into pools, and
// assigns slaves from those pools to allocation classes.
//
// An Allocator is configured with AddPool, Alloc, Join and LoadState,
// then resolved once by SlaveMap. The resolution is cached; an Allocator
// cannot be changed after it has been resolved. To react to changed
// membership, build a new Allocator.
type Allocator struct {
	mu sync.Mutex

	pools     map[string]map[string]bool // pool -> slave -> true
	slavePool map[string]string          // slave -> pool
	classes   map[classID]*Class
	joins     map[string]*Class // key -> class
	state     types.AllocationState

	resolved *SlaveMap
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		pools:     make(map[string]map[string]bool),
		slavePool: make(map[string]string),
		classes:   make(map[classID]*Class),
		joins:     make(map[string]*Class),
	}
}

// AddPool adds slaves to the named pool, creating it if needed.
//
// Adding a slave to the pool it already belongs to is a no-op. Adding a
// slave that belongs to a different pool is an error.
func (a *Allocator) AddPool(name string, slaves ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return ErrResolved
	}
	for _, s := range slaves {
		if cur, ok := a.slavePool[s]; ok && cur != name {
			return fmt.Errorf("slave %q in pools %q and %q: %w", s, cur, name, ErrSlaveInMultiplePools)
		}
	}
	p, ok := a.pools[name]
	if !ok {
		p = make(map[string]bool)
		a.pools[name] = p
	}
	for _, s := range slaves {
		p[s] = true
		a.slavePool[s] = name
	}
	return nil
}

// PoolNames returns the sorted names of all pools.
func (a *Allocator) PoolNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.pools))
	for name := range a.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pool returns the sorted slave names of the named pool.
func (a *Allocator) Pool(name string) ([]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[name]
	if !ok {
		return nil, false
	}
	return sortedKeys(p), true
}

// Alloc declares an allocation class, or returns the already declared
// class with the same name and subtype.
//
// Declaring a class that names an unknown pool, or redeclaring a name
// and subtype with a different configuration, is an error.
func (a *Allocator) Alloc(name string, opts ...AllocOption) (*Class, error) {
	c := &Class{
		name:      name,
		subtype:   DefaultSubtype,
		exclusive: true,
		pools:     []string{DefaultPool},
		count:     Unlimited,
		a:         a,
	}
	for _, opt := range opts {
		opt(c)
	}
	sort.Strings(c.pools)
	c.pools = dedupSorted(c.pools)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return nil, ErrResolved
	}
	if c.count != Unlimited && c.count < 0 {
		return nil, fmt.Errorf("class %s: count %d: %w", c, c.count, ErrInvalidCount)
	}
	if len(c.pools) == 0 {
		return nil, fmt.Errorf("class %s draws from no pool: %w", c, ErrUnknownPool)
	}
	for _, p := range c.pools {
		if _, ok := a.pools[p]; !ok {
			return nil, fmt.Errorf("class %s: pool %q: %w", c, p, ErrUnknownPool)
		}
	}
	if prev, ok := a.classes[c.id()]; ok {
		if !prev.sameConfig(c) {
			return nil, fmt.Errorf("class %s, previously %s: %w", c, prev, ErrClassConflict)
		}
		return prev, nil
	}
	a.classes[c.id()] = c
	return c, nil
}

// Join binds key to c. Several keys may join the same class; each of
// them is then allocated the class's slaves.
func (a *Allocator) Join(key string, c *Class) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return ErrResolved
	}
	if c == nil || c.a != a || a.classes[c.id()] != c {
		return fmt.Errorf("joining %q: %w", key, ErrUnknownClass)
	}
	if prev, ok := a.joins[key]; ok && prev != c {
		return fmt.Errorf("joining %q to %s, already joined to %s: %w", key, c, prev, ErrKeyJoined)
	}
	a.joins[key] = c
	return nil
}

// LoadState seeds preferred slave assignments from a previous
// resolution. Names no longer in the relevant pools are ignored at
// resolution time.
func (a *Allocator) LoadState(st types.AllocationState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return ErrResolved
	}
	cp := make(types.AllocationState, len(st))
	for class, subtypes := range st {
		for subtype, slaves := range subtypes {
			cp.Set(class, subtype, append([]string(nil), slaves...))
		}
	}
	a.state = cp
	return nil
}

// SlaveMap resolves the allocator on first call and returns the cached
// result on every call after that.
func (a *Allocator) SlaveMap() (*SlaveMap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return a.resolved, nil
	}
	sm, err := a.resolve()
	if err != nil {
		return nil, err
	}
	a.resolved = sm
	return sm, nil
}

// SlaveMap is the resolved assignment of an Allocator. It is read-only.
type SlaveMap struct {
	// Entries maps each joined key to its sorted slave names.
	Entries map[string][]string
	// Classes maps each declared class to its sorted slave names.
	Classes map[*Class][]string
	// Unallocated are the sorted slaves claimed by no class.
	Unallocated []string
}

// Slaves returns the slaves allocated to key.
func (sm *SlaveMap) Slaves(key string) []string {
	return sm.Entries[key]
}

// Keys returns the sorted joined keys.
func (sm *SlaveMap) Keys() []string {
	keys := make([]string, 0, len(sm.Entries))
	for k := range sm.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the assignment in the form accepted by
// Allocator.LoadState.
func (sm *SlaveMap) State() types.AllocationState {
	st := make(types.AllocationState)
	for c, slaves := range sm.Classes {
		st.Set(c.name, c.subtype, append([]string(nil), slaves...))
	}
	return st
}

// assignment tracks the slaves of one class during resolution.
type assignment struct {
	c      *Class // nil for a reservation
	need   int
	cands  []string // sorted candidate slaves
	slaves []string
	has    map[string]bool
}

func newAssignment(c *Class, need int, cands []string) *assignment {
	return &assignment{c: c, need: need, cands: cands, has: make(map[string]bool)}
}

func (as *assignment) add(s string) {
	as.slaves = append(as.slaves, s)
	as.has[s] = true
}

func (as *assignment) remove(s string) {
	for i, v := range as.slaves {
		if v == s {
			as.slaves = append(as.slaves[:i], as.slaves[i+1:]...)
			break
		}
	}
	delete(as.has, s)
}

func (as *assignment) reset() {
	as.slaves = nil
	as.has = make(map[string]bool)
}

func (as *assignment) full() bool {
	return as.need != Unlimited && len(as.slaves) >= as.need
}

// A matcher hands out slaves exclusively. When a class finds none of
// its candidates free, it takes one from another class that can be
// given a replacement, following augmenting paths as in bipartite
// matching.
type matcher struct {
	owner  map[string]*assignment
	pinned map[string]bool // sticky slaves, moved only as a last resort
}

func (m *matcher) take(as *assignment, s string) {
	as.add(s)
	m.owner[s] = as
}

// fill adds one slave to as, reporting whether one could be found.
func (m *matcher) fill(as *assignment) bool {
	for _, s := range as.cands {
		if m.owner[s] == nil {
			m.take(as, s)
			return true
		}
	}
	for _, movePinned := range []bool{false, true} {
		if m.augment(as, make(map[string]bool), movePinned) {
			return true
		}
	}
	return false
}

func (m *matcher) augment(as *assignment, visited map[string]bool, movePinned bool) bool {
	for _, s := range as.cands {
		if m.owner[s] == nil {
			m.take(as, s)
			return true
		}
	}
	for _, s := range as.cands {
		if visited[s] || as.has[s] || (m.pinned[s] && !movePinned) {
			continue
		}
		visited[s] = true
		o := m.owner[s]
		if m.augment(o, visited, movePinned) {
			o.remove(s)
			delete(m.pinned, s)
			m.take(as, s)
			return true
		}
	}
	return false
}

// matchExclusive assigns the exclusive fixed-count classes, keeping
// their sticky slaves where it can. The reservations are then filled
// from the same slaves, moving exclusive assignments out of their way
// when needed; they only keep room for the shared classes and are
// discarded afterwards.
func (a *Allocator) matchExclusive(fixed, reserve []*assignment) error {
	m := &matcher{owner: make(map[string]*assignment), pinned: make(map[string]bool)}
	for _, as := range fixed {
		as.reset()
	}
	// Sticky slaves go first for every exclusive class, so that one
	// class's backfill can't steal a slave another class already holds.
	for _, as := range fixed {
		for _, s := range a.preferred(as) {
			if as.full() {
				break
			}
			if m.owner[s] != nil {
				continue
			}
			m.take(as, s)
			m.pinned[s] = true
		}
	}
	for _, as := range fixed {
		for !as.full() {
			if !m.fill(as) {
				return fmt.Errorf("class %s: %d of %d slaves available in pools %s: %w",
					as.c, len(as.slaves), as.c.count, strings.Join(as.c.pools, ","), ErrInsufficientSlaves)
			}
		}
	}
	for _, as := range reserve {
		for !as.full() {
			if !m.fill(as) {
				return ErrInsufficientSlaves
			}
		}
	}
	return nil
}

// sharedReservations returns one reservation per pool set used by a
// shared fixed-count class, sized for the largest such class. Shared
// classes on the same pool set may overlap, so the largest one bounds
// what the set must keep unclaimed.
func sharedReservations(shared []*assignment) []*assignment {
	var out []*assignment
	byKey := make(map[string]*assignment)
	for _, as := range shared {
		key := as.c.poolKey()
		r, ok := byKey[key]
		if !ok {
			r = newAssignment(nil, 0, as.cands)
			byKey[key] = r
			out = append(out, r)
		}
		if as.c.count > r.need {
			r.need = as.c.count
		}
	}
	return out
}

// resolve computes a SlaveMap. a.mu must be held.
func (a *Allocator) resolve() (*SlaveMap, error) {
	ids := make([]classID, 0, len(a.classes))
	for id := range a.classes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	// An unlimited class has no bound on its share of a pool set, so it
	// cannot coexist with any other class on exactly the same pools.
	byPools := make(map[string][]*Class)
	for _, id := range ids {
		c := a.classes[id]
		byPools[c.poolKey()] = append(byPools[c.poolKey()], c)
	}
	for _, id := range ids {
		c := a.classes[id]
		group := byPools[c.poolKey()]
		if c.count == Unlimited && len(group) > 1 {
			var others []string
			for _, o := range group {
				if o != c {
					others = append(others, o.String())
				}
			}
			return nil, fmt.Errorf("class %s with %s: %w", c, strings.Join(others, ", "), ErrUnlimitedConflict)
		}
	}

	var exclusiveFixed, sharedFixed, exclusiveUnlimited, sharedUnlimited []*assignment
	all := make([]*assignment, 0, len(ids))
	for _, id := range ids {
		c := a.classes[id]
		as := newAssignment(c, c.count, a.candidates(c))
		all = append(all, as)
		switch {
		case c.count != Unlimited && c.exclusive:
			exclusiveFixed = append(exclusiveFixed, as)
		case c.count != Unlimited:
			sharedFixed = append(sharedFixed, as)
		case c.exclusive:
			exclusiveUnlimited = append(exclusiveUnlimited, as)
		default:
			sharedUnlimited = append(sharedUnlimited, as)
		}
	}

	// Reservations on different pool sets can't express that their
	// shared classes may overlap, so without them the shared classes
	// are left to find room for themselves below.
	if err := a.matchExclusive(exclusiveFixed, sharedReservations(sharedFixed)); err != nil {
		if err := a.matchExclusive(exclusiveFixed, nil); err != nil {
			return nil, err
		}
	}
	claimed := make(map[string]bool) // exclusively claimed
	used := make(map[string]bool)    // claimed by any class
	for _, as := range exclusiveFixed {
		for _, s := range as.slaves {
			claimed[s] = true
			used[s] = true
		}
	}

	// Shared classes rotate through the unclaimed slaves of their pool
	// set, so that several shared classes backed by one pool spread out
	// before they overlap.
	cursor := make(map[string]int) // pool key -> next rotation index
	for _, as := range sharedFixed {
		var shareable []string
		for _, s := range as.cands {
			if !claimed[s] {
				shareable = append(shareable, s)
			}
		}
		if as.c.count > len(shareable) {
			return nil, fmt.Errorf("class %s: %d of %d slaves available in pools %s: %w",
				as.c, len(shareable), as.c.count, strings.Join(as.c.pools, ","), ErrInsufficientSlaves)
		}
		for _, s := range a.preferred(as) {
			if as.full() {
				break
			}
			if !claimed[s] && !as.has[s] {
				as.add(s)
				used[s] = true
			}
		}
		key, n := as.c.poolKey(), len(shareable)
		for tried := 0; !as.full() && tried < n; tried++ {
			s := shareable[cursor[key]]
			cursor[key] = (cursor[key] + 1) % n
			if as.has[s] {
				continue
			}
			as.add(s)
			used[s] = true
		}
	}

	for _, as := range exclusiveUnlimited {
		for _, s := range as.cands {
			if used[s] {
				continue
			}
			as.add(s)
			claimed[s] = true
			used[s] = true
		}
	}
	for _, as := range sharedUnlimited {
		for _, s := range as.cands {
			if claimed[s] {
				continue
			}
			as.add(s)
			used[s] = true
		}
	}

	sm := &SlaveMap{
		Entries: make(map[string][]string),
		Classes: make(map[*Class][]string),
	}
	for _, as := range all {
		slaves := append([]string(nil), as.slaves...)
		sort.Strings(slaves)
		sm.Classes[as.c] = slaves
	}
	for key, c := range a.joins {
		sm.Entries[key] = append([]string(nil), sm.Classes[c]...)
	}
	for s := range a.slavePool {
		if !used[s] {
			sm.Unallocated = append(sm.Unallocated, s)
		}
	}
	sort.Strings(sm.Unallocated)
	return sm, nil
}

// candidates returns the sorted union of c's pools.
func (a *Allocator) candidates(c *Class) []string {
	var cands []string
	for _, p := range c.pools {
		for s := range a.pools[p] {
			cands = append(cands, s)
		}
	}
	sort.Strings(cands)
	return cands
}

// preferred returns the loaded state's slaves for as, in state order,
// dropping names that are no longer candidates.
func (a *Allocator) preferred(as *assignment) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range a.state.Slaves(as.c.name, as.c.subtype) {
		if seen[s] {
			continue
		}
		seen[s] = true
		i := sort.SearchStrings(as.cands, s)
		if i < len(as.cands) && as.cands[i] == s {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
