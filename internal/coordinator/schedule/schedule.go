// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.chromium.org/luci/common/clock"

	"go.chromium.org/build/dashboard"
	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/coordinator/pool/queue"
	"go.chromium.org/build/internal/ctxlog"
	"go.chromium.org/build/types"
)

var (
	ErrUnknownBuilder = errors.New("unknown builder")
	ErrUnknownPolicy  = errors.New("unknown next-slave policy")
	ErrNotAttached    = errors.New("slave not attached to builder")
)

// An Assignment is a build request handed to a slave.
type Assignment struct {
	Slave   string
	Request *queue.BuildRequest
	// Reason is why the slave was picked; one of the metrics.Reason
	// constants.
	Reason string
}

// The Scheduler hands pending build requests to idle slaves. It
// accepts requests, and on every tick asks the configured dispatch
// policy for at most one slave and request to pair.
type Scheduler struct {
	ctx       context.Context // for the clock
	logger    logrus.FieldLogger
	reg       *pool.Registry
	pending   *queue.Pending
	dispatch  string
	tryserver Tryserver
	tick      time.Duration
	onAssign  func(Assignment)

	builders map[string]*builder
	order    []*builder // by category, then name
	slaves   map[string]*slave

	wake chan struct{}

	// mu guards the following fields.
	mu sync.Mutex

	lastProgress map[string]time.Time // builder -> time last assigned a slave
	pokes        map[string]time.Time // builder -> when to re-evaluate it
	assigned     map[string]Assignment
}

// An Option configures a Scheduler.
type Option func(*options)

type options struct {
	logger   logrus.FieldLogger
	choose   Chooser
	onAssign func(Assignment)
}

// WithLogger sets the Scheduler's logger.
func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.logger = l } }

// WithChooser sets the Chooser used by the preferred-builder policies.
// The default picks at random.
func WithChooser(c Chooser) Option { return func(o *options) { o.choose = c } }

// OnAssign registers f to be called after every assignment.
func OnAssign(f func(Assignment)) Option { return func(o *options) { o.onAssign = f } }

// NewScheduler returns a new scheduler for the builders in cfg. Each
// builder is attached to its configured slaves and the slaves sm
// allocates to it. Slave state comes from reg, and the clock from ctx.
func NewScheduler(ctx context.Context, cfg *dashboard.Config, sm *pool.SlaveMap, reg *pool.Registry, opts ...Option) (*Scheduler, error) {
	o := options{
		logger: ctxlog.FromContext(ctx),
		choose: RandomChooser(rand.New(rand.NewSource(clock.Now(ctx).UnixNano()))),
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Scheduler{
		ctx:          ctx,
		logger:       o.logger,
		reg:          reg,
		pending:      queue.NewPending(),
		dispatch:     cfg.DispatchMode(),
		tryserver:    Tryserver{TestingPool: cfg.TestingSlaves()},
		tick:         cfg.Tick(),
		onAssign:     o.onAssign,
		builders:     make(map[string]*builder),
		slaves:       make(map[string]*slave),
		wake:         make(chan struct{}, 1),
		lastProgress: make(map[string]time.Time),
		pokes:        make(map[string]time.Time),
		assigned:     make(map[string]Assignment),
	}

	attached := cfg.BuilderSlaves(sm)
	for _, bc := range cfg.Builders {
		b := &builder{name: bc.Name, category: bc.Category, policy: bc.Policy()}
		next, err := s.nextSlaveFunc(&bc, attached[bc.Name], o.choose)
		if err != nil {
			return nil, err
		}
		b.next = next
		for _, name := range attached[bc.Name] {
			sl, ok := s.slaves[name]
			if !ok {
				sc := cfg.Slave(name)
				sl = &slave{name: name, reg: reg, props: sc.Properties()}
				s.slaves[name] = sl
			}
			sl.builders = append(sl.builders, bc.Name)
			b.slaves = append(b.slaves, sl)
		}
		s.builders[b.name] = b
		s.order = append(s.order, b)
	}
	for _, sl := range s.slaves {
		sort.Strings(sl.builders)
	}
	sort.Slice(s.order, func(i, j int) bool {
		if s.order[i].category != s.order[j].category {
			return s.order[i].category < s.order[j].category
		}
		return s.order[i].name < s.order[j].name
	})
	return s, nil
}

func (s *Scheduler) nextSlaveFunc(bc *dashboard.BuilderConfig, attached []string, choose Chooser) (NextSlaveFunc, error) {
	switch bc.Policy() {
	case dashboard.PolicyFirst:
		return FirstSlave, nil
	case dashboard.PolicyFloating:
		// A primary or floating slave the builder never sees would make
		// it wait out grace periods for nothing.
		has := make(map[string]bool, len(attached))
		for _, name := range attached {
			has[name] = true
		}
		for _, name := range append(append([]string(nil), bc.NextSlave.Primaries...), bc.NextSlave.Floating...) {
			if !has[name] {
				return nil, fmt.Errorf("builder %q: floating set names %q: %w", bc.Name, name, ErrNotAttached)
			}
		}
		fs := NewFloatingSet()
		fs.AddPrimary(bc.NextSlave.Primaries...)
		fs.AddFloating(bc.NextSlave.Floating...)
		s.logger.WithField("builder", bc.Name).Infof("floating set %s", fs)
		return fs.NextSlaveFunc(bc.NextSlave.GracePeriod, s), nil
	case dashboard.PolicyPreferred:
		return PreferredBuilderNextSlave(choose), nil
	case dashboard.PolicyPreferredNG:
		return PreferredBuilderNextSlaveNG(choose), nil
	}
	return nil, fmt.Errorf("builder %q: %w %q", bc.Name, ErrUnknownPolicy, bc.Policy())
}

// lookup implements BuilderLookup.
func (s *Scheduler) lookup(name string) (Builder, bool) {
	b, ok := s.builders[name]
	if !ok {
		return nil, false
	}
	return b, true
}

// Attached maps each slave to the sorted builders it is attached to.
func (s *Scheduler) Attached() map[string][]string {
	m := make(map[string][]string, len(s.slaves))
	for name, sl := range s.slaves {
		m[name] = append([]string(nil), sl.builders...)
	}
	return m
}

// Enqueue adds a build request. A zero RequestTime is set to now.
//
// The provided r must be newly allocated; ownership passes to the scheduler.
func (s *Scheduler) Enqueue(r *queue.BuildRequest) error {
	if _, ok := s.builders[r.Builder]; !ok {
		return fmt.Errorf("request %q: %w %q", r.ID, ErrUnknownBuilder, r.Builder)
	}
	if r.RequestTime.IsZero() {
		r.RequestTime = clock.Now(s.ctx)
	}
	if err := s.pending.Push(r); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"request": r.ID, "builder": r.Builder}).Debug("request queued")
	s.poke()
	return nil
}

// Cancel removes a pending request, reporting whether it was pending.
func (s *Scheduler) Cancel(id string) bool {
	_, ok := s.pending.Remove(id)
	return ok
}

// Assigned returns the build a slave was last handed and has not
// finished yet.
func (s *Scheduler) Assigned(slave string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assigned[slave]
	return a, ok
}

// Release marks a slave as done with its build.
func (s *Scheduler) Release(slave string) bool {
	s.mu.Lock()
	delete(s.assigned, slave)
	s.mu.Unlock()
	return s.reg.MarkIdle(slave)
}

// Disconnect removes a slave from the registry. A build it was running
// goes back in the queue with its original request time.
//
// The slave is disconnected before its build is taken back, so it can't
// be handed another request in between.
func (s *Scheduler) Disconnect(slave string) {
	s.reg.Disconnect(slave)
	s.mu.Lock()
	a, ok := s.assigned[slave]
	delete(s.assigned, slave)
	s.mu.Unlock()
	if !ok {
		return
	}
	logger := s.logger.WithFields(logrus.Fields{"slave": slave, "builder": a.Request.Builder, "request": a.Request.ID})
	if err := s.pending.Push(a.Request); err != nil {
		logger.WithError(err).Error("could not requeue build of disconnected slave")
		return
	}
	logger.Warn("slave disconnected while building; request requeued")
	s.poke()
}

// PokeAfter implements Poker. A poke never postpones an earlier one.
func (s *Scheduler) PokeAfter(builder string, d time.Duration) {
	at := clock.Now(s.ctx).Add(d)
	s.mu.Lock()
	if cur, ok := s.pokes[builder]; !ok || at.Before(cur) {
		s.pokes[builder] = at
	}
	s.mu.Unlock()
	s.poke()
}

// CancelPoke implements Poker.
func (s *Scheduler) CancelPoke(builder string) {
	s.mu.Lock()
	delete(s.pokes, builder)
	s.mu.Unlock()
}

// NextPoke returns when builder will next be re-evaluated, if a poke is
// scheduled.
func (s *Scheduler) NextPoke(builder string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.pokes[builder]
	return at, ok
}

// poke wakes up Run.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling pass and makes at most one assignment.
func (s *Scheduler) Tick(ctx context.Context) (Assignment, bool) {
	var idle []Slave
	s.mu.Lock()
	for _, name := range s.reg.Idle() {
		if _, busy := s.assigned[name]; busy {
			continue
		}
		if sl, ok := s.slaves[name]; ok {
			idle = append(idle, sl)
		}
	}
	s.mu.Unlock()
	metrics.RecordIdle(ctx, len(idle))
	if len(idle) == 0 || s.pending.Empty() {
		return Assignment{}, false
	}

	var (
		picked Slave
		req    *queue.BuildRequest
		reason string
	)
	if s.dispatch == dashboard.DispatchTryserver {
		picked, req, reason = s.tryserver.next(s.lookup, idle, s.pending.Snapshot())
	} else {
		picked, req, reason = s.nextForBuilders(ctx, idle)
	}
	if picked == nil {
		return Assignment{}, false
	}
	return s.assign(ctx, picked, req, reason)
}

func (s *Scheduler) nextForBuilders(ctx context.Context, idle []Slave) (Slave, *queue.BuildRequest, string) {
	for _, b := range s.order {
		reqs := s.pending.ForBuilder(b.name)
		metrics.RecordPending(ctx, b.name, len(reqs))
		if len(reqs) == 0 {
			continue
		}
		var candidates []Slave
		for _, sl := range idle {
			if serves(sl, b.name) {
				candidates = append(candidates, sl)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		bctx, d := withDecision(ctxlog.Context(ctx, s.logger.WithField("builder", b.name)))
		if picked := b.next(bctx, b, candidates); picked != nil {
			if d.reason == "" {
				d.reason = metrics.ReasonFirst
			}
			return picked, reqs[0], d.reason
		}
	}
	return nil, nil, ""
}

func (s *Scheduler) assign(ctx context.Context, sl Slave, req *queue.BuildRequest, reason string) (Assignment, bool) {
	logger := s.logger.WithFields(logrus.Fields{"slave": sl.Name(), "builder": req.Builder, "request": req.ID})
	s.mu.Lock()
	if prev, ok := s.assigned[sl.Name()]; ok {
		s.mu.Unlock()
		logger.WithField("running", prev.Request.ID).Warn("slave still holds a build; not assigning")
		return Assignment{}, false
	}
	if !s.reg.MarkBusy(sl.Name()) {
		s.mu.Unlock()
		logger.Warn("slave went away before it could be assigned")
		return Assignment{}, false
	}
	if _, ok := s.pending.Remove(req.ID); !ok {
		// Canceled since the snapshot was taken.
		s.reg.MarkIdle(sl.Name())
		s.mu.Unlock()
		return Assignment{}, false
	}
	now := clock.Now(s.ctx)
	a := Assignment{Slave: sl.Name(), Request: req, Reason: reason}
	s.lastProgress[req.Builder] = now
	s.assigned[sl.Name()] = a
	s.mu.Unlock()

	wait := now.Sub(req.RequestTime)
	metrics.RecordAssignment(ctx, req.Builder, reason, wait)
	logger.WithFields(logrus.Fields{"reason": reason, "wait": wait}).Info("assigned build")
	if s.onAssign != nil {
		s.onAssign(a)
	}
	return a, true
}

// Run makes assignments until ctx is done. It runs a tick whenever a
// request is queued, a slave becomes available, a poke is due, or the
// tick interval passes.
func (s *Scheduler) Run(ctx context.Context) error {
	avail := s.reg.Subscribe()
	defer s.reg.Unsubscribe(avail)
	timer := clock.NewTimer(ctx)
	defer timer.Stop()

	for {
		for {
			if _, ok := s.Tick(ctx); !ok {
				break
			}
		}
		timer.Reset(s.nextWake(clock.Now(ctx)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-avail:
		case <-s.wake:
		case <-timer.GetC():
		}
		timer.Stop()
	}
}

// nextWake drops the pokes that are due and returns how long to wait
// for the next one or the next regular tick.
func (s *Scheduler) nextWake(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.tick
	for b, at := range s.pokes {
		if !at.After(now) {
			delete(s.pokes, b)
			continue
		}
		if wait := at.Sub(now); wait < d {
			d = wait
		}
	}
	return d
}

func addWaiting(st *types.WaitingState, age time.Duration) {
	sec := age.Round(time.Second).Seconds()
	st.Count++
	if st.Count == 1 || sec < st.Newest {
		st.Newest = sec
	}
	if sec > st.Oldest {
		st.Oldest = sec
	}
}

// State returns the scheduler's view of every builder.
func (s *Scheduler) State() types.SchedulerState {
	now := clock.Now(s.ctx)
	idle := make(map[string]bool)
	for _, name := range s.reg.Idle() {
		idle[name] = true
	}
	st := types.SchedulerState{Dispatch: s.dispatch}
	for _, b := range s.order {
		bs := types.BuilderState{
			Builder:  b.name,
			Category: b.category,
			Policy:   b.policy,
			Slaves:   len(b.slaves),
		}
		for _, sl := range b.slaves {
			if idle[sl.name] {
				bs.Idle++
			}
		}
		for _, r := range s.pending.ForBuilder(b.name) {
			addWaiting(&bs.Pending, now.Sub(r.RequestTime))
		}
		s.mu.Lock()
		lp := s.lastProgress[b.name]
		s.mu.Unlock()
		if !lp.IsZero() {
			ago := now.Sub(lp).Round(time.Second).Seconds()
			if ago < bs.Pending.Oldest {
				bs.LastProgress = ago
			}
		}
		st.Builders = append(st.Builders, bs)
	}
	return st
}

// WaiterState tells the submitter of a request how many requests for
// the same builder are in front of it.
func (s *Scheduler) WaiterState(id string) (types.RequestWaitStatus, bool) {
	if _, ok := s.pending.Get(id); !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, a := range s.assigned {
			if a.Request.ID == id {
				return types.RequestWaitStatus{Message: "running on " + a.Slave}, true
			}
		}
		return types.RequestWaitStatus{}, false
	}
	n, ok := s.pending.Ahead(id)
	return types.RequestWaitStatus{Ahead: n}, ok
}

// builder implements Builder.
type builder struct {
	name     string
	category string
	policy   string
	slaves   []*slave // sorted by name
	next     NextSlaveFunc
}

func (b *builder) Name() string     { return b.name }
func (b *builder) Category() string { return b.category }

func (b *builder) Slaves() []Slave {
	out := make([]Slave, len(b.slaves))
	for i, s := range b.slaves {
		out[i] = s
	}
	return out
}

// slave implements Slave on top of a pool.Registry.
type slave struct {
	name     string
	reg      *pool.Registry
	builders []string // sorted
	props    queue.Properties
}

func (s *slave) Name() string                 { return s.name }
func (s *slave) Connected() bool              { return s.reg.Get(s.name).Connected }
func (s *slave) LastSeen() (time.Time, bool)  { return s.reg.LastSeen(s.name) }
func (s *slave) Builders() []string           { return s.builders }
func (s *slave) Properties() queue.Properties { return s.props }
