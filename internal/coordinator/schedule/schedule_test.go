// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.chromium.org/luci/common/clock/testclock"

	"go.chromium.org/build/dashboard"
	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/coordinator/pool/queue"
	"go.chromium.org/build/internal/ctxlog"
	"go.chromium.org/build/types"
)

const builderConfig = `
pools:
  - name: default
    slaves: [p1, f1, vm1, vm2, vm3]
slaves:
  - name: vm2
    preferred_builder: dbg
classes:
  - name: linux
    count: 2
  - name: shared
    exclusive: false
    count: 3
builders:
  - name: rel
    category: "1"
    allocation: {class: linux}
    next_slave:
      policy: floating
      primaries: [p1]
      floating: [f1]
      grace_period: 10s
  - name: dbg
    category: "2"
    allocation: {class: shared}
    next_slave: {policy: preferred}
  - name: asan
    category: "2"
    allocation: {class: shared}
`

// step is a test step for the scheduler tests.
type step func(*testing.T, *testEnv)

type testEnv struct {
	ctx   context.Context
	tc    testclock.TestClock
	reg   *pool.Registry
	sched *Scheduler
}

func newTestEnv(t *testing.T, config string) *testEnv {
	t.Helper()
	cfg, err := dashboard.Load(strings.NewReader(config))
	if err != nil {
		t.Fatalf("dashboard.Load: %v", err)
	}
	a, err := cfg.Allocator()
	if err != nil {
		t.Fatalf("Allocator: %v", err)
	}
	sm, err := a.SlaveMap()
	if err != nil {
		t.Fatalf("SlaveMap: %v", err)
	}
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	logger := ctxlog.Discard()
	ctx = ctxlog.Context(ctx, logger)
	reg := pool.NewRegistry(ctx, logger)
	sched, err := NewScheduler(ctx, cfg, sm, reg, WithChooser(FirstChooser))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return &testEnv{ctx: ctx, tc: tc, reg: reg, sched: sched}
}

func (e *testEnv) run(t *testing.T, steps ...step) {
	t.Helper()
	for _, s := range steps {
		s(t, e)
	}
}

func connect(names ...string) step {
	return func(t *testing.T, e *testEnv) {
		for _, n := range names {
			e.reg.Connect(n)
		}
	}
}

func disconnect(names ...string) step {
	return func(t *testing.T, e *testEnv) {
		for _, n := range names {
			e.reg.Disconnect(n)
		}
	}
}

// drop disconnects slaves through the scheduler, as the master does.
func drop(names ...string) step {
	return func(t *testing.T, e *testEnv) {
		for _, n := range names {
			e.sched.Disconnect(n)
		}
	}
}

func wait(d time.Duration) step {
	return func(t *testing.T, e *testEnv) { e.tc.Add(d) }
}

func enqueue(id, builder string, slavesRequest ...string) step {
	return func(t *testing.T, e *testEnv) {
		r := &queue.BuildRequest{ID: id, Builder: builder, Properties: queue.Properties{SlavesRequest: slavesRequest}}
		if err := e.sched.Enqueue(r); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
}

func wantAssignment(slave, request, reason string) step {
	return func(t *testing.T, e *testEnv) {
		t.Helper()
		a, ok := e.sched.Tick(e.ctx)
		if !ok {
			t.Fatalf("Tick made no assignment, want %s on %s", request, slave)
		}
		if a.Slave != slave || a.Request.ID != request || a.Reason != reason {
			t.Fatalf("Tick assigned %s on %s (%s), want %s on %s (%s)",
				a.Request.ID, a.Slave, a.Reason, request, slave, reason)
		}
		if !e.reg.Get(slave).Busy {
			t.Errorf("%s not busy after assignment", slave)
		}
	}
}

func wantNoAssignment(t *testing.T, e *testEnv) {
	t.Helper()
	if a, ok := e.sched.Tick(e.ctx); ok {
		t.Fatalf("Tick assigned %s on %s, want nothing", a.Request.ID, a.Slave)
	}
}

func release(slave string) step {
	return func(t *testing.T, e *testEnv) {
		if !e.sched.Release(slave) {
			t.Fatalf("Release(%s) = false", slave)
		}
	}
}

func TestSchedulerAttachment(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	want := map[string][]string{
		"f1":  {"rel"},
		"p1":  {"rel"},
		"vm1": {"asan", "dbg"},
		"vm2": {"asan", "dbg"},
		"vm3": {"asan", "dbg"},
	}
	if diff := cmp.Diff(want, e.sched.Attached()); diff != "" {
		t.Errorf("Attached() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSchedulerFloatingNotAttached(t *testing.T) {
	// vm3 is in the pool but the linux class only gets p1 and f1.
	config := strings.Replace(builderConfig, "floating: [f1]", "floating: [f1, vm3]", 1)
	cfg := mustConfig(t, config)
	ctx := ctxlog.Context(context.Background(), ctxlog.Discard())
	_, err := NewScheduler(ctx, cfg, mustSlaveMap(t, config), pool.NewRegistry(ctx, ctxlog.Discard()))
	if !errors.Is(err, ErrNotAttached) {
		t.Errorf("NewScheduler = %v, want %v", err, ErrNotAttached)
	}
}

func TestSchedulerFloating(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		connect("p1", "f1"),
		enqueue("r1", "rel"),
		wantAssignment("p1", "r1", metrics.ReasonPrimary),

		// p1 is busy: f1 must not steal its builder.
		enqueue("r2", "rel"),
		wantNoAssignment,
		release("p1"),
		wantAssignment("p1", "r2", metrics.ReasonPrimary),
		release("p1"),

		// p1 drops off. Within its grace period the builder waits and
		// asks to be poked when the grace period ends.
		disconnect("p1"),
		wait(9*time.Second),
		enqueue("r3", "rel"),
		wantNoAssignment,
		func(t *testing.T, e *testEnv) {
			at, ok := e.sched.NextPoke("rel")
			if want := e.tc.Now().Add(time.Second); !ok || !at.Equal(want) {
				t.Errorf("NextPoke(rel) = %v, %v, want %v", at, ok, want)
			}
		},
		wait(time.Second),
		wantAssignment("f1", "r3", metrics.ReasonFloating),
	)
}

func TestSchedulerFloatingCancelsPoke(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		connect("p1", "f1"),
		disconnect("p1"),
		enqueue("r1", "rel"),
		wantNoAssignment,
		func(t *testing.T, e *testEnv) {
			if _, ok := e.sched.NextPoke("rel"); !ok {
				t.Fatal("no poke while p1 is within its grace period")
			}
		},
		wait(2*time.Second),
		connect("p1"),
		wantAssignment("p1", "r1", metrics.ReasonPrimary),
		func(t *testing.T, e *testEnv) {
			if at, ok := e.sched.NextPoke("rel"); ok {
				t.Errorf("NextPoke(rel) = %v after p1 came back, want none", at)
			}
		},
	)
}

func TestSchedulerPreferred(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		connect("vm1", "vm2", "vm3"),
		enqueue("r1", "dbg"),
		wantAssignment("vm2", "r1", metrics.ReasonPreferred),
		enqueue("r2", "dbg"),
		wantAssignment("vm1", "r2", metrics.ReasonAny),
		enqueue("r3", "asan"),
		wantAssignment("vm3", "r3", metrics.ReasonFirst),
		enqueue("r4", "asan"),
		wantNoAssignment,
	)
}

func TestSchedulerBuilderOrder(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		enqueue("r1", "dbg"),
		enqueue("r2", "asan"),
		enqueue("r3", "asan"),
		connect("vm1"),
		// asan and dbg share category "2"; asan sorts first.
		wantAssignment("vm1", "r2", metrics.ReasonFirst),
		release("vm1"),
		wantAssignment("vm1", "r3", metrics.ReasonFirst),
		release("vm1"),
		wantAssignment("vm1", "r1", metrics.ReasonAny),
		release("vm1"),
		wantNoAssignment,
	)
}

func TestSchedulerDisconnectRequeues(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		connect("vm1"),
		enqueue("r1", "asan"),
		wantAssignment("vm1", "r1", metrics.ReasonFirst),
		release("vm1"),
		enqueue("r2", "asan"),
		wantAssignment("vm1", "r2", metrics.ReasonFirst),
		wait(time.Second),
		drop("vm1"),
		func(t *testing.T, e *testEnv) {
			if a, ok := e.sched.Assigned("vm1"); ok {
				t.Errorf("Assigned(vm1) = %s after disconnect, want none", a.Request.ID)
			}
			if ws, ok := e.sched.WaiterState("r2"); !ok || ws.Ahead != 0 {
				t.Errorf("WaiterState(r2) = %+v, %v, want pending with none ahead", ws, ok)
			}
		},
		connect("vm1"),
		enqueue("r3", "asan"),
		// r2 keeps its place ahead of r3.
		wantAssignment("vm1", "r2", metrics.ReasonFirst),
		release("vm1"),
		wantAssignment("vm1", "r3", metrics.ReasonFirst),
		release("vm1"),
		wantNoAssignment,
	)
}

func TestSchedulerSkipsAssignedSlave(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	e.run(t,
		connect("vm1"),
		enqueue("r1", "asan"),
		wantAssignment("vm1", "r1", metrics.ReasonFirst),
		// Dropped from the registry behind the scheduler's back: it
		// still holds r1 when it comes back.
		disconnect("vm1"),
		connect("vm1"),
		enqueue("r2", "asan"),
		wantNoAssignment,
	)
	r2, _ := e.sched.pending.Get("r2")
	if a, ok := e.sched.assign(e.ctx, e.sched.slaves["vm1"], r2, metrics.ReasonFirst); ok {
		t.Fatalf("assign handed %s to vm1 while it holds r1", a.Request.ID)
	}
	if a, ok := e.sched.Assigned("vm1"); !ok || a.Request.ID != "r1" {
		t.Errorf("Assigned(vm1) = %+v, %v, want r1", a, ok)
	}
	if _, ok := e.sched.pending.Get("r2"); !ok {
		t.Errorf("r2 left the queue without being assigned")
	}
	e.run(t,
		release("vm1"),
		wantAssignment("vm1", "r2", metrics.ReasonFirst),
	)
}

const tryserverConfig = `
dispatch: tryserver
testing_pool: [t1]
builders:
  - name: linux
    category: "1"
    slaves: [s1, s2, t1]
  - name: mac
    category: "2"
    slaves: [s1, m1]
`

func TestSchedulerTryserver(t *testing.T) {
	e := newTestEnv(t, tryserverConfig)
	e.run(t,
		connect("s1", "s2", "t1", "m1"),
		enqueue("r1", "mac"),
		enqueue("r2", "linux"),
		enqueue("r3", "mac", "s1"),
		wantAssignment("s1", "r3", metrics.ReasonExplicit),
		wantAssignment("s2", "r2", metrics.ReasonCategory),
		wantAssignment("m1", "r1", metrics.ReasonCategory),
		enqueue("r4", "linux"),
		wantAssignment("t1", "r4", metrics.ReasonCategory),
		wantNoAssignment,
	)
}

func TestSchedulerEnqueueErrors(t *testing.T) {
	e := newTestEnv(t, tryserverConfig)
	err := e.sched.Enqueue(&queue.BuildRequest{ID: "r1", Builder: "win"})
	if !errors.Is(err, ErrUnknownBuilder) {
		t.Errorf("Enqueue for unknown builder = %v, want %v", err, ErrUnknownBuilder)
	}
	if err := e.sched.Enqueue(&queue.BuildRequest{ID: "r1", Builder: "linux"}); err != nil {
		t.Fatal(err)
	}
	err = e.sched.Enqueue(&queue.BuildRequest{ID: "r1", Builder: "linux"})
	if !errors.Is(err, queue.ErrDuplicateRequest) {
		t.Errorf("Enqueue of duplicate = %v, want %v", err, queue.ErrDuplicateRequest)
	}
}

func TestSchedulerCancel(t *testing.T) {
	e := newTestEnv(t, tryserverConfig)
	e.run(t,
		enqueue("r1", "linux"),
		enqueue("r2", "linux"),
	)
	if !e.sched.Cancel("r1") {
		t.Errorf("Cancel(r1) = false")
	}
	if e.sched.Cancel("r1") {
		t.Errorf("second Cancel(r1) = true")
	}
	e.run(t,
		connect("s1"),
		wantAssignment("s1", "r2", metrics.ReasonCategory),
	)
}

func TestSchedulerPokeAfter(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	now := e.tc.Now()
	e.sched.PokeAfter("rel", 5*time.Second)
	e.sched.PokeAfter("rel", 8*time.Second)
	if at, _ := e.sched.NextPoke("rel"); !at.Equal(now.Add(5 * time.Second)) {
		t.Errorf("later poke postponed the earlier one: %v", at)
	}
	e.sched.PokeAfter("rel", 2*time.Second)
	if at, _ := e.sched.NextPoke("rel"); !at.Equal(now.Add(2 * time.Second)) {
		t.Errorf("earlier poke did not win: %v", at)
	}

	e.sched.PokeAfter("dbg", 20*time.Second)
	if got, want := e.sched.nextWake(now), 2*time.Second; got != want {
		t.Errorf("nextWake = %v, want %v", got, want)
	}
	if got, want := e.sched.nextWake(now.Add(3*time.Second)), 17*time.Second; got != want {
		t.Errorf("nextWake after the first poke = %v, want %v", got, want)
	}
	if _, ok := e.sched.NextPoke("rel"); ok {
		t.Errorf("due poke was not dropped")
	}
	if got, want := e.sched.nextWake(now.Add(time.Hour)), dashboard.DefaultTickInterval; got != want {
		t.Errorf("nextWake with no pokes = %v, want %v", got, want)
	}
}

func TestSchedulerState(t *testing.T) {
	e := newTestEnv(t, tryserverConfig)
	e.run(t,
		enqueue("r1", "linux"),
		wait(10*time.Second),
		enqueue("r2", "linux"),
		enqueue("r3", "mac"),
		wait(5*time.Second),
		connect("m1"),
		wantAssignment("m1", "r3", metrics.ReasonCategory),
		wait(2*time.Second),
		connect("s2"),
	)
	want := types.SchedulerState{
		Dispatch: dashboard.DispatchTryserver,
		Builders: []types.BuilderState{
			{
				Builder:  "linux",
				Category: "1",
				Policy:   dashboard.PolicyFirst,
				Slaves:   3,
				Idle:     1,
				Pending:  types.WaitingState{Count: 2, Newest: 7, Oldest: 17},
			},
			{
				Builder:  "mac",
				Category: "2",
				Policy:   dashboard.PolicyFirst,
				Slaves:   2,
			},
		},
	}
	if diff := cmp.Diff(want, e.sched.State()); diff != "" {
		t.Errorf("State() mismatch (-want +got):\n%s", diff)
	}

	if ws, ok := e.sched.WaiterState("r2"); !ok || ws.Ahead != 1 {
		t.Errorf("WaiterState(r2) = %+v, %v, want 1 ahead", ws, ok)
	}
	if ws, ok := e.sched.WaiterState("r3"); !ok || ws.Message != "running on m1" {
		t.Errorf("WaiterState(r3) = %+v, %v, want running on m1", ws, ok)
	}
	if _, ok := e.sched.WaiterState("r9"); ok {
		t.Errorf("WaiterState(r9) found an unknown request")
	}
	if a, ok := e.sched.Assigned("m1"); !ok || a.Request.ID != "r3" {
		t.Errorf("Assigned(m1) = %+v, %v, want r3", a, ok)
	}
}

func TestSchedulerRun(t *testing.T) {
	e := newTestEnv(t, builderConfig)
	assigned := make(chan Assignment, 10)
	sched, err := NewScheduler(e.ctx, mustConfig(t, builderConfig), mustSlaveMap(t, builderConfig), e.reg,
		WithChooser(FirstChooser), OnAssign(func(a Assignment) { assigned <- a }))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	if err := sched.Enqueue(&queue.BuildRequest{ID: "r1", Builder: "asan"}); err != nil {
		t.Fatal(err)
	}
	e.reg.Connect("vm3")

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case a := <-assigned:
		if a.Slave != "vm3" || a.Request.ID != "r1" {
			t.Errorf("assigned %s on %s, want r1 on vm3", a.Request.ID, a.Slave)
		}
	case <-timer.C:
		t.Fatal("timeout waiting for Run to assign r1")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want %v", err, context.Canceled)
		}
	case <-timer.C:
		t.Fatal("timeout waiting for Run to return")
	}
}

func mustConfig(t *testing.T, config string) *dashboard.Config {
	t.Helper()
	cfg, err := dashboard.Load(strings.NewReader(config))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func mustSlaveMap(t *testing.T, config string) *pool.SlaveMap {
	t.Helper()
	a, err := mustConfig(t, config).Allocator()
	if err != nil {
		t.Fatal(err)
	}
	sm, err := a.SlaveMap()
	if err != nil {
		t.Fatal(err)
	}
	return sm
}
