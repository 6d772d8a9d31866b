// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"go.chromium.org/luci/common/clock/testclock"

	"go.chromium.org/build/types"
)

func newTestRegistry(t *testing.T) (*Registry, testclock.TestClock) {
	t.Helper()
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewRegistry(ctx, logger), tc
}

func TestRegistryLifecycle(t *testing.T) {
	r, tc := newTestRegistry(t)
	start := tc.Now()

	if _, ok := r.LastSeen("vm1"); ok {
		t.Errorf("LastSeen of an unknown slave reported seen")
	}
	if r.Heartbeat("vm1") {
		t.Errorf("Heartbeat of an unknown slave succeeded")
	}

	r.Connect("vm1")
	r.Connect("vm2")
	if diff := cmp.Diff([]string{"vm1", "vm2"}, r.Idle()); diff != "" {
		t.Errorf("Idle() mismatch (-want +got):\n%s", diff)
	}

	if !r.MarkBusy("vm1") {
		t.Fatalf("MarkBusy(vm1) = false")
	}
	if r.MarkBusy("vm1") {
		t.Errorf("MarkBusy of a busy slave succeeded")
	}
	if diff := cmp.Diff([]string{"vm2"}, r.Idle()); diff != "" {
		t.Errorf("Idle() mismatch (-want +got):\n%s", diff)
	}

	tc.Add(5 * time.Second)
	r.Disconnect("vm2")
	tc.Add(20 * time.Second)

	got, ok := r.LastSeen("vm2")
	if !ok || !got.Equal(start.Add(5*time.Second)) {
		t.Errorf("LastSeen(vm2) = %v, %v, want %v, true", got, ok, start.Add(5*time.Second))
	}
	// A connected slave is seen now.
	if got, _ := r.LastSeen("vm1"); !got.Equal(tc.Now()) {
		t.Errorf("LastSeen(vm1) = %v, want %v", got, tc.Now())
	}

	want := []SlaveStatus{
		{
			Name:        "vm1",
			Connected:   true,
			Busy:        true,
			LastSeen:    tc.Now(),
			InUseTime:   start,
			ConnectedAt: start,
		},
		{
			Name:     "vm2",
			LastSeen: start.Add(5 * time.Second),
		},
	}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	if !r.MarkIdle("vm1") {
		t.Errorf("MarkIdle(vm1) = false")
	}
	if r.MarkIdle("vm2") {
		t.Errorf("MarkIdle of a disconnected slave succeeded")
	}
	if st := r.Get("vm1"); !st.Idle() {
		t.Errorf("Get(vm1) = %+v, want idle", st)
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	r, tc := newTestRegistry(t)
	r.Connect("vm1")
	tc.Add(3 * time.Second)
	if !r.Heartbeat("vm1") {
		t.Fatalf("Heartbeat(vm1) = false")
	}
	hb := tc.Now()
	tc.Add(time.Second)
	r.Disconnect("vm1")
	tc.Add(time.Minute)
	// Disconnecting counts as seeing the slave.
	if got, _ := r.LastSeen("vm1"); !got.Equal(hb.Add(time.Second)) {
		t.Errorf("LastSeen(vm1) = %v, want %v", got, hb.Add(time.Second))
	}
	r.Connect("vm1")
	if got, _ := r.LastSeen("vm1"); !got.Equal(tc.Now()) {
		t.Errorf("LastSeen(vm1) after reconnect = %v, want %v", got, tc.Now())
	}
}

func TestRegistrySubscribe(t *testing.T) {
	r, _ := newTestRegistry(t)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Connect("vm1")
	select {
	case <-ch:
	default:
		t.Fatalf("Connect did not notify subscriber")
	}

	r.MarkBusy("vm1")
	select {
	case <-ch:
		t.Fatalf("MarkBusy notified subscriber")
	default:
	}

	r.MarkIdle("vm1")
	r.Connect("vm2") // coalesced with the MarkIdle notification
	select {
	case <-ch:
	default:
		t.Fatalf("MarkIdle did not notify subscriber")
	}
	select {
	case <-ch:
		t.Fatalf("notifications were not coalesced")
	default:
	}
}

func TestRegistryStatus(t *testing.T) {
	r, tc := newTestRegistry(t)
	r.Connect("vm1")
	r.Connect("vm2")
	r.Connect("vm3")
	tc.Add(10 * time.Second)
	r.MarkBusy("vm2")
	r.Disconnect("vm3")
	tc.Add(2 * time.Second)

	got := r.Status(map[string][]string{"vm1": {"linux"}, "vm2": {"linux", "mac"}})
	seen := tc.Now().Add(-2 * time.Second).UTC().Format(time.RFC3339)
	want := &types.SlaveStatusReport{
		Connected: 2,
		Idle:      1,
		Busy:      1,
		Slaves: []*types.SlaveStatus{
			{Name: "vm1", Connected: true, LastSeen: tc.Now().UTC().Format(time.RFC3339), ConnectedSec: 12, IdleSec: 12, Builders: []string{"linux"}},
			{Name: "vm2", Connected: true, Busy: true, LastSeen: tc.Now().UTC().Format(time.RFC3339), ConnectedSec: 12, BusySec: 2, Builders: []string{"linux", "mac"}},
			{Name: "vm3", LastSeen: seen},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Status() mismatch (-want +got):\n%s", diff)
	}
}
