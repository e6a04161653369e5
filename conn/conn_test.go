package conn

import "testing"

func TestConnLifecycleHappyPath(t *testing.T) {
	c := New(PeerID{NID: 1, PID: 2}, KindRDMA)
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", c.State())
	}
	if !c.BeginConnect() {
		t.Fatalf("BeginConnect should succeed from DISCONNECTED")
	}
	if c.State() != StateResolvingAddr {
		t.Fatalf("state after BeginConnect = %v, want RESOLVING_ADDR", c.State())
	}
	if !c.AdvanceAddrResolved() || c.State() != StateResolvingRoute {
		t.Fatalf("AdvanceAddrResolved failed, state = %v", c.State())
	}
	if !c.AdvanceRouteResolved() || c.State() != StateConnecting {
		t.Fatalf("AdvanceRouteResolved failed, state = %v", c.State())
	}
	c.Establish(7)
	if c.State() != StateConnected {
		t.Fatalf("state after Establish = %v, want CONNECTED", c.State())
	}
	id, ready := c.ConnID()
	if !ready || id != 7 {
		t.Fatalf("ConnID = (%d, %v), want (7, true)", id, ready)
	}
}

func TestConnShmemStartsConnected(t *testing.T) {
	c := New(PeerID{Rank: 0}, KindShmem)
	if c.State() != StateConnected {
		t.Fatalf("shmem conn initial state = %v, want CONNECTED", c.State())
	}
}

func TestConnOutOfOrderEventIsRejected(t *testing.T) {
	c := New(PeerID{NID: 1, PID: 2}, KindRDMA)
	c.BeginConnect()
	// A route-resolved event arriving before addr-resolved would mean
	// the connect attempt was overridden; reject it rather than skip a
	// state.
	if c.AdvanceRouteResolved() {
		t.Fatalf("AdvanceRouteResolved should fail before AdvanceAddrResolved")
	}
}

func TestConnDisconnectRequiresBothSides(t *testing.T) {
	c := New(PeerID{NID: 1, PID: 2}, KindRDMA)
	c.BeginConnect()
	c.AdvanceAddrResolved()
	c.AdvanceRouteResolved()
	c.Establish(1)

	c.BeginLocalDisc()
	if done := c.SetRemoteDisc(); done {
		t.Fatalf("expected no completion yet: local send has not completed")
	}
	if done := c.FinishLocalDisc(); !done {
		t.Fatalf("both sides disconnected, expected FinishLocalDisc to report done")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after mutual disconnect = %v, want DISCONNECTED", c.State())
	}
}

func TestConnPendingBufListDrainsInOrder(t *testing.T) {
	c := New(PeerID{NID: 1, PID: 2}, KindRDMA)
	c.EnqueuePending("a")
	c.EnqueuePending("b")
	c.EnqueuePending("c")

	got := c.DrainPending()
	want := []any{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("drained %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %v, want %v", i, got[i], want[i])
		}
	}
	if more := c.DrainPending(); len(more) != 0 {
		t.Fatalf("expected bufList empty after drain, got %v", more)
	}
}
