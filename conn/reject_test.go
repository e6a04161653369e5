package conn

import "testing"

func TestArbitrateAcceptsWhenDisconnected(t *testing.T) {
	d, r := Arbitrate(StateDisconnected, PeerID{NID: 1}, PeerID{NID: 2})
	if d != DecisionAccept || r != RejectNone {
		t.Fatalf("got (%v, %v), want (Accept, None)", d, r)
	}
}

func TestArbitrateRejectsWhenAlreadyConnected(t *testing.T) {
	d, r := Arbitrate(StateConnected, PeerID{NID: 1}, PeerID{NID: 2})
	if d != DecisionReject || r != RejectConnected {
		t.Fatalf("got (%v, %v), want (Reject, Connected)", d, r)
	}
}

func TestArbitrateTieBreakHigherIDWins(t *testing.T) {
	local := PeerID{NID: 1, PID: 0}
	higher := PeerID{NID: 2, PID: 0}
	lower := PeerID{NID: 0, PID: 0}

	d, _ := Arbitrate(StateConnecting, local, higher)
	if d != DecisionAccept {
		t.Fatalf("request from higher id should be accepted, got %v", d)
	}

	d, r := Arbitrate(StateConnecting, local, lower)
	if d != DecisionReject || r != RejectConnecting {
		t.Fatalf("request from lower id should be rejected with Connecting, got (%v, %v)", d, r)
	}
}

func TestArbitrateSelfConnectIsAcceptedAsLoopback(t *testing.T) {
	id := PeerID{NID: 3, PID: 4}
	d, _ := Arbitrate(StateConnecting, id, id)
	if d != DecisionAcceptSelf {
		t.Fatalf("identical ids racing should resolve as loopback, got %v", d)
	}
}

func TestSimultaneousConnectReasonsDontNeedRetry(t *testing.T) {
	if !SimultaneousConnect(RejectConnected) {
		t.Fatalf("RejectConnected should be a simultaneous-connect signal")
	}
	if !SimultaneousConnect(RejectConnecting) {
		t.Fatalf("RejectConnecting should be a simultaneous-connect signal")
	}
	if SimultaneousConnect(RejectBadParam) {
		t.Fatalf("RejectBadParam is a real failure, not a race")
	}
}
