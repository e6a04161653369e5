package ni

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/match"
	"github.com/musleh123/portals4/wire"
)

func jobUID(nid uint32) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], nid)
	return u
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func TestPtlNIInitFiniNoConnections(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	if err := n.PtlNIFini(); err != nil {
		t.Fatalf("PtlNIFini: %v", err)
	}
	// A second Fini must be a harmless no-op.
	if err := n.PtlNIFini(); err != nil {
		t.Fatalf("second PtlNIFini: %v", err)
	}
}

func TestPtlPTAllocEnableDisableFree(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	eq, err := n.PtlEQAlloc(4)
	if err != nil {
		t.Fatalf("PtlEQAlloc: %v", err)
	}
	pt, err := n.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := n.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}
	if err := n.PtlPTDisable(pt); err != nil {
		t.Fatalf("PtlPTDisable: %v", err)
	}
	if err := n.PtlPTFree(pt); err != nil {
		t.Fatalf("PtlPTFree: %v", err)
	}
}

func TestPtlMEAppendAndUnlink(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	eq, _ := n.PtlEQAlloc(4)
	pt, err := n.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}

	region := make([]byte, 16)
	h, err := n.PtlMEAppend(pt, region, AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut | match.PermGet,
	}, false, false)
	if err != nil {
		t.Fatalf("PtlMEAppend: %v", err)
	}
	if err := n.PtlUnlink(pt, h); err != nil {
		t.Fatalf("PtlUnlink: %v", err)
	}
	// A double unlink must fail now that the handle's generation has moved on.
	if err := n.PtlUnlink(pt, h); err == nil {
		t.Fatalf("expected unlink of a freed handle to fail")
	}
}

func TestPtlLEAppendForcesAnyID(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	eq, _ := n.PtlEQAlloc(4)
	pt, _ := n.PtlPTAlloc(eq)

	region := make([]byte, 16)
	h, err := n.PtlLEAppend(pt, region, AppendOptions{
		MatchBits:   0xFF, // must be cleared: an LE has no matching namespace
		Permissions: match.PermPut,
	}, false, false)
	if err != nil {
		t.Fatalf("PtlLEAppend: %v", err)
	}
	e, err := n.ePool.ToObj(h)
	if err != nil {
		t.Fatalf("ToObj: %v", err)
	}
	if !e.AnyID || e.MatchBits != 0 || e.Kind != match.KindLE {
		t.Fatalf("LE = {AnyID:%v MatchBits:%#x Kind:%v}, want AnyID true, MatchBits 0, KindLE", e.AnyID, e.MatchBits, e.Kind)
	}
}

func TestPtlCTAllocIncAndWait(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	ct, err := n.PtlCTAlloc()
	if err != nil {
		t.Fatalf("PtlCTAlloc: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := n.PtlCTInc(ct, 1, 0); err != nil {
			t.Errorf("PtlCTInc: %v", err)
		}
	}()

	success, failure, err := n.PtlCTWait(ct, 1)
	if err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if success != 1 || failure != 0 {
		t.Fatalf("ct after wait = (%d, %d), want (1, 0)", success, failure)
	}
}

func TestPtlCTSetOverwritesCounters(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	ct, _ := n.PtlCTAlloc()
	if err := n.PtlCTSet(ct, 5, 2); err != nil {
		t.Fatalf("PtlCTSet: %v", err)
	}
	success, failure, err := n.PtlCTWait(ct, 0)
	if err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if success != 5 || failure != 2 {
		t.Fatalf("ct = (%d, %d), want (5, 2)", success, failure)
	}
}

func TestPtlEQGetEmptyFails(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	eq, _ := n.PtlEQAlloc(4)
	if _, err := n.PtlEQGet(eq); err == nil {
		t.Fatalf("expected PtlEQGet against an empty queue to fail")
	}
}

func TestPtlTriggeredCTIncFiresOnThreshold(t *testing.T) {
	n, err := PtlNIInit(Config{Index: 0})
	if err != nil {
		t.Fatalf("PtlNIInit: %v", err)
	}
	defer n.PtlNIFini()

	watch, _ := n.PtlCTAlloc()
	downstream, _ := n.PtlCTAlloc()

	n.PtlTriggeredCTInc(downstream, 1, 0, watch, 3)

	if err := n.PtlCTInc(watch, 2, 0); err != nil {
		t.Fatalf("PtlCTInc: %v", err)
	}
	if s, _, _ := n.PtlCTWait(downstream, 0); s != 0 {
		t.Fatalf("downstream ct fired before watch reached its threshold: success=%d", s)
	}
	if err := n.PtlCTInc(watch, 1, 0); err != nil {
		t.Fatalf("PtlCTInc: %v", err)
	}
	success, _, err := n.PtlCTWait(downstream, 1)
	if err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if success != 1 {
		t.Fatalf("downstream ct success = %d, want 1", success)
	}
}

// TestOverflowCaptureAndSearch exercises the overflow-list path: a Put
// with no matching priority entry lands against an overflow ME instead,
// and a later PtlMESearch binds the capture, per spec §8 scenario 5.
func TestOverflowCaptureAndSearch(t *testing.T) {
	targetListener := listenLoopback(t)
	defer targetListener.Close()
	initiatorListener := listenLoopback(t)
	defer initiatorListener.Close()

	targetPeer := conn.PeerID{Rank: 0, NID: 5, PID: 0}

	target, err := PtlNIInit(Config{
		Index: 0, RDMAEnabled: true, Listener: targetListener,
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (target): %v", err)
	}
	defer target.PtlNIFini()

	initiator, err := PtlNIInit(Config{
		Index: 1, RDMAEnabled: true, Listener: initiatorListener,
		JobUID: jobUID(6),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (initiator): %v", err)
	}
	defer initiator.PtlNIFini()

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, err := target.PtlEQAlloc(8)
	if err != nil {
		t.Fatalf("PtlEQAlloc: %v", err)
	}
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}

	overflow := make([]byte, 32)
	ct, err := target.PtlCTAlloc()
	if err != nil {
		t.Fatalf("PtlCTAlloc: %v", err)
	}
	if _, err := target.PtlMEAppend(pt, overflow, AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut,
		CT:          ct,
	}, false, true); err != nil {
		t.Fatalf("PtlMEAppend (overflow): %v", err)
	}

	payload := []byte("unmatched at post time")
	md, err := initiator.PtlMDBind(payload, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind: %v", err)
	}
	if _, err := initiator.PtlPut(PutArgs{
		Target: targetPeer, MD: md, Length: uint64(len(payload)),
		PTIndex: pt, MatchBits: 0x42, AckReq: wire.AckNone,
	}); err != nil {
		t.Fatalf("PtlPut: %v", err)
	}

	if _, _, err := target.PtlCTWait(ct, 1); err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}

	if _, err := target.PtlMESearch(pt, 0x99, 0, SearchDelete); err == nil {
		t.Fatalf("expected no unexpected message to match 0x99")
	}
	u, err := target.PtlMESearch(pt, 0x42, 0, SearchDelete)
	if err != nil {
		t.Fatalf("PtlMESearch: %v", err)
	}
	if string(overflow[u.OverflowOffset:u.OverflowOffset+uint64(len(payload))]) != string(payload) {
		t.Fatalf("overflow bytes = %q, want %q", overflow[u.OverflowOffset:], payload)
	}
	if _, err := target.PtlMESearch(pt, 0x42, 0, SearchOnly); err == nil {
		t.Fatalf("expected the captured message to be gone after a delete search")
	}
}

// TestLoopbackPut drives the canonical two-rank scenario end to end: a
// target NI posts a matching list entry, an initiator NI dials it over a
// real loopback socket and issues a Put, and the target observes both the
// matched data and the resulting counting and queued events.
func TestLoopbackPut(t *testing.T) {
	targetListener := listenLoopback(t)
	defer targetListener.Close()
	initiatorListener := listenLoopback(t)
	defer initiatorListener.Close()

	targetPeer := conn.PeerID{Rank: 0, NID: 1, PID: 0}

	target, err := PtlNIInit(Config{
		Index: 0, RDMAEnabled: true, Listener: targetListener,
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (target): %v", err)
	}
	defer target.PtlNIFini()

	initiator, err := PtlNIInit(Config{
		Index: 1, RDMAEnabled: true, Listener: initiatorListener,
		JobUID: jobUID(2),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (initiator): %v", err)
	}
	defer initiator.PtlNIFini()

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, err := target.PtlEQAlloc(8)
	if err != nil {
		t.Fatalf("PtlEQAlloc: %v", err)
	}
	ct, err := target.PtlCTAlloc()
	if err != nil {
		t.Fatalf("PtlCTAlloc: %v", err)
	}
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}

	region := make([]byte, 32)
	if _, err := target.PtlMEAppend(pt, region, AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut | match.PermGet | match.PermAtomic,
		CT:          ct,
	}, false, false); err != nil {
		t.Fatalf("PtlMEAppend: %v", err)
	}

	payload := []byte("hello, portals4!")
	md, err := initiator.PtlMDBind(payload, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind: %v", err)
	}

	if _, err := initiator.PtlPut(PutArgs{
		Target: targetPeer, MD: md, Length: uint64(len(payload)),
		PTIndex: pt, AckReq: wire.AckNone,
	}); err != nil {
		t.Fatalf("PtlPut: %v", err)
	}

	success, failure, err := target.PtlCTWait(ct, 1)
	if err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if success != 1 || failure != 0 {
		t.Fatalf("target ct = (%d, %d), want (1, 0)", success, failure)
	}

	rec, err := target.PtlEQWait(eq)
	if err != nil {
		t.Fatalf("PtlEQWait: %v", err)
	}
	if rec.MLength != uint64(len(payload)) {
		t.Fatalf("event mlength = %d, want %d", rec.MLength, len(payload))
	}
	if string(region[:rec.MLength]) != string(payload) {
		t.Fatalf("matched region = %q, want %q", region[:rec.MLength], payload)
	}
}

// TestLoopbackPutTruncatesAgainstLowCapacityEntry appends an ME with less
// remaining capacity than the incoming payload. The entry must still match
// (no priority entry is skipped while matching) and the transfer is
// truncated to what the entry can hold, with the shortfall visible in the
// reported mlength.
func TestLoopbackPutTruncatesAgainstLowCapacityEntry(t *testing.T) {
	targetListener := listenLoopback(t)
	defer targetListener.Close()
	initiatorListener := listenLoopback(t)
	defer initiatorListener.Close()

	targetPeer := conn.PeerID{Rank: 0, NID: 1, PID: 0}

	target, err := PtlNIInit(Config{
		Index: 0, RDMAEnabled: true, Listener: targetListener,
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (target): %v", err)
	}
	defer target.PtlNIFini()

	initiator, err := PtlNIInit(Config{
		Index: 1, RDMAEnabled: true, Listener: initiatorListener,
		JobUID: jobUID(2),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (initiator): %v", err)
	}
	defer initiator.PtlNIFini()

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, err := target.PtlEQAlloc(8)
	if err != nil {
		t.Fatalf("PtlEQAlloc: %v", err)
	}
	ct, err := target.PtlCTAlloc()
	if err != nil {
		t.Fatalf("PtlCTAlloc: %v", err)
	}
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}

	payload := []byte("hello, portals4!") // 16 bytes
	region := make([]byte, len(payload)-4) // only 12 bytes of capacity
	if _, err := target.PtlMEAppend(pt, region, AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut | match.PermGet | match.PermAtomic,
		CT:          ct,
	}, false, false); err != nil {
		t.Fatalf("PtlMEAppend: %v", err)
	}

	md, err := initiator.PtlMDBind(payload, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind: %v", err)
	}

	if _, err := initiator.PtlPut(PutArgs{
		Target: targetPeer, MD: md, Length: uint64(len(payload)),
		PTIndex: pt, AckReq: wire.AckNone,
	}); err != nil {
		t.Fatalf("PtlPut: %v", err)
	}

	success, failure, err := target.PtlCTWait(ct, 1)
	if err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if success != 1 || failure != 0 {
		t.Fatalf("target ct = (%d, %d), want (1, 0)", success, failure)
	}

	rec, err := target.PtlEQWait(eq)
	if err != nil {
		t.Fatalf("PtlEQWait: %v", err)
	}
	if rec.RLength != uint64(len(payload)) {
		t.Fatalf("event rlength = %d, want %d", rec.RLength, len(payload))
	}
	if rec.MLength != uint64(len(region)) {
		t.Fatalf("event mlength = %d, want %d (truncated to entry capacity)", rec.MLength, len(region))
	}
	if rec.MLength == rec.RLength {
		t.Fatalf("expected mlength < rlength to flag truncation")
	}
	if string(region) != string(payload[:len(region)]) {
		t.Fatalf("matched region = %q, want %q", region, payload[:len(region)])
	}
}

// TestGracefulDisconnectObservedByPeer establishes a real connection with
// a Put, tears the initiator down, and asserts the target's connection
// record for that peer observes the resulting OP_RDMA_DISC frame.
func TestGracefulDisconnectObservedByPeer(t *testing.T) {
	targetListener := listenLoopback(t)
	defer targetListener.Close()
	initiatorListener := listenLoopback(t)
	defer initiatorListener.Close()

	targetPeer := conn.PeerID{Rank: 0, NID: 1, PID: 0}
	initiatorPeer := conn.PeerID{NID: 2, PID: 1}

	target, err := PtlNIInit(Config{
		Index: 0, RDMAEnabled: true, Listener: targetListener,
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (target): %v", err)
	}
	defer target.PtlNIFini()

	initiator, err := PtlNIInit(Config{
		Index: 1, RDMAEnabled: true, Listener: initiatorListener,
		JobUID: jobUID(initiatorPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (initiator): %v", err)
	}

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, err := target.PtlEQAlloc(8)
	if err != nil {
		t.Fatalf("PtlEQAlloc: %v", err)
	}
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}
	region := make([]byte, 16)
	if _, err := target.PtlMEAppend(pt, region, AppendOptions{
		AnyID:       true,
		Permissions: match.PermPut,
	}, false, false); err != nil {
		t.Fatalf("PtlMEAppend: %v", err)
	}

	payload := []byte("disc probe")
	md, err := initiator.PtlMDBind(payload, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind: %v", err)
	}
	if _, err := initiator.PtlPut(PutArgs{
		Target: targetPeer, MD: md, Length: uint64(len(payload)),
		PTIndex: pt, AckReq: wire.AckNone,
	}); err != nil {
		t.Fatalf("PtlPut: %v", err)
	}

	peerConn, err := target.conns.Get(initiatorPeer)
	if err != nil {
		t.Fatalf("target conns.Get: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && peerConn.State() != conn.StateConnected {
		time.Sleep(time.Millisecond)
	}
	if peerConn.State() != conn.StateConnected {
		t.Fatalf("target's connection to initiator never reached CONNECTED")
	}

	if err := initiator.PtlNIFini(); err != nil {
		t.Fatalf("PtlNIFini (initiator): %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !peerConn.RemoteDisc() {
		time.Sleep(time.Millisecond)
	}
	if !peerConn.RemoteDisc() {
		t.Fatalf("target never observed the initiator's OP_RDMA_DISC frame")
	}
}

// TestLoopbackFetchAtomic exercises a FetchAtomic round trip: the
// initiator sums an operand into the target's region and reads back the
// pre-image into its own get MD.
func TestLoopbackFetchAtomic(t *testing.T) {
	targetListener := listenLoopback(t)
	defer targetListener.Close()
	initiatorListener := listenLoopback(t)
	defer initiatorListener.Close()

	targetPeer := conn.PeerID{Rank: 0, NID: 3, PID: 0}

	target, err := PtlNIInit(Config{
		Index: 0, RDMAEnabled: true, Listener: targetListener,
		JobUID: jobUID(targetPeer.NID),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (target): %v", err)
	}
	defer target.PtlNIFini()

	initiator, err := PtlNIInit(Config{
		Index: 1, RDMAEnabled: true, Listener: initiatorListener,
		JobUID: jobUID(4),
	})
	if err != nil {
		t.Fatalf("PtlNIInit (initiator): %v", err)
	}
	defer initiator.PtlNIFini()

	initiator.PtlSetMap(0, targetPeer, targetListener.Addr().String())

	eq, _ := target.PtlEQAlloc(8)
	pt, err := target.PtlPTAlloc(eq)
	if err != nil {
		t.Fatalf("PtlPTAlloc: %v", err)
	}
	if err := target.PtlPTEnable(pt); err != nil {
		t.Fatalf("PtlPTEnable: %v", err)
	}

	region := make([]byte, 8)
	putU64(region, 100)
	if _, err := target.PtlMEAppend(pt, region, AppendOptions{
		AnyID:       true,
		Permissions: match.PermAtomic,
	}, false, false); err != nil {
		t.Fatalf("PtlMEAppend: %v", err)
	}

	operand := make([]byte, 8)
	putU64(operand, 5)
	opMD, err := initiator.PtlMDBind(operand, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind (operand): %v", err)
	}
	getBuf := make([]byte, 8)
	getMD, err := initiator.PtlMDBind(getBuf, handle.Invalid, handle.Invalid)
	if err != nil {
		t.Fatalf("PtlMDBind (get): %v", err)
	}

	ct, err := initiator.PtlCTAlloc()
	if err != nil {
		t.Fatalf("PtlCTAlloc: %v", err)
	}
	if _, err := initiator.PtlFetchAtomic(AtomicArgs{
		Target: targetPeer, MD: opMD, Length: 8, GetMD: getMD,
		PTIndex: pt, AtomOp: wire.AtomicSum, AtomType: wire.TypeUint64, CT: ct,
	}); err != nil {
		t.Fatalf("PtlFetchAtomic: %v", err)
	}

	if _, _, err := initiator.PtlCTWait(ct, 1); err != nil {
		t.Fatalf("PtlCTWait: %v", err)
	}
	if getU64(region) != 105 {
		t.Fatalf("target region after fetch-sum = %d, want 105", getU64(region))
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
