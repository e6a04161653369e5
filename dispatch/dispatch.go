// Package dispatch implements component I: the progress loop that turns
// initiator.Effect/target.Effect values into transport/conn/match/event
// calls, and turns polled transport.Completion values and inbound wire
// packets back into state-machine events. Grounded on client.dispatch()'s
// backoff loop (client/client.go) and its CompletionContext correlation
// pattern (fi/context.go), retargeted from a raw-pointer sync.Map registry
// to generation-checked handle.Pool lookups.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/event"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/initiator"
	"github.com/musleh123/portals4/log"
	"github.com/musleh123/portals4/match"
	"github.com/musleh123/portals4/metrics"
	"github.com/musleh123/portals4/target"
	"github.com/musleh123/portals4/transport"
	"github.com/musleh123/portals4/transport/rdma"
	"github.com/musleh123/portals4/transport/shmem"
	"github.com/musleh123/portals4/wire"
)

// AddressBook resolves a peer to a dialable address, standing in for the
// PID map a real runtime would build from PtlSetMap/the portals name
// server. ni owns the concrete implementation; dispatch only consumes it.
type AddressBook interface {
	Address(peer conn.PeerID) (string, error)
}

// route remembers which transport connection an inbound request arrived
// on, since an *target.XT carries a *conn.Conn that may not (yet) have a
// reliable ConnID -- a freshly created physical peer's handshake can
// still be in flight even though the request that created it already
// needs an ack routed back somewhere.
type route struct {
	kind   conn.Kind
	connID transport.ConnID
}

// Dispatcher owns the NI's progress loop: it applies the effects the
// initiator/target state machines return, polls both transport
// providers, and classifies what comes back into the next state-machine
// call.
type Dispatcher struct {
	NIIndex int
	NIType  string
	WireNIType wire.NIType

	Log     log.Full
	Metrics metrics.Hook

	RDMA    *rdma.Provider
	Shmem   *shmem.Provider
	ConnMgr *conn.Manager
	PTTable *match.Table

	XIPool *handle.Pool[initiator.XI]
	XTPool *handle.Pool[target.XT]
	CTPool *handle.Pool[event.CT]
	EQPool *handle.Pool[event.EQ]

	Addresses AddressBook
	Dialer    *conn.Dialer

	// Handshake, if set, runs against a freshly dialed net.Conn before it
	// is handed to RDMA.Attach, so the accepting side's listener learns
	// who just connected in time to arbitrate a simultaneous-connect race
	// (ni owns the concrete handshake; dispatch only calls it).
	Handshake func(nc net.Conn, peer conn.PeerID) error

	mu          sync.Mutex
	targetRoute map[handle.Handle]route
}

// NewDispatcher wires up a Dispatcher from its collaborators. RDMA and
// Shmem may each be nil if the owning NI never configures that
// transport kind (a purely on-node job never builds an rdma.Provider).
func NewDispatcher(niIndex int, niType string, wireNIType wire.NIType, logger log.Full, hook metrics.Hook,
	rdmaProv *rdma.Provider, shmemProv *shmem.Provider, connMgr *conn.Manager,
	ptTable *match.Table, xiPool *handle.Pool[initiator.XI], xtPool *handle.Pool[target.XT],
	ctPool *handle.Pool[event.CT], eqPool *handle.Pool[event.EQ],
	addrs AddressBook, dialer *conn.Dialer) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if hook == nil {
		hook = metrics.Nop{}
	}
	return &Dispatcher{
		NIIndex: niIndex, NIType: niType, WireNIType: wireNIType, Log: logger, Metrics: hook,
		RDMA: rdmaProv, Shmem: shmemProv, ConnMgr: connMgr, PTTable: ptTable,
		XIPool: xiPool, XTPool: xtPool, CTPool: ctPool, EQPool: eqPool,
		Addresses: addrs, Dialer: dialer,
		targetRoute: make(map[handle.Handle]route),
	}
}

func (d *Dispatcher) attrs(extra map[string]string) map[string]string {
	a := map[string]string{metrics.LabelNIType: d.NIType}
	for k, v := range extra {
		a[k] = v
	}
	return a
}

func (d *Dispatcher) providerFor(kind conn.Kind) transport.Provider {
	if kind == conn.KindShmem {
		return d.Shmem
	}
	return d.RDMA
}

func transportLabel(kind conn.Kind) string {
	if kind == conn.KindShmem {
		return "shmem"
	}
	return "rdma"
}

// ApplyInitiatorEffects carries out whatever xi.Start/OnConnReady/
// OnSendComplete/OnReply just returned.
func (d *Dispatcher) ApplyInitiatorEffects(xi *initiator.XI, effects []initiator.Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case initiator.StartConnect:
			d.connectInitiator(xi, eff.Peer)
		case initiator.PostSend:
			d.sendInitiatorRequest(xi, eff)
		case initiator.EmitEvent:
			d.postEvent(xi.Req.EQ, eff.Record)
		case initiator.BumpCT:
			d.bumpCT(xi.Req.CT, eff.Success, eff.Failure)
		case initiator.TearDown:
			if err := d.XIPool.Put(xi.Handle); err != nil {
				d.Log.Debugw("dispatch: tear down xi", "handle", xi.Handle, "err", err)
			}
		default:
			d.Log.Warnw("dispatch: unknown initiator effect", "effect", fmt.Sprintf("%T", eff))
		}
	}
}

// ApplyTargetEffects carries out whatever xt.Start/OnRDMAComplete just
// returned.
func (d *Dispatcher) ApplyTargetEffects(xt *target.XT, effects []target.Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case target.PullInitiatorData:
			d.postTargetDMA(xt, transport.DirRead, eff.Into, eff.Desc, eff.Signalled)
		case target.PushToInitiator:
			d.postTargetDMA(xt, transport.DirWrite, eff.From, eff.Desc, eff.Signalled)
		case target.SendAck:
			d.sendTargetAck(xt, eff.Tail)
		case target.SendReply:
			d.sendTargetReply(xt, eff.Tail, eff.Data)
		case target.EmitEvent:
			d.postEvent(d.eqForTarget(xt), eff.Record)
		case target.BumpCT:
			d.bumpCT(d.ctForTarget(xt), eff.Success, eff.Failure)
		case target.TearDown:
			d.mu.Lock()
			delete(d.targetRoute, xt.Handle)
			d.mu.Unlock()
			if err := d.XTPool.Put(xt.Handle); err != nil {
				d.Log.Debugw("dispatch: tear down xt", "handle", xt.Handle, "err", err)
			}
		default:
			d.Log.Warnw("dispatch: unknown target effect", "effect", fmt.Sprintf("%T", eff))
		}
	}
}

// eqForTarget resolves the EQ a target event should post to: the matched
// entry's EQ when one was bound, falling back to the PT's EQ on a drop
// that never matched anything.
func (d *Dispatcher) eqForTarget(xt *target.XT) handle.Handle {
	if xt.Entry != nil {
		return xt.Entry.EQ
	}
	if pt := d.PTTable.Get(xt.Req.PTIndex); pt != nil {
		return pt.EQ
	}
	return handle.Invalid
}

func (d *Dispatcher) ctForTarget(xt *target.XT) handle.Handle {
	if xt.Entry != nil {
		return xt.Entry.CT
	}
	return handle.Invalid
}

func (d *Dispatcher) postEvent(eq handle.Handle, r event.Record) {
	if eq == handle.Invalid {
		return
	}
	q, err := d.EQPool.ToObj(eq)
	if err != nil {
		d.Log.Debugw("dispatch: post event against stale eq", "handle", eq, "err", err)
		return
	}
	q.Post(r)
}

func (d *Dispatcher) bumpCT(ct handle.Handle, success, failure uint64) {
	if ct == handle.Invalid {
		return
	}
	c, err := d.CTPool.ToObj(ct)
	if err != nil {
		d.Log.Debugw("dispatch: bump stale ct", "handle", ct, "err", err)
		return
	}
	c.Inc(success, failure)
	d.Metrics.CTBumped(success > 0, failure > 0, d.attrs(nil))
}

// connectInitiator drives the StartConnect effect: the first caller
// against a disconnected Conn dials and establishes it; every later
// caller (including retries of the same xi after a lost race) just
// parks on the Conn's pending queue until the winner drains it.
func (d *Dispatcher) connectInitiator(xi *initiator.XI, peer conn.PeerID) {
	c, err := d.ConnMgr.Get(peer)
	if err != nil {
		d.Log.Errorw("dispatch: resolve peer conn", "peer", peer, "err", err)
		return
	}
	xi.Conn = c

	if c.State() == conn.StateConnected {
		d.ApplyInitiatorEffects(xi, xi.OnConnReady())
		return
	}

	c.EnqueuePending(xi)
	if c.BeginConnect() {
		go d.dialAndEstablish(c, peer)
	}
}

func (d *Dispatcher) dialAndEstablish(c *conn.Conn, peer conn.PeerID) {
	before := c.State().String()
	addr, err := d.Addresses.Address(peer)
	if err != nil {
		d.Log.Errorw("dispatch: resolve peer address", "peer", peer, "err", err)
		c.Fail()
		d.failPending(c)
		return
	}
	c.AdvanceAddrResolved()
	c.AdvanceRouteResolved()

	nc, err := d.Dialer.Dial(context.Background(), addr)
	if err != nil {
		d.Log.Errorw("dispatch: dial peer", "peer", peer, "addr", addr, "err", err)
		c.Fail()
		d.failPending(c)
		return
	}
	if d.Handshake != nil {
		if err := d.Handshake(nc, peer); err != nil {
			d.Log.Errorw("dispatch: peer handshake", "peer", peer, "err", err)
			nc.Close()
			c.Fail()
			d.failPending(c)
			return
		}
	}
	connID := d.RDMA.Attach(nc)
	c.Establish(connID)
	d.Metrics.ConnStateChanged(before, c.State().String(), d.attrs(map[string]string{metrics.LabelPeer: peer.String()}))

	for _, v := range c.DrainPending() {
		if xi, ok := v.(*initiator.XI); ok {
			d.ApplyInitiatorEffects(xi, xi.OnConnReady())
		}
	}
}

// failPending tears down every xi parked on c after a handshake failure,
// synthesising the same undeliverable-send outcome OnSendComplete(false)
// would report had the send itself gone out and failed.
func (d *Dispatcher) failPending(c *conn.Conn) {
	for _, v := range c.DrainPending() {
		if xi, ok := v.(*initiator.XI); ok {
			d.ApplyInitiatorEffects(xi, xi.OnSendComplete(false))
		}
	}
}

// DisconnectAll posts an OP_RDMA_DISC frame on every RDMA peer still in
// StateConnected, then hands off to the connection manager's own
// bookkeeping to move every known connection into StateDisconnecting.
// Shmem peers never disconnect mid-job and are skipped.
func (d *Dispatcher) DisconnectAll() {
	if d.RDMA != nil {
		for _, c := range d.ConnMgr.All() {
			if c.Kind == conn.KindRDMA && c.State() == conn.StateConnected {
				d.sendDisconnect(c)
			}
		}
	}
	d.ConnMgr.DisconnectAll()
}

// sendDisconnect posts c's OP_RDMA_DISC frame, moving it into local_disc
// stage 1; onDisconnectSendComplete advances it to stage 2 once the send
// completion is polled.
func (d *Dispatcher) sendDisconnect(c *conn.Conn) {
	connID, ready := c.ConnID()
	if !ready {
		return
	}
	out := make([]byte, wire.HeaderSize)
	if err := wire.EncodeCommon(out, wire.Common{
		Version: 1, Operation: wire.OpRDMADisc, NIType: d.WireNIType, PktFmt: wire.PktFmtShortInBand,
	}); err != nil {
		d.Log.Errorw("dispatch: encode disconnect", "err", err)
		return
	}

	c.BeginLocalDisc()
	buf := &buffer.Buffer{Type: buffer.TypeDisc, Data: out, XXBuf: handle.Invalid}
	if err := d.RDMA.SendMessage(connID, buf, true); err != nil {
		d.Log.Errorw("dispatch: send disconnect", "err", err)
	}
}

// encodeRequest lays out [Common][RequestTail] followed by buf (nil for a
// descriptor-carried payload). Requests always travel PktFmtShortInBand:
// initiator.Request has no descriptor field of its own, so this engine's
// initiators always hand their payload inline rather than naming a
// remote-readable region for the target to pull from.
func encodeRequest(op wire.Operation, niType wire.NIType, tail wire.RequestTail, data []byte) ([]byte, error) {
	out := make([]byte, wire.HeaderSize+wire.RequestTailSize+len(data))
	if err := wire.EncodeCommon(out, wire.Common{
		Version: 1, Operation: op, NIType: niType, PktFmt: wire.PktFmtShortInBand,
		Length: uint64(wire.RequestTailSize + len(data)),
	}); err != nil {
		return nil, err
	}
	if err := tail.Encode(out[wire.HeaderSize:]); err != nil {
		return nil, err
	}
	copy(out[wire.HeaderSize+wire.RequestTailSize:], data)
	return out, nil
}

func (d *Dispatcher) sendInitiatorRequest(xi *initiator.XI, eff initiator.PostSend) {
	connID, ready := xi.Conn.ConnID()
	if !ready {
		d.Log.Errorw("dispatch: post send against unready conn", "peer", xi.Req.Target)
		d.ApplyInitiatorEffects(xi, xi.OnSendComplete(false))
		return
	}

	payload, err := encodeRequest(xi.Req.Operation, d.WireNIType, eff.Tail, eff.Data)
	if err != nil {
		d.Log.Errorw("dispatch: encode request", "err", err)
		d.ApplyInitiatorEffects(xi, xi.OnSendComplete(false))
		return
	}

	buf := &buffer.Buffer{Type: buffer.TypeSend, Data: payload, XXBuf: xi.Handle}
	p := d.providerFor(xi.Conn.Kind)
	err = p.SendMessage(connID, buf, true)
	xi.OnSendPosted(err == nil)

	attrs := d.attrs(map[string]string{metrics.LabelTransport: transportLabel(xi.Conn.Kind), metrics.LabelOperation: xi.Req.Operation.String()})
	if err != nil {
		d.Metrics.SendFailed(err, attrs)
		d.ApplyInitiatorEffects(xi, xi.OnSendComplete(false))
		return
	}
	d.Metrics.SendCompleted(attrs)
}

// sge builds a one-entry SGE list over a plain Go byte slice for
// PostTargetDMA, the address-space boundary this engine crosses with
// unsafe.Pointer the same way the object-pool/completion layers below it
// cross into C address space.
func sge(buf []byte) []buffer.SGE {
	if len(buf) == 0 {
		return []buffer.SGE{{}}
	}
	return []buffer.SGE{{Addr: uintptr(unsafe.Pointer(&buf[0])), Length: uint32(len(buf))}}
}

func (d *Dispatcher) postTargetDMA(xt *target.XT, dir transport.Direction, local []byte, desc wire.RDMADescriptor, signalled bool) {
	r, ok := d.routeFor(xt)
	if !ok {
		d.Log.Errorw("dispatch: post target dma against unrouted xt", "handle", xt.Handle)
		d.ApplyTargetEffects(xt, xt.OnRDMAComplete(false))
		return
	}
	p := d.providerFor(r.kind)
	err := p.PostTargetDMA(r.connID, dir, sge(local), desc, xt.Handle, signalled)
	if err != nil {
		d.Log.Errorw("dispatch: post target dma", "err", err)
		d.ApplyTargetEffects(xt, xt.OnRDMAComplete(false))
		return
	}
	if r.kind == conn.KindShmem {
		// shmem's PostTargetDMA is a synchronous memcpy; Poll still
		// surfaces a completion (for symmetry with rdma), but the
		// transfer has already landed by the time this call returns,
		// so the state machine can advance immediately.
		d.ApplyTargetEffects(xt, xt.OnRDMAComplete(true))
	}
}

func (d *Dispatcher) routeFor(xt *target.XT) (route, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.targetRoute[xt.Handle]
	return r, ok
}

func (d *Dispatcher) setRoute(xt *target.XT, r route) {
	d.mu.Lock()
	d.targetRoute[xt.Handle] = r
	d.mu.Unlock()
}

func (d *Dispatcher) sendOnRoute(xt *target.XT, payload []byte) error {
	r, ok := d.routeFor(xt)
	if !ok {
		return fmt.Errorf("dispatch: no route for xt %v", xt.Handle)
	}
	p := d.providerFor(r.kind)
	buf := &buffer.Buffer{Type: buffer.TypeTgt, Data: payload, XXBuf: xt.Handle}
	return p.SendMessage(r.connID, buf, true)
}

func (d *Dispatcher) sendTargetAck(xt *target.XT, tail wire.AckTail) {
	op := ackOpFor(xt.Req.AckReq)
	out := make([]byte, wire.HeaderSize+wire.AckTailSize)
	_ = wire.EncodeCommon(out, wire.Common{Version: 1, Operation: op, PktFmt: wire.PktFmtShortInBand, Length: wire.AckTailSize})
	_ = tail.Encode(out[wire.HeaderSize:])
	if err := d.sendOnRoute(xt, out); err != nil {
		d.Log.Errorw("dispatch: send ack", "err", err)
	}
}

func ackOpFor(mode wire.AckMode) wire.Operation {
	switch mode {
	case wire.AckCTAckReq:
		return wire.OpCTAck
	case wire.AckOCAckReq:
		return wire.OpOCAck
	default:
		return wire.OpAck
	}
}

func (d *Dispatcher) sendTargetReply(xt *target.XT, tail wire.ReplyTail, data []byte) {
	out := make([]byte, wire.HeaderSize+wire.ReplyTailSize+len(data))
	_ = wire.EncodeCommon(out, wire.Common{
		Version: 1, Operation: wire.OpReply, PktFmt: wire.PktFmtShortInBand,
		Length: uint64(wire.ReplyTailSize + len(data)),
	})
	_ = tail.Encode(out[wire.HeaderSize:])
	copy(out[wire.HeaderSize+wire.ReplyTailSize:], data)
	if err := d.sendOnRoute(xt, out); err != nil {
		d.Log.Errorw("dispatch: send reply", "err", err)
	}
}

// Run drains up to batch completions from each configured transport and
// classifies them, returning how many it processed -- the unit of work
// Loop's backoff decision is based on.
func (d *Dispatcher) Run(batch int) int {
	n := 0
	if d.RDMA != nil {
		for _, c := range d.RDMA.Poll(batch) {
			d.classify(conn.KindRDMA, c)
			n++
		}
	}
	if d.Shmem != nil {
		for _, c := range d.Shmem.Poll(batch) {
			d.classify(conn.KindShmem, c)
			n++
		}
	}
	return n
}

// Loop runs Run in a backoff cycle until stop closes, mirroring the
// teacher's dispatch() goroutine: busy-poll while work is flowing, back
// off up to a ceiling the moment a pass turns up nothing.
func (d *Dispatcher) Loop(stop <-chan struct{}, batch int) {
	d.Metrics.DispatcherStarted(d.attrs(nil))
	defer d.Metrics.DispatcherStopped(d.attrs(nil))

	backoff := time.Duration(0)
	const ceiling = 10 * time.Millisecond
	for {
		select {
		case <-stop:
			return
		default:
		}
		if d.Run(batch) > 0 {
			backoff = 0
			continue
		}
		if backoff == 0 {
			backoff = time.Millisecond
		} else {
			backoff *= 2
			if backoff > ceiling {
				backoff = ceiling
			}
		}
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}

func (d *Dispatcher) classify(kind conn.Kind, c transport.Completion) {
	attrs := d.attrs(map[string]string{metrics.LabelTransport: transportLabel(kind)})
	if c.Err != nil {
		d.Metrics.DispatcherCQError(transportLabel(kind), c.Err, attrs)
	}

	switch c.Kind {
	case transport.BufKindSend:
		d.onSendComplete(c)
	case transport.BufKindRDMA:
		d.onRDMAComplete(c)
	case transport.BufKindRecv:
		d.onRecv(kind, c)
	}
}

func (d *Dispatcher) onSendComplete(c transport.Completion) {
	if c.Buf == nil {
		return
	}
	if c.Buf.Type == buffer.TypeDisc {
		d.onDisconnectSendComplete(c)
		return
	}
	if c.Buf.XXBuf == handle.Invalid {
		return
	}
	ok := c.Status == transport.StatusSuccess
	if xi, err := d.XIPool.ToObj(c.Buf.XXBuf); err == nil {
		d.ApplyInitiatorEffects(xi, xi.OnSendComplete(ok))
		return
	}
	if xt, err := d.XTPool.ToObj(c.Buf.XXBuf); err == nil {
		// A target's own SendAck/SendReply never drives its state
		// machine further (ackAndFinish/replyWithData already ran
		// TearDown before the bytes hit the wire); nothing to do beyond
		// metrics, already reported by the caller that posted it.
		_ = xt
	}
}

// onDisconnectSendComplete advances local_disc to its terminal value
// once the OP_RDMA_DISC send this side posted has completed, and detaches
// the transport connection if the peer's half has already arrived.
func (d *Dispatcher) onDisconnectSendComplete(c transport.Completion) {
	peer, ok := d.ConnMgr.ByTransport(c.Conn)
	if !ok {
		return
	}
	if peer.FinishLocalDisc() {
		d.RDMA.Detach(c.Conn)
	}
}

func (d *Dispatcher) onRDMAComplete(c transport.Completion) {
	if c.Tag == handle.Invalid {
		return
	}
	ok := c.Status == transport.StatusSuccess
	if xt, err := d.XTPool.ToObj(c.Tag); err == nil {
		d.ApplyTargetEffects(xt, xt.OnRDMAComplete(ok))
	}
}

func (d *Dispatcher) onRecv(kind conn.Kind, c transport.Completion) {
	if c.Buf == nil {
		return
	}
	if err := d.handlePacket(kind, c.Conn, c.Buf.Data); err != nil {
		d.Log.Debugw("dispatch: handle inbound packet", "transport", transportLabel(kind), "err", err)
	}
}

func (d *Dispatcher) handlePacket(kind conn.Kind, connID transport.ConnID, data []byte) error {
	hdr, err := wire.DecodeCommon(data)
	if err != nil {
		return err
	}
	body := data[wire.HeaderSize:]

	if hdr.Operation == wire.OpRDMADisc {
		return d.handleDisconnect(kind, connID)
	}
	if hdr.Operation.IsRequest() {
		return d.handleInboundRequest(kind, connID, hdr, body)
	}
	return d.handleInboundReply(hdr, body)
}

func (d *Dispatcher) handleDisconnect(kind conn.Kind, connID transport.ConnID) error {
	if kind != conn.KindRDMA {
		return nil // shmem peers never disconnect mid-job
	}
	c, ok := d.ConnMgr.ByTransport(connID)
	if !ok {
		return fmt.Errorf("dispatch: rdma disc on unknown conn %d", connID)
	}
	before := c.State().String()
	if c.SetRemoteDisc() {
		d.RDMA.Detach(connID)
	}
	d.Metrics.ConnStateChanged(before, c.State().String(), d.attrs(map[string]string{metrics.LabelTransport: "rdma"}))
	return nil
}

func (d *Dispatcher) peerForRequest(kind conn.Kind, connID transport.ConnID, tail wire.RequestTail) conn.PeerID {
	if kind == conn.KindShmem {
		return conn.PeerID{Rank: int(connID)}
	}
	return conn.PeerID{NID: tail.SrcNID, PID: tail.SrcPID}
}

func (d *Dispatcher) handleInboundRequest(kind conn.Kind, connID transport.ConnID, hdr wire.Common, body []byte) error {
	tail, err := wire.DecodeRequestTail(body)
	if err != nil {
		return err
	}
	data := body[wire.RequestTailSize:]

	pt := d.PTTable.Get(tail.PTIndex)
	if pt == nil || pt.Disabled {
		d.postEvent(ptEQOrInvalid(pt), event.Record{
			Type: event.TypeDropped, PTIndex: tail.PTIndex, MatchBits: tail.MatchBits, RLength: tail.RLength,
		})
		return nil
	}

	req := target.Request{
		Initiator:       d.peerForRequest(kind, connID, tail),
		InitiatorHandle: tail.Handle,
		Operation:       hdr.Operation,
		PTIndex:         tail.PTIndex,
		MatchBits:       tail.MatchBits,
		HdrData:         tail.HdrData,
		RLength:         tail.RLength,
		ROffset:         tail.ROffset,
		AckReq:          tail.AckReq,
		AtomOp:          tail.AtomOp,
		AtomType:        tail.AtomType,
		Operand:         tail.Operand,
		CompareOperand:  tail.CompareOperand,
	}
	if hdr.PktFmt == wire.PktFmtRDMADescriptor {
		desc, err := wire.DecodeRDMADescriptor(data)
		if err != nil {
			return err
		}
		req.Desc = desc
	} else {
		req.Data = data
	}

	c, _ := d.ConnMgr.Get(req.Initiator)
	h, err := d.XTPool.Alloc(func(xt *target.XT) {
		xt.Req, xt.State, xt.Conn = req, target.StateStart, c
	})
	if err != nil {
		d.postEvent(pt.EQ, event.Record{Type: event.TypeDropped, NIFail: 0, PTIndex: tail.PTIndex})
		return err
	}
	xt, err := d.XTPool.ToObj(h)
	if err != nil {
		return err
	}
	xt.Handle = h
	d.setRoute(xt, route{kind: kind, connID: connID})

	d.ApplyTargetEffects(xt, xt.Start(pt))
	return nil
}

func ptEQOrInvalid(pt *match.PT) handle.Handle {
	if pt == nil {
		return handle.Invalid
	}
	return pt.EQ
}

func (d *Dispatcher) handleInboundReply(hdr wire.Common, body []byte) error {
	switch hdr.Operation {
	case wire.OpReply:
		tail, err := wire.DecodeReplyTail(body)
		if err != nil {
			return err
		}
		return d.deliverReply(initiator.ReplyInfo{IsReply: true, Reply: tail, Data: body[wire.ReplyTailSize:]}, tail.Handle)
	case wire.OpAck, wire.OpCTAck, wire.OpOCAck:
		tail, err := wire.DecodeAckTail(body)
		if err != nil {
			return err
		}
		return d.deliverReply(initiator.ReplyInfo{IsReply: false, Ack: tail}, tail.Handle)
	default:
		return fmt.Errorf("dispatch: unexpected inbound operation %v", hdr.Operation)
	}
}

func (d *Dispatcher) deliverReply(r initiator.ReplyInfo, rawHandle uint64) error {
	h := handle.Handle(rawHandle)
	xi, err := d.XIPool.ToObj(h)
	if err != nil {
		return fmt.Errorf("dispatch: reply against stale xi %v: %w", h, err)
	}
	d.ApplyInitiatorEffects(xi, xi.OnReply(r))
	return nil
}
