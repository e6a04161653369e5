// Package ni ties components A-J together behind the handful of public
// entry points a Network Interface owns: pools for every typed object, a
// portal table, a connection manager, transport state, and a progress
// loop. Grounded on client.Client's role of owning every collaborator and
// exposing a small public surface that builds requests and hands them to
// the engine underneath -- argument validation at the call site is kept
// deliberately thin, since it is the engine's state machines that enforce
// the real invariants.
package ni

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/dispatch"
	"github.com/musleh123/portals4/event"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/initiator"
	"github.com/musleh123/portals4/log"
	"github.com/musleh123/portals4/match"
	"github.com/musleh123/portals4/metrics"
	"github.com/musleh123/portals4/param"
	"github.com/musleh123/portals4/shmem"
	"github.com/musleh123/portals4/target"
	"github.com/musleh123/portals4/transport/rdma"
	shmemtransport "github.com/musleh123/portals4/transport/shmem"
	"github.com/musleh123/portals4/wire"
)

// MD is an initiator-side memory descriptor (spec §3): a registered
// region plus the EQ/CT a Put/Get/Atomic against it should report
// through when the call site does not override them.
type MD struct {
	Start []byte
	EQ    handle.Handle
	CT    handle.Handle
}

// Config selects an NI's addressing mode and transport wiring at
// PtlNIInit time (spec §3 "an NI is one of {matching, non-matching} x
// {logical, physical}" -- this engine only ever builds matching NIs,
// since non-matching is a strict subset of the same list-walk with an
// always-true predicate, already expressed by match.KindLE).
type Config struct {
	Index       int
	Logical     bool
	MapSize     int      // logical: PtlSetMap's rank table size
	PTCount     int      // portal table size
	Params      param.Params
	Logger      log.Full
	Metrics     metrics.Hook
	RDMAEnabled bool
	Shmem       *shmem.Segment // non-nil to enable the on-node transport
	ShmemRank   int
	Listener    net.Listener // accepts inbound RDMA-transport dials
	JobUID      uuid.UUID
}

// NI is one initialized network interface: every per-NI pool, the
// portal table, the connection manager, both transport providers, and
// the dispatcher that drives them all.
type NI struct {
	cfg    Config
	Index  int
	Params param.Params
	Log    log.Full

	table *match.Table
	conns *conn.Manager

	ePool *handle.Pool[match.Entry]
	mPool *handle.Pool[MD]
	ctp   *handle.Pool[event.CT]
	eqp   *handle.Pool[event.EQ]
	xip   *handle.Pool[initiator.XI]
	xtp   *handle.Pool[target.XT]

	rdmaProv  *rdma.Provider
	shmemProv *shmemtransport.Provider
	dialer    *conn.Dialer
	addrs     *addressBook

	disp     *dispatch.Dispatcher
	listener net.Listener

	stop    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// wireNIType translates Config into the flags byte spec §6's hdr_common
// carries (matching/non-matching is not modeled separately; see Config's
// doc comment), mirroring the physical-vs-logical axis only.
func (c Config) wireNIType() wire.NIType {
	if c.Logical {
		return wire.NITypeMatchingLogical
	}
	return wire.NITypeMatchingPhysical
}

// PtlNIInit constructs and wires up a new NI: every pool, the portal
// table, connection manager, and both configured transports, then
// starts the progress loop goroutine (spec §4.I's dispatcher).
func PtlNIInit(cfg Config) (*NI, error) {
	if cfg.PTCount <= 0 {
		cfg.PTCount = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Params == (param.Params{}) {
		cfg.Params = param.Defaults()
	}
	if cfg.JobUID == uuid.Nil {
		cfg.JobUID = uuid.New()
	}

	n := &NI{
		cfg: cfg, Index: cfg.Index, Params: cfg.Params, Log: cfg.Logger,
		table: match.NewTable(cfg.PTCount),
		ePool: handle.New[match.Entry](handle.TagME, cfg.Index),
		mPool: handle.New[MD](handle.TagMD, cfg.Index),
		ctp:   handle.New[event.CT](handle.TagCT, cfg.Index),
		eqp:   handle.New[event.EQ](handle.TagEQ, cfg.Index),
		xip:   handle.New[initiator.XI](handle.TagXI, cfg.Index),
		xtp:   handle.New[target.XT](handle.TagXT, cfg.Index),
		addrs: newAddressBook(),
		stop:  make(chan struct{}),
	}

	if cfg.Logical {
		kinds := make([]conn.Kind, cfg.MapSize)
		if cfg.Shmem != nil {
			for i := range kinds {
				kinds[i] = conn.KindShmem
			}
		}
		n.conns = conn.NewLogical(cfg.MapSize, kinds)
	} else {
		n.conns = conn.NewPhysical()
	}

	n.dialer = conn.NewDialer(cfg.Params.ConnectRetries, cfg.Logger)

	if cfg.RDMAEnabled {
		n.rdmaProv = rdma.New(resolver{}, cfg.Logger)
	}
	if cfg.Shmem != nil {
		n.shmemProv = shmemtransport.New(cfg.Shmem, cfg.ShmemRank, resolver{}, cfg.Logger)
	}

	n.disp = dispatch.NewDispatcher(
		cfg.Index, n.niTypeLabel(), cfg.wireNIType(), cfg.Logger, cfg.Metrics,
		n.rdmaProv, n.shmemProv, n.conns, n.table,
		n.xip, n.xtp, n.ctp, n.eqp, n.addrs, n.dialer,
	)
	n.disp.Handshake = n.handshake

	if cfg.Listener != nil {
		n.listener = cfg.Listener
		n.wg.Add(1)
		go n.acceptLoop(cfg.Listener)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.disp.Loop(n.stop, cfg.Params.WCCount)
	}()

	return n, nil
}

func (n *NI) niTypeLabel() string {
	if n.cfg.Logical {
		return "matching_logical"
	}
	return "matching_physical"
}

// helloSize is the fixed-width frame a dialing peer writes before handing
// its net.Conn to the RDMA provider: enough for the accepting side to
// learn who just connected without waiting for that peer's first real
// request (spec §4.E's connection handshake, reduced to its one fact
// the software transport actually needs -- there is no real RDMA-CM
// address/route negotiation to replay).
const helloSize = 4 + 4 + 4 // Rank, NID, PID

func writeHello(nc net.Conn, self conn.PeerID) error {
	var b [helloSize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(self.Rank))
	binary.BigEndian.PutUint32(b[4:8], self.NID)
	binary.BigEndian.PutUint32(b[8:12], self.PID)
	_, err := nc.Write(b[:])
	return err
}

func readHello(nc net.Conn) (conn.PeerID, error) {
	var b [helloSize]byte
	if _, err := io.ReadFull(nc, b[:]); err != nil {
		return conn.PeerID{}, err
	}
	return conn.PeerID{
		Rank: int(binary.BigEndian.Uint32(b[0:4])),
		NID:  binary.BigEndian.Uint32(b[4:8]),
		PID:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// handshake is the dispatcher's Handshake hook: it announces this NI's
// own identity on a freshly dialed connection before RDMA.Attach takes
// it over, so the accepting side's acceptOne can bind the connection to
// the right conn.Conn instead of only discovering the peer once the
// first request header arrives.
func (n *NI) handshake(nc net.Conn, peer conn.PeerID) error {
	return writeHello(nc, n.self())
}

// acceptLoop accepts inbound RDMA-transport dials, reading the peer's
// hello before handing the connection to the RDMA provider (spec §4.E).
func (n *NI) acceptLoop(l net.Listener) {
	defer n.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				n.Log.Errorw("ni: accept", "err", err)
				return
			}
		}
		go n.acceptOne(nc)
	}
}

func (n *NI) acceptOne(nc net.Conn) {
	peer, err := readHello(nc)
	if err != nil {
		n.Log.Warnw("ni: accept handshake", "err", err)
		nc.Close()
		return
	}
	c, err := n.conns.Get(peer)
	if err != nil {
		n.Log.Warnw("ni: accept against unknown peer", "peer", peer, "err", err)
		nc.Close()
		return
	}
	if c.State() == conn.StateConnected {
		// Simultaneous connect: our own dial already won the race and
		// established this peer first. Keep that connection and drop
		// the redundant inbound one rather than replacing live state
		// (spec §4.E's connection-race arbitration, reduced to "first
		// established wins" since both sides are the same two peers).
		nc.Close()
		return
	}
	connID := n.rdmaProv.Attach(nc)
	c.Establish(connID)
	for _, v := range c.DrainPending() {
		if xi, ok := v.(*initiator.XI); ok {
			n.disp.ApplyInitiatorEffects(xi, xi.OnConnReady())
		}
	}
}

// PtlNIFini tears every pool and transport down bottom-up, aggregating
// whatever fails along the way rather than stopping at the first error
// (spec §7's "NI teardown cancels triggered ops / closes blocked waiters
// rather than leaking them").
func (n *NI) PtlNIFini() error {
	n.closeMu.Lock()
	if n.closed {
		n.closeMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeMu.Unlock()

	n.disp.DisconnectAll()
	close(n.stop)
	if n.listener != nil {
		n.listener.Close()
	}
	n.wg.Wait()

	var errs error
	if n.rdmaProv != nil {
		errs = multierr.Append(errs, n.rdmaProv.Close())
	}
	if n.shmemProv != nil {
		errs = multierr.Append(errs, n.shmemProv.Close())
	}

	for _, eqh := range n.eqp.LiveHandles() {
		if q, err := n.eqp.ToObj(eqh); err == nil {
			q.Close()
		}
	}
	for _, cth := range n.ctp.LiveHandles() {
		if c, err := n.ctp.ToObj(cth); err == nil {
			c.Close()
		}
	}

	if lc := n.xtp.Close(); lc > 0 {
		errs = multierr.Append(errs, fmt.Errorf("ni: %d target transactions still live at teardown", lc))
	}
	if lc := n.xip.Close(); lc > 0 {
		errs = multierr.Append(errs, fmt.Errorf("ni: %d initiator transactions still live at teardown", lc))
	}
	n.ePool.Close()
	n.mPool.Close()
	n.ctp.Close()
	n.eqp.Close()

	return errs
}

// PtlSetMap records addr as peer's dialable address in the dispatcher's
// address book. rank is not used: no connection-table entry is written.
func (n *NI) PtlSetMap(rank int, peer conn.PeerID, addr string) {
	n.addrs.SetAddress(peer, addr)
	_ = rank
}

// PtlPTAlloc installs a new portal table entry bound to eq, matching
// PtlPTAlloc's "pick the lowest free index" allocator.
func (n *NI) PtlPTAlloc(eq handle.Handle) (uint32, error) {
	return n.table.Alloc(eq)
}

func (n *NI) PtlPTFree(index uint32) error    { return n.table.Free(index) }
func (n *NI) PtlPTEnable(index uint32) error  { return n.table.Enable(index) }
func (n *NI) PtlPTDisable(index uint32) error { return n.table.Disable(index) }

// AppendOptions mirrors the bits a PtlMEAppend/PtlLEAppend caller sets on
// an ME/LE (spec §3's permission/manage_local/use_once flags, plus the
// matching namespace an LE never carries).
type AppendOptions struct {
	MatchBits   uint64
	IgnoreBits  uint64
	ID          conn.PeerID
	AnyID       bool
	MinFree     uint64
	ManageLocal bool
	UseOnce     bool
	Permissions match.Permission
	CT          handle.Handle
	EQ          handle.Handle
}

// PtlMEAppend links a new matching list entry over start into ptIndex's
// priority (or overflow) list.
func (n *NI) PtlMEAppend(ptIndex uint32, start []byte, opts AppendOptions, prepend, overflow bool) (handle.Handle, error) {
	return n.appendEntry(match.KindME, ptIndex, start, opts, prepend, overflow)
}

// PtlLEAppend links a new non-matching list entry; spec §3's "ME
// additionally carries match_bits/ignore_bits/id" means an LE is appended
// as match.KindLE with AnyID forced true and its matching namespace
// cleared, and match.matches skips the match-bit check for KindLE.
func (n *NI) PtlLEAppend(ptIndex uint32, start []byte, opts AppendOptions, prepend, overflow bool) (handle.Handle, error) {
	opts.AnyID = true
	opts.MatchBits, opts.IgnoreBits = 0, 0
	return n.appendEntry(match.KindLE, ptIndex, start, opts, prepend, overflow)
}

func (n *NI) appendEntry(kind match.Kind, ptIndex uint32, start []byte, opts AppendOptions, prepend, overflow bool) (handle.Handle, error) {
	pt := n.table.Get(ptIndex)
	if pt == nil {
		return handle.Invalid, fmt.Errorf("ni: append against unallocated PT %d", ptIndex)
	}
	h, err := n.ePool.Alloc(func(e *match.Entry) {
		*e = match.Entry{
			Kind: kind, MatchBits: opts.MatchBits, IgnoreBits: opts.IgnoreBits,
			ID: opts.ID, AnyID: opts.AnyID, Start: start, Length: uint64(len(start)),
			MinFree: opts.MinFree, ManageLocal: opts.ManageLocal, UseOnce: opts.UseOnce,
			Permissions: opts.Permissions, CT: opts.CT, EQ: opts.EQ,
		}
	})
	if err != nil {
		return handle.Invalid, err
	}
	e, err := n.ePool.ToObj(h)
	if err != nil {
		return handle.Invalid, err
	}
	e.Handle = h
	pt.Append(kind, e, prepend, overflow)
	return h, nil
}

// PtlUnlink removes the entry h from whatever PT list currently holds
// it, then releases its pool slot.
func (n *NI) PtlUnlink(ptIndex uint32, h handle.Handle) error {
	pt := n.table.Get(ptIndex)
	if pt == nil {
		return fmt.Errorf("ni: unlink against unallocated PT %d", ptIndex)
	}
	e, err := n.ePool.ToObj(h)
	if err != nil {
		return err
	}
	pt.Unlink(e)
	return n.ePool.Put(h)
}

// SearchMode mirrors PTL_SEARCH_ONLY vs PTL_SEARCH_DELETE.
type SearchMode int

const (
	SearchOnly SearchMode = iota
	SearchDelete
)

// PtlMESearch/PtlLESearch bind a previously captured overflow-list match
// to matchBits/ignoreBits, the search operation spec §8 scenario 5
// exercises directly against an unexpected message.
func (n *NI) PtlMESearch(ptIndex uint32, matchBits, ignoreBits uint64, mode SearchMode) (match.UnexpectedMessage, error) {
	pt := n.table.Get(ptIndex)
	if pt == nil {
		return match.UnexpectedMessage{}, fmt.Errorf("ni: search against unallocated PT %d", ptIndex)
	}
	u, ok := pt.SearchUnexpected(matchBits, ignoreBits, mode == SearchDelete)
	if !ok {
		return match.UnexpectedMessage{}, fmt.Errorf("ni: no unexpected message matches")
	}
	return u, nil
}

// PtlMDBind registers start as a new initiator-side memory descriptor
// (spec §3 "references a registered memory region ... an optional EQ, an
// optional CT").
func (n *NI) PtlMDBind(start []byte, eq, ct handle.Handle) (handle.Handle, error) {
	return n.mPool.Alloc(func(md *MD) { *md = MD{Start: start, EQ: eq, CT: ct} })
}

func (n *NI) PtlMDRelease(h handle.Handle) error { return n.mPool.Put(h) }

// PtlCTAlloc allocates a new counting event.
func (n *NI) PtlCTAlloc() (handle.Handle, error) {
	return n.ctp.Alloc(func(c *event.CT) { c.Init(n.Index) })
}

func (n *NI) PtlCTFree(h handle.Handle) error { return n.ctp.Put(h) }

func (n *NI) PtlCTInc(h handle.Handle, success, failure uint64) error {
	c, err := n.ctp.ToObj(h)
	if err != nil {
		return err
	}
	c.Inc(success, failure)
	return nil
}

func (n *NI) PtlCTSet(h handle.Handle, success, failure uint64) error {
	c, err := n.ctp.ToObj(h)
	if err != nil {
		return err
	}
	c.Set(success, failure)
	return nil
}

func (n *NI) PtlCTWait(h handle.Handle, threshold uint64) (success, failure uint64, err error) {
	c, err := n.ctp.ToObj(h)
	if err != nil {
		return 0, 0, err
	}
	s, f := c.Wait(threshold)
	return s, f, nil
}

// PtlEQAlloc allocates a new bounded event queue with room for capacity
// records.
func (n *NI) PtlEQAlloc(capacity int) (handle.Handle, error) {
	return n.eqp.Alloc(func(q *event.EQ) { q.Init(n.Index, capacity) })
}

func (n *NI) PtlEQFree(h handle.Handle) error { return n.eqp.Put(h) }

func (n *NI) PtlEQGet(h handle.Handle) (event.Record, error) {
	q, err := n.eqp.ToObj(h)
	if err != nil {
		return event.Record{}, err
	}
	return q.Get()
}

func (n *NI) PtlEQWait(h handle.Handle) (event.Record, error) {
	q, err := n.eqp.ToObj(h)
	if err != nil {
		return event.Record{}, err
	}
	return q.Wait()
}

// PutArgs/GetArgs/AtomicArgs carry the arguments PtlPut/PtlGet/PtlAtomic/
// PtlFetchAtomic/PtlSwap build an initiator.Request from, argument
// validation itself being the external-collaborator surface spec §1
// names ("their job is to build an Initiator request and hand it to the
// engine").
type PutArgs struct {
	Target    conn.PeerID
	MD        handle.Handle
	Offset    uint64
	Length    uint64
	PTIndex   uint32
	MatchBits uint64
	HdrData   uint64
	AckReq    wire.AckMode
	CT        handle.Handle
	EQ        handle.Handle
}

func (n *NI) self() conn.PeerID {
	jobUID := n.cfg.JobUID
	nid := binary.BigEndian.Uint32(jobUID[0:4])
	return conn.PeerID{Rank: n.Index, NID: nid, PID: uint32(n.Index)}
}

func (n *NI) newXI(req initiator.Request, target conn.PeerID) (handle.Handle, *initiator.XI, error) {
	c, err := n.conns.Get(target)
	if err != nil {
		return handle.Invalid, nil, err
	}
	h, err := n.xip.Alloc(func(xi *initiator.XI) {
		xi.Req, xi.State, xi.Conn = req, initiator.StateStart, c
	})
	if err != nil {
		return handle.Invalid, nil, err
	}
	xi, err := n.xip.ToObj(h)
	if err != nil {
		return handle.Invalid, nil, err
	}
	xi.Handle = h
	return h, xi, nil
}

// PtlPut issues a one-sided Put (spec §4.G/§8's canonical loopback Put).
func (n *NI) PtlPut(a PutArgs) (handle.Handle, error) {
	md, err := n.mPool.ToObj(a.MD)
	if err != nil {
		return handle.Invalid, err
	}
	data := sliceOrEmpty(md.Start, a.Offset, a.Length)
	req := initiator.Request{
		Target: a.Target, Self: n.self(), Operation: wire.OpPut,
		PTIndex: a.PTIndex, MatchBits: a.MatchBits, HdrData: a.HdrData,
		RLength: a.Length, ROffset: a.Offset, AckReq: a.AckReq,
		Data: data, CT: firstValid(a.CT, md.CT), EQ: firstValid(a.EQ, md.EQ),
	}
	return n.start(req, a.Target)
}

// GetArgs mirrors PutArgs for PtlGet; MD/Offset/Length name the local
// destination the reply streams into.
type GetArgs struct {
	Target    conn.PeerID
	MD        handle.Handle
	Offset    uint64
	Length    uint64
	PTIndex   uint32
	MatchBits uint64
	CT        handle.Handle
	EQ        handle.Handle
}

func (n *NI) PtlGet(a GetArgs) (handle.Handle, error) {
	md, err := n.mPool.ToObj(a.MD)
	if err != nil {
		return handle.Invalid, err
	}
	req := initiator.Request{
		Target: a.Target, Self: n.self(), Operation: wire.OpGet,
		PTIndex: a.PTIndex, MatchBits: a.MatchBits, RLength: a.Length, ROffset: a.Offset,
		GetMD: sliceOrEmpty(md.Start, a.Offset, a.Length),
		CT:    firstValid(a.CT, md.CT), EQ: firstValid(a.EQ, md.EQ),
	}
	return n.start(req, a.Target)
}

// AtomicArgs covers PtlAtomic/PtlFetchAtomic/PtlSwap; GetMD/GetOffset are
// only consulted for fetching variants (FetchAtomic, Swap).
type AtomicArgs struct {
	Target       conn.PeerID
	MD           handle.Handle
	Offset       uint64
	Length       uint64
	GetMD        handle.Handle
	GetOffset    uint64
	PTIndex      uint32
	MatchBits    uint64
	HdrData      uint64
	AckReq       wire.AckMode
	AtomOp       wire.AtomicOp
	AtomType     wire.AtomicType
	Operand      uint64
	CompareValue uint64 // CSWAP's compare operand / MSWAP's mask
	CT           handle.Handle
	EQ           handle.Handle
}

func (n *NI) PtlAtomic(a AtomicArgs) (handle.Handle, error) {
	return n.atomic(a, wire.OpAtomic)
}

func (n *NI) PtlFetchAtomic(a AtomicArgs) (handle.Handle, error) {
	return n.atomic(a, wire.OpFetch)
}

func (n *NI) PtlSwap(a AtomicArgs) (handle.Handle, error) {
	return n.atomic(a, wire.OpSwap)
}

func (n *NI) atomic(a AtomicArgs, op wire.Operation) (handle.Handle, error) {
	md, err := n.mPool.ToObj(a.MD)
	if err != nil {
		return handle.Invalid, err
	}
	req := initiator.Request{
		Target: a.Target, Self: n.self(), Operation: op,
		PTIndex: a.PTIndex, MatchBits: a.MatchBits, HdrData: a.HdrData,
		RLength: a.Length, ROffset: a.Offset, AckReq: a.AckReq,
		AtomOp: a.AtomOp, AtomType: a.AtomType, Operand: a.Operand, CompareOperand: a.CompareValue,
		Data: sliceOrEmpty(md.Start, a.Offset, a.Length),
		CT:   firstValid(a.CT, md.CT), EQ: firstValid(a.EQ, md.EQ),
	}
	if op == wire.OpFetch || op == wire.OpSwap {
		if gmd, err := n.mPool.ToObj(a.GetMD); err == nil {
			req.GetMD = sliceOrEmpty(gmd.Start, a.GetOffset, a.Length)
		}
	}
	return n.start(req, a.Target)
}

// PtlTriggeredPut arms a Put to fire once ct reaches threshold, spec §4.J
// and scenario 6's "TriggeredPut(threshold=3, len=8)".
func (n *NI) PtlTriggeredPut(a PutArgs, ct handle.Handle, threshold uint64) {
	c, err := n.ctp.ToObj(ct)
	if err != nil {
		n.Log.Warnw("ni: triggered put against stale ct", "err", err)
		return
	}
	c.Arm(threshold, func() {
		if _, err := n.PtlPut(a); err != nil {
			n.Log.Warnw("ni: triggered put fired with an error", "err", err)
		}
	})
}

// PtlTriggeredAtomic mirrors PtlTriggeredPut for PtlAtomic.
func (n *NI) PtlTriggeredAtomic(a AtomicArgs, ct handle.Handle, threshold uint64) {
	c, err := n.ctp.ToObj(ct)
	if err != nil {
		n.Log.Warnw("ni: triggered atomic against stale ct", "err", err)
		return
	}
	c.Arm(threshold, func() {
		if _, err := n.PtlAtomic(a); err != nil {
			n.Log.Warnw("ni: triggered atomic fired with an error", "err", err)
		}
	})
}

// PtlTriggeredCTInc arms a CT increment on another CT's threshold, the
// deferred-counter-chaining primitive spec §4.J's trigger list supports
// beyond just deferred Puts.
func (n *NI) PtlTriggeredCTInc(target handle.Handle, success, failure uint64, watch handle.Handle, threshold uint64) {
	w, err := n.ctp.ToObj(watch)
	if err != nil {
		n.Log.Warnw("ni: triggered ct-inc against stale watch ct", "err", err)
		return
	}
	w.Arm(threshold, func() {
		if err := n.PtlCTInc(target, success, failure); err != nil {
			n.Log.Warnw("ni: triggered ct-inc fired with an error", "err", err)
		}
	})
}

// PtlTriggeredCTSet mirrors PtlTriggeredCTInc for PtlCTSet.
func (n *NI) PtlTriggeredCTSet(target handle.Handle, success, failure uint64, watch handle.Handle, threshold uint64) {
	w, err := n.ctp.ToObj(watch)
	if err != nil {
		n.Log.Warnw("ni: triggered ct-set against stale watch ct", "err", err)
		return
	}
	w.Arm(threshold, func() {
		if err := n.PtlCTSet(target, success, failure); err != nil {
			n.Log.Warnw("ni: triggered ct-set fired with an error", "err", err)
		}
	})
}

func (n *NI) start(req initiator.Request, target conn.PeerID) (handle.Handle, error) {
	h, xi, err := n.newXI(req, target)
	if err != nil {
		return handle.Invalid, err
	}
	n.disp.ApplyInitiatorEffects(xi, xi.Start())
	return h, nil
}

func sliceOrEmpty(b []byte, offset, length uint64) []byte {
	if b == nil {
		return nil
	}
	end := offset + length
	if end > uint64(len(b)) {
		end = uint64(len(b))
	}
	if offset > end {
		offset = end
	}
	return b[offset:end]
}

func firstValid(a, b handle.Handle) handle.Handle {
	if a != handle.Invalid {
		return a
	}
	return b
}

var _ dispatch.AddressBook = (*addressBook)(nil)
