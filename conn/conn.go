package conn

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/musleh123/portals4/transport"
)

// State mirrors CONN_STATE_* from ptl_conn.h.
type State int

const (
	StateDisconnected State = iota
	StateResolvingAddr
	StateResolvingRoute
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateResolvingAddr:
		return "RESOLVING_ADDR"
	case StateResolvingRoute:
		return "RESOLVING_ROUTE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Kind distinguishes an RDMA peer conn (needs a handshake) from a
// shared-memory peer conn (same node, always "connected").
type Kind int

const (
	KindRDMA Kind = iota
	KindShmem
)

// Conn is one peer's connection record, shared by every xi/xt addressed
// to that peer. Grounded on conn_t (ptl_conn.h): id, mutex, state,
// retry counters, buf_list, local/remote disconnect flags.
type Conn struct {
	ID   PeerID
	Kind Kind

	mu    sync.Mutex
	state State

	// transport.ConnID this peer resolves to once connected; 0 before
	// the handshake completes.
	connID transport.ConnID

	retryResolveAddr  int
	retryResolveRoute int
	retryConnect      int

	// localDisc tracks this side's half of graceful disconnect: 0 before
	// anything is sent, 1 once the OP_RDMA_DISC frame is posted, 2 once
	// that send's completion is observed.
	localDisc  int
	remoteDisc bool

	// bufList holds xi/xt that arrived before the connection finished
	// handshaking, flushed once it reaches StateConnected (flush_pending_xi_xt).
	bufList *queue.Queue
}

// New constructs a Conn in StateDisconnected, matching conn_init.
func New(id PeerID, kind Kind) *Conn {
	return &Conn{
		ID:      id,
		Kind:    kind,
		bufList: queue.New(),
		state:   initialState(kind),
	}
}

func initialState(kind Kind) State {
	if kind == KindShmem {
		// Same-node peers need no handshake; treat "connected" as the
		// steady state from the moment the shmem segment is mapped.
		return StateConnected
	}
	return StateDisconnected
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteDisc reports whether the peer's OP_RDMA_DISC frame has been
// observed yet.
func (c *Conn) RemoteDisc() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDisc
}

// ConnID returns the transport connection ID this peer resolves to, and
// whether the connection is ready to carry traffic.
func (c *Conn) ConnID() (transport.ConnID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID, c.state == StateConnected
}

// BeginConnect transitions StateDisconnected -> StateResolvingAddr,
// matching init_connect's precondition assertion. Returns false if the
// connection is not in a state a new connect attempt may start from.
func (c *Conn) BeginConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return false
	}
	c.state = StateResolvingAddr
	c.retryResolveAddr = 3
	c.retryResolveRoute = 3
	c.retryConnect = 3
	return true
}

// AdvanceAddrResolved transitions RESOLVING_ADDR -> RESOLVING_ROUTE, the
// RDMA_CM_EVENT_ADDR_RESOLVED handler's happy path. Returns false if a
// concurrent event already moved the connection elsewhere (the "our
// connect attempt got overridden by the remote side" case).
func (c *Conn) AdvanceAddrResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResolvingAddr {
		return false
	}
	c.state = StateResolvingRoute
	return true
}

// AdvanceRouteResolved transitions RESOLVING_ROUTE -> CONNECTING.
func (c *Conn) AdvanceRouteResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResolvingRoute {
		return false
	}
	c.state = StateConnecting
	return true
}

// Establish transitions into StateConnected and records the transport
// connection ID, draining any buffered xi/xt the caller pulls via
// DrainPending.
func (c *Conn) Establish(id transport.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnected
	c.connID = id
}

// Fail drops the connection back to StateDisconnected after a failed
// handshake step, the common path every RDMA_CM_EVENT_*_ERROR branch
// takes.
func (c *Conn) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.connID = 0
}

// BeginDisconnect transitions into StateDisconnecting from any state
// that has an outstanding handshake or an active connection
// (disconnect_conn_locked). Disconnecting from StateDisconnected is a
// no-op.
func (c *Conn) BeginDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateConnected, StateResolvingRoute, StateResolvingAddr:
		c.state = StateDisconnecting
	}
}

// BeginLocalDisc records that this side has posted its OP_RDMA_DISC
// send, the local_disc=1 stage.
func (c *Conn) BeginLocalDisc() {
	c.mu.Lock()
	c.localDisc = 1
	c.mu.Unlock()
}

// FinishLocalDisc records that the OP_RDMA_DISC send has completed, the
// local_disc=2 stage, and reports whether both sides have now reached
// their terminal disconnect value.
func (c *Conn) FinishLocalDisc() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDisc = 2
	return c.checkMutualDisconnect()
}

// SetRemoteDisc records that the peer's OP_RDMA_DISC arrived, and
// reports whether both sides have now agreed to tear the connection
// down.
func (c *Conn) SetRemoteDisc() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDisc = true
	return c.checkMutualDisconnect()
}

// checkMutualDisconnect transitions into StateDisconnected once
// local_disc has reached its terminal value of 2 and remote_disc has
// been observed. Caller must hold c.mu.
func (c *Conn) checkMutualDisconnect() bool {
	if c.localDisc == 2 && c.remoteDisc {
		c.state = StateDisconnected
		return true
	}
	return false
}

// EnqueuePending buffers v (an *xi or *xt, opaque to conn) until the
// connection reaches StateConnected.
func (c *Conn) EnqueuePending(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufList.Add(v)
}

// DrainPending removes and returns every buffered value in FIFO order,
// for the caller to redrive through process_tgt/process_init once the
// connection is up (flush_pending_xi_xt).
func (c *Conn) DrainPending() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, c.bufList.Length())
	for c.bufList.Length() > 0 {
		out = append(out, c.bufList.Remove())
	}
	return out
}
