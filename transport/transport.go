// Package transport defines component D: the uniform interface the
// initiator/target/dispatch state machines drive, with two concrete
// implementations (transport/rdma, transport/shmem) selected per
// connection. Grounded on fi.Endpoint's PostSend/PostRecv/PostRead/
// PostWrite shape (messaging.go, rma.go), generalized from "one endpoint,
// one completion queue" to "one provider, many connections, one CQ".
package transport

import (
	"github.com/musleh123/portals4/buffer"
	"github.com/musleh123/portals4/handle"
	"github.com/musleh123/portals4/wire"
)

// ConnID identifies a connection within a provider; providers assign and
// interpret it however suits their transport (QP number, socket index).
type ConnID uint32

// Direction selects which way PostTargetDMA moves bytes relative to the
// initiator's memory.
type Direction int

const (
	DirRead  Direction = iota // pull initiator's data to the target (PUT/ATOMIC)
	DirWrite                  // push target's data to the initiator (GET)
)

// Status classifies a polled completion the way an ibv_wc.status would.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
)

// BufKind tags what kind of operation produced a completion, so the
// dispatcher can classify it per spec §4.I's table without re-deriving it
// from buffer state that may have already been recycled.
type BufKind int

const (
	BufKindSend BufKind = iota
	BufKindRDMA
	BufKindRecv
)

// Completion is one polled entry, deliberately shaped like ptl_recv.c's
// classification table: (status, buf kind) is enough for the dispatcher
// to pick the next recv_state.
type Completion struct {
	Conn   ConnID
	Kind   BufKind
	Status Status
	Buf    *buffer.Buffer
	Err    error

	// Tag echoes the handle the caller passed in when it posted the
	// operation this completion resolves, since neither DMA direction
	// guarantees Buf is populated (a DirRead's destination only exists on
	// this side, never round-tripped back). The dispatcher uses it to
	// find the xi/xt waiting on this completion without keeping its own
	// per-connection correlation queue.
	Tag handle.Handle
}

// Provider is the interface component D exposes to G, H, and I. Exactly
// two implementations exist: transport/rdma (verbs-shaped, over a
// reliable byte stream) and transport/shmem (same-node memcpy via the
// fragment queue).
type Provider interface {
	// SendMessage posts buf's contents to conn. signalled requests a
	// completion be reported from Poll; unsignalled sends still happen,
	// they just produce no Completion unless a SetSendCompletionThreshold
	// count forces one, or the send fails (credit-based doorbell
	// amortisation, spec §4.D).
	SendMessage(conn ConnID, buf *buffer.Buffer, signalled bool) error

	// PostTargetDMA issues one or more RDMA reads or writes (or their
	// shared-memory equivalent) against the initiator's memory described
	// by desc, into/out of local. tag is echoed back on the resulting
	// Completion so the caller can find its way back to the transaction
	// that issued the request.
	PostTargetDMA(conn ConnID, dir Direction, local []buffer.SGE, desc wire.RDMADescriptor, tag handle.Handle, signalled bool) error

	// SetSendCompletionThreshold arranges for the nth subsequent send on
	// conn to be signalled regardless of its own signalled argument; the
	// sends before it keep whatever signalled value their caller passed.
	SetSendCompletionThreshold(conn ConnID, n int)

	// Poll drains up to batch completions without blocking, the
	// transport-specific analogue of ibv_poll_cq.
	Poll(batch int) []Completion

	// Close releases all per-provider transport resources.
	Close() error
}
