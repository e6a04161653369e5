// Package buffer implements component C: fixed-capacity message buffers
// pre-registered with the transport, drawn from a per-NI free list built
// on top of the component-A object pool. Grounded on CompletionContext's
// buffer management (fi/context.go's ensureBuffer/release pairing) adapted
// from "one scratch buffer per in-flight completion" to "a slab of
// MTU-sized buffers recycled across sends".
package buffer

import "github.com/musleh123/portals4/handle"

// Type classifies what a buffer currently carries, mirroring buf_t.type
// in the original engine.
type Type uint8

const (
	TypeFree Type = iota
	TypeSend
	TypeRecv
	TypeRdma
	TypeTgt
	TypeShmemSend
	TypeShmemReturn
	TypeDisc // OP_RDMA_DISC send, not associated with any xi/xt
)

// RecvState is the dispatcher's per-buffer progress marker (spec §4.I's
// classification table); the buffer package only stores it, the dispatch
// package owns its transitions.
type RecvState uint8

const (
	RecvStateNone RecvState = iota
	RecvStateSendComp
	RecvStateRdmaComp
	RecvStatePacketRDMA
	RecvStatePacket
	RecvStateReq
	RecvStateInit
	RecvStateRepost
	RecvStateDropBuf
	RecvStateError
)

// SGE is one scatter-gather entry against a registered memory region.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint64
}

// Buffer is a fixed-capacity send/receive buffer. Data is the backing
// storage (either a plain Go slice for RDMA transports, or a slice of the
// shared-memory arena for on-node transports); Cookie is the registration
// handle from the register(region) façade spec §1 treats as an external
// collaborator.
type Buffer struct {
	Type      Type
	RecvState RecvState
	Data      []byte
	SGL       []SGE
	Cookie    uint64

	XXBuf     handle.Handle // the transaction (xi/xt) this buffer currently belongs to
	OwnerRank int           // shared-memory owner rank, for routing the buffer back to its pool
}

// Destroy resets a buffer to its free state when its pool slot's refcount
// reaches zero, satisfying handle.Destroyer.
func (b *Buffer) Destroy() {
	b.Type = TypeFree
	b.RecvState = RecvStateNone
	b.SGL = b.SGL[:0]
	b.Cookie = 0
	b.XXBuf = handle.Invalid
	b.OwnerRank = 0
}
