// Package match implements component F: the matching engine. Each
// portal table entry holds two ordered lists of list entries -- the
// priority list and the overflow list -- walked in strict FIFO order on
// every target-side request. Grounded on ptl_me.h's me_t fields
// (match_bits, ignore_bits, min_free, id filter) and
// ptl_internal_PT.h's per-PT priority/overflow queue pair, generalized
// from an intrusive void* linked list under a raw pthread_mutex_t to a
// typed, handle-addressable Go struct under sync.Mutex.
package match

import (
	"sync"

	"github.com/musleh123/portals4/conn"
	"github.com/musleh123/portals4/handle"
)

// Kind distinguishes a non-matching list entry (LE) from a matching
// entry (ME): an LE never carries match_bits/ignore_bits and always
// matches, which matches() implements by skipping the match-bit check
// for KindLE entries (a zero-bits ME still only matches match_bits 0).
type Kind uint8

const (
	KindLE Kind = iota
	KindME
)

// Permission is a bitmask of the operations an entry accepts, spec §4.F
// "permission/offset checks".
type Permission uint8

const (
	PermPut    Permission = 1 << 0
	PermGet    Permission = 1 << 1
	PermAtomic Permission = 1 << 2
)

// Entry is one list entry or match entry. It is intrusive: prev/next
// link it into exactly one List at a time, giving O(1) append and
// unlink without a separate container allocation.
type Entry struct {
	Handle handle.Handle
	Kind   Kind

	// Matching namespace (spec §4.F); ignored for KindLE entries, whose
	// "always match" behavior comes from their Kind, not from these values.
	MatchBits  uint64
	IgnoreBits uint64
	ID         conn.PeerID
	AnyID      bool // PTL_UID_ANY / PTL_PID_ANY equivalent: skip the ID filter

	// Memory descriptor region this entry delivers into.
	Start  []byte
	Offset uint64 // current write cursor, advanced as matches consume bytes
	Length uint64 // total capacity from Start

	MinFree     uint64 // manage_local exhaustion threshold
	ManageLocal bool
	UseOnce     bool
	Permissions Permission

	CT handle.Handle // counting event to increment on match, or handle.Invalid
	EQ handle.Handle // event queue to post to, or handle.Invalid

	// Mu serialises concurrent atomic operations against this entry's
	// region (spec §4.H: "applies the op under a per-LE spin-lock").
	// Matching itself is already serialised by the PT's own mutex; this
	// one only needs to be held across a single Apply call.
	Mu sync.Mutex

	list *List
	prev *Entry
	next *Entry
}

// Remaining is the unconsumed capacity from Offset to Length, the value
// ManageLocal's min_free check compares against.
func (e *Entry) Remaining() uint64 {
	if e.Offset >= e.Length {
		return 0
	}
	return e.Length - e.Offset
}
